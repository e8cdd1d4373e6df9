package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is a state of the trade lifecycle
type TradeStatus string

const (
	TradeStatusPending          TradeStatus = "pending"
	TradeStatusPaymentPending   TradeStatus = "payment_pending"
	TradeStatusPaymentConfirmed TradeStatus = "payment_confirmed"
	TradeStatusDisputed         TradeStatus = "disputed"
	TradeStatusCompleted        TradeStatus = "completed"
	TradeStatusCancelled        TradeStatus = "cancelled"
	TradeStatusExpired          TradeStatus = "expired"
)

// tradeTransitions is the complete edge set of the lifecycle.
// Disputed trades leave only through admin resolution.
var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending:          {TradeStatusPaymentPending, TradeStatusCancelled},
	TradeStatusPaymentPending:   {TradeStatusPaymentConfirmed, TradeStatusCancelled, TradeStatusDisputed, TradeStatusExpired},
	TradeStatusPaymentConfirmed: {TradeStatusCompleted, TradeStatusCancelled, TradeStatusDisputed},
	TradeStatusDisputed:         {TradeStatusCompleted, TradeStatusCancelled},
}

// Valid reports whether s is a known trade status
func (s TradeStatus) Valid() bool {
	switch s {
	case TradeStatusPending, TradeStatusPaymentPending, TradeStatusPaymentConfirmed, TradeStatusDisputed,
		TradeStatusCompleted, TradeStatusCancelled, TradeStatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further status change is possible
func (s TradeStatus) IsTerminal() bool {
	return s == TradeStatusCompleted || s == TradeStatusCancelled || s == TradeStatusExpired
}

// CanTransitionTo reports whether next is an edge of the lifecycle from s
func (s TradeStatus) CanTransitionTo(next TradeStatus) bool {
	return slices.Contains(tradeTransitions[s], next)
}

// TimelineEntry records one status change
type TimelineEntry struct {
	Status    TradeStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Actor     string      `json:"actor,omitempty"`
	Note      string      `json:"note,omitempty"`
}

// ChatMessage is one line of the trade chat
type ChatMessage struct {
	Sender          string    `json:"sender"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	IsSystemMessage bool      `json:"isSystemMessage"`
}

// PaymentDetails is what the buyer attached when confirming payment
type PaymentDetails struct {
	Method    PaymentMethodType `json:"method,omitempty"`
	Reference string            `json:"reference,omitempty"`
	Proof     []string          `json:"proof,omitempty"`
}

// Dispute is the dispute sub-record of a trade
type Dispute struct {
	IsDisputed bool       `json:"isDisputed"`
	Initiator  string     `json:"initiator,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Evidence   []string   `json:"evidence,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// DisputeOutcome is how an admin settles a dispute
type DisputeOutcome string

const (
	// DisputeRelease completes the trade in the buyer's favour
	DisputeRelease DisputeOutcome = "release"
	// DisputeRefund cancels the trade and returns the reservation to the order
	DisputeRefund DisputeOutcome = "refund"
)

// Rating is one party's review of the other
type Rating struct {
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeRatings holds the review written by the buyer and the one written by the seller
type TradeRatings struct {
	BuyerRating  *Rating `json:"buyerRating,omitempty"`
	SellerRating *Rating `json:"sellerRating,omitempty"`
}

const (
	MinRatingScore = 1
	MaxRatingScore = 5

	maxChatMessageLength = 2000
)

// Trade is one counterparty's engagement against an order
type Trade struct {
	ID                 string            `json:"id"`
	OrderID            string            `json:"order"`
	BuyerID            string            `json:"buyer"`
	SellerID           string            `json:"seller"`
	Cryptocurrency     string            `json:"cryptocurrency"`
	FiatCurrency       string            `json:"fiatCurrency"`
	Amount             decimal.Decimal   `json:"amount"`
	Price              decimal.Decimal   `json:"price"`
	TotalValue         decimal.Decimal   `json:"totalValue"`
	PaymentMethod      PaymentMethodType `json:"paymentMethod"`
	Status             TradeStatus       `json:"status"`
	Timeline           []TimelineEntry   `json:"timeline"`
	PaymentDetails     PaymentDetails    `json:"paymentDetails"`
	Chat               []ChatMessage     `json:"chat"`
	Dispute            Dispute           `json:"dispute"`
	Rating             TradeRatings      `json:"rating"`
	ExpiresAt          time.Time         `json:"expiresAt"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	CancelledAt        *time.Time        `json:"cancelledAt,omitempty"`
	CancelledBy        string            `json:"cancelledBy,omitempty"`
	CancellationReason string            `json:"cancellationReason,omitempty"`
	Version            int               `json:"version"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// NewTrade opens a trade of amount units against order for the given counterparty.
// Price is copied from the order so later price edits do not touch open trades.
func NewTrade(order *Order, counterpartyID string, amount decimal.Decimal, method PaymentMethodType, now time.Time) *Trade {
	buyer, seller := order.Parties(counterpartyID)
	t := &Trade{
		OrderID:        order.ID,
		BuyerID:        buyer,
		SellerID:       seller,
		Cryptocurrency: order.Cryptocurrency,
		FiatCurrency:   order.FiatCurrency,
		Amount:         amount,
		Price:          order.Price,
		TotalValue:     amount.Mul(order.Price),
		PaymentMethod:  method,
		Status:         TradeStatusPending,
		PaymentDetails: PaymentDetails{Method: method},
		Chat:           []ChatMessage{},
		ExpiresAt:      now.Add(time.Duration(order.PaymentTimeLimit) * time.Minute),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// pending is nominal: the trade starts out waiting for payment
	_ = t.setStatus(TradeStatusPaymentPending, counterpartyID, "trade opened", now)
	return t
}

// setStatus moves the trade along one lifecycle edge and records it on the timeline
func (t *Trade) setStatus(next TradeStatus, actor, note string, now time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	t.Timeline = append(t.Timeline, TimelineEntry{Status: next, Timestamp: now, Actor: actor, Note: note})
	t.UpdatedAt = now
	return nil
}

// IsParticipant reports whether userID is the buyer or the seller
func (t *Trade) IsParticipant(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Counterparty returns the other party of userID; empty for non-participants
func (t *Trade) Counterparty(userID string) string {
	switch userID {
	case t.BuyerID:
		return t.SellerID
	case t.SellerID:
		return t.BuyerID
	}
	return ""
}

// IsExpired reports whether the buyer missed the payment deadline
func (t *Trade) IsExpired(now time.Time) bool {
	return t.Status == TradeStatusPaymentPending && t.ExpiresAt.Before(now)
}

// ConfirmPayment marks the fiat payment as sent, attaching optional proof
func (t *Trade) ConfirmPayment(actor string, proof []string, now time.Time) error {
	if t.Status != TradeStatusPaymentPending {
		return fmt.Errorf("%w: payment can only be confirmed while pending", ErrInvalidTransition)
	}
	if err := t.setStatus(TradeStatusPaymentConfirmed, actor, "", now); err != nil {
		return err
	}
	if len(proof) > 0 {
		t.PaymentDetails.Proof = proof
	}
	return nil
}

// Complete releases the crypto to the buyer
func (t *Trade) Complete(actor, note string, now time.Time) error {
	if err := t.setStatus(TradeStatusCompleted, actor, note, now); err != nil {
		return err
	}
	t.CompletedAt = &now
	return nil
}

// Cancel abandons the trade
func (t *Trade) Cancel(actor, reason string, now time.Time) error {
	if err := t.setStatus(TradeStatusCancelled, actor, reason, now); err != nil {
		return err
	}
	t.CancelledAt = &now
	t.CancelledBy = actor
	t.CancellationReason = reason
	return nil
}

// InitiateDispute flags the trade for administrative resolution
func (t *Trade) InitiateDispute(actor, reason string, evidence []string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: dispute reason is required", ErrValidation)
	}
	if err := t.setStatus(TradeStatusDisputed, actor, reason, now); err != nil {
		return err
	}
	if evidence == nil {
		evidence = []string{}
	}
	t.Dispute = Dispute{
		IsDisputed: true,
		Initiator:  actor,
		Reason:     reason,
		Evidence:   evidence,
	}
	return nil
}

// ResolveDispute settles a disputed trade by completing or cancelling it
func (t *Trade) ResolveDispute(admin string, outcome DisputeOutcome, resolution string, now time.Time) error {
	if t.Status != TradeStatusDisputed {
		return fmt.Errorf("%w: trade is not disputed", ErrInvalidTransition)
	}
	var err error
	switch outcome {
	case DisputeRelease:
		err = t.Complete(admin, resolution, now)
	case DisputeRefund:
		err = t.Cancel(admin, resolution, now)
	default:
		return fmt.Errorf("%w: unknown dispute outcome %q", ErrValidation, outcome)
	}
	if err != nil {
		return err
	}
	t.Dispute.Resolution = resolution
	t.Dispute.ResolvedBy = admin
	t.Dispute.ResolvedAt = &now
	return nil
}

// Expire closes a trade whose payment deadline passed
func (t *Trade) Expire(now time.Time) error {
	if !t.IsExpired(now) {
		return fmt.Errorf("%w: trade is not overdue", ErrInvalidTransition)
	}
	return t.setStatus(TradeStatusExpired, "", "payment time limit exceeded", now)
}

// NewMessage builds a chat line, rejecting it once the trade was cancelled or expired
func (t *Trade) NewMessage(sender, text string, system bool, now time.Time) (ChatMessage, error) {
	if t.Status == TradeStatusCancelled || t.Status == TradeStatusExpired {
		return ChatMessage{}, fmt.Errorf("%w: chat is closed for %s trades", ErrInvalidTransition, t.Status)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatMessage{}, fmt.Errorf("%w: message cannot be empty", ErrValidation)
	}
	if len(text) > maxChatMessageLength {
		return ChatMessage{}, fmt.Errorf("%w: message too long (max %d characters)", ErrValidation, maxChatMessageLength)
	}
	return ChatMessage{Sender: sender, Message: text, Timestamp: now, IsSystemMessage: system}, nil
}

// AddMessage appends a chat line
func (t *Trade) AddMessage(sender, text string, system bool, now time.Time) (ChatMessage, error) {
	msg, err := t.NewMessage(sender, text, system, now)
	if err != nil {
		return ChatMessage{}, err
	}
	t.Chat = append(t.Chat, msg)
	return msg, nil
}

// AddRating stores author's review of the other party on a completed trade.
// With overwrite false a second review by the same side is rejected; with
// overwrite true it replaces the first and replaced is reported.
func (t *Trade) AddRating(author string, score int, comment string, overwrite bool, now time.Time) (previous *Rating, err error) {
	if t.Status != TradeStatusCompleted {
		return nil, fmt.Errorf("%w: can only rate completed trades", ErrInvalidTransition)
	}
	if score < MinRatingScore || score > MaxRatingScore {
		return nil, fmt.Errorf("%w: score must be between %d and %d", ErrValidation, MinRatingScore, MaxRatingScore)
	}
	var slot **Rating
	switch author {
	case t.BuyerID:
		slot = &t.Rating.BuyerRating
	case t.SellerID:
		slot = &t.Rating.SellerRating
	default:
		return nil, fmt.Errorf("%w: only trade parties can rate", ErrValidation)
	}
	if *slot != nil && !overwrite {
		return nil, fmt.Errorf("%w: trade already rated", ErrInvalidTransition)
	}
	previous = *slot
	*slot = &Rating{Score: score, Comment: comment, Timestamp: now}
	t.UpdatedAt = now
	return previous, nil
}

// TradeFilter selects a user's trades for listing
type TradeFilter struct {
	UserID string
	Status TradeStatus
	Page   int
	Limit  int
}

// Normalize applies paging defaults
func (f *TradeFilter) Normalize() {
	f.Page, f.Limit = normalizePage(f.Page, f.Limit)
}

// Offset is the number of rows to skip for the filter's page
func (f *TradeFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// Matches reports whether t passes the filter
func (f *TradeFilter) Matches(t *Trade) bool {
	if f.UserID != "" && !t.IsParticipant(f.UserID) {
		return false
	}
	return f.Status == "" || t.Status == f.Status
}
