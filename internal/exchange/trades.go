package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pdesk/internal/logger"
	"github.com/xtrntr/p2pdesk/internal/models"
	"github.com/xtrntr/p2pdesk/internal/realtime"
)

// CreateTradeInput is what a counterparty submits to open a trade
type CreateTradeInput struct {
	OrderID       string                   `json:"orderId"`
	Amount        decimal.Decimal          `json:"amount"`
	PaymentMethod models.PaymentMethodType `json:"paymentMethod"`
}

// Validate checks the input before any store access
func (in CreateTradeInput) Validate() error {
	if in.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", ErrValidation)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !in.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrValidation, in.PaymentMethod)
	}
	return nil
}

// Notification is the payload of a personal notification event
type Notification struct {
	Type    string        `json:"type"`
	TradeID string        `json:"tradeId"`
	Message string        `json:"message"`
	Trade   *models.Trade `json:"trade,omitempty"`
}

// ChatEvent is the payload of a chat:message event
type ChatEvent struct {
	TradeID string             `json:"tradeId"`
	Message models.ChatMessage `json:"message"`
}

// Notification types
const (
	NotifyNewTrade         = "new_trade"
	NotifyPaymentConfirmed = "payment_confirmed"
	NotifyTradeCompleted   = "trade_completed"
	NotifyTradeCancelled   = "trade_cancelled"
	NotifyTradeDisputed    = "trade_disputed"
	NotifyDisputeResolved  = "dispute_resolved"
	NotifyTradeExpired     = "trade_expired"
	NotifyNewMessage       = "new_message"
)

// CreateTrade opens a trade against an order, reserving the amount atomically
func (s *Service) CreateTrade(ctx context.Context, actor Actor, in CreateTradeInput) (*models.Trade, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, actor.ID)
		if err != nil {
			s.log.WarnContext(ctx, "rate limiter unavailable", logger.F("user_id", actor.ID), logger.F("error", err))
		} else if !ok {
			s.metrics.TradeCreateRejected("rate_limited")
			return nil, ErrRateLimited
		}
	}

	order, err := s.store.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, translate(err, ErrOrderNotFound, "get order")
	}
	if order.UserID == actor.ID {
		s.metrics.TradeCreateRejected("self_trade")
		return nil, ErrSelfTrade
	}
	if !order.AcceptsPaymentMethod(in.PaymentMethod) {
		return nil, fmt.Errorf("%w: order does not accept %s", ErrValidation, in.PaymentMethod)
	}
	if !order.CanFulfill(in.Amount) {
		s.metrics.TradeCreateRejected("capacity")
		return nil, ErrCapacityExceeded
	}

	now := s.now()
	reserved, err := s.store.ReserveOrderAmount(ctx, order.ID, in.Amount, now)
	if err != nil {
		err = translate(err, ErrOrderNotFound, "reserve order amount")
		if errors.Is(err, ErrCapacityExceeded) {
			s.metrics.TradeCreateRejected("capacity")
		}
		return nil, err
	}

	t := models.NewTrade(reserved, actor.ID, in.Amount, in.PaymentMethod, now)
	t.ID = s.newID()
	if err := s.store.CreateTrade(ctx, t); err != nil {
		if _, rerr := s.store.ReleaseOrderAmount(ctx, order.ID, in.Amount, now); rerr != nil {
			s.log.ErrorContext(ctx, rerr, logger.F("order_id", order.ID), logger.F("amount", in.Amount))
		}
		return nil, translate(err, ErrTradeNotFound, "create trade")
	}
	if err := s.store.IncrementUserStats(ctx, models.StatsDelta{TotalTrades: 1}, t.BuyerID, t.SellerID); err != nil {
		s.log.WarnContext(ctx, "failed to update user stats", logger.F("trade_id", t.ID), logger.F("error", err))
	}
	if reserved.AutoReply != "" {
		s.postSystemMessage(ctx, t, reserved.UserID, reserved.AutoReply)
	}
	s.metrics.TradeTransition(string(t.Status))

	s.log.InfoContext(ctx, "trade created",
		logger.F("trade_id", t.ID), logger.F("order_id", order.ID),
		logger.F("buyer_id", t.BuyerID), logger.F("seller_id", t.SellerID), logger.F("amount", t.Amount))
	s.notifier.Publish(ctx, realtime.TradeRoom(t.ID), realtime.EventTradeUpdate, t)
	s.notify(ctx, reserved.UserID, NotifyNewTrade, t, "New trade request on your order")
	s.notifier.Publish(ctx, realtime.MarketRoom(reserved.Cryptocurrency, reserved.FiatCurrency), realtime.EventOrderUpdate, reserved)
	return t, nil
}

// postSystemMessage appends an automated chat line; failures are logged only
func (s *Service) postSystemMessage(ctx context.Context, t *models.Trade, sender, text string) {
	msg, err := t.NewMessage(sender, text, true, s.now())
	if err == nil {
		err = s.store.AppendChatMessage(ctx, t.ID, msg)
	}
	if err != nil {
		s.log.WarnContext(ctx, "failed to post system message", logger.F("trade_id", t.ID), logger.F("error", err))
		return
	}
	t.Chat = append(t.Chat, msg)
}

// GetTrade returns a trade to one of its parties or an admin
func (s *Service) GetTrade(ctx context.Context, actor Actor, id string) (*models.Trade, error) {
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return nil, translate(err, ErrTradeNotFound, "get trade")
	}
	if !t.IsParticipant(actor.ID) && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if t.IsExpired(s.now()) {
		err := s.expire(ctx, t)
		if errors.Is(err, ErrConflict) {
			return s.reload(ctx, id)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *Service) reload(ctx context.Context, id string) (*models.Trade, error) {
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return nil, translate(err, ErrTradeNotFound, "get trade")
	}
	return t, nil
}

// ListTrades returns the caller's trades, newest first
func (s *Service) ListTrades(ctx context.Context, actor Actor, f models.TradeFilter) (models.Page[models.Trade], error) {
	f.UserID = actor.ID
	f.Normalize()
	items, total, err := s.store.ListTrades(ctx, f)
	if err != nil {
		return models.Page[models.Trade]{}, translate(err, ErrTradeNotFound, "list trades")
	}
	return models.NewPage(items, total, f.Page, f.Limit), nil
}

// loadForUpdate fetches a trade for a mutation. An overdue trade is expired on the
// spot and ErrTradeExpired returned.
func (s *Service) loadForUpdate(ctx context.Context, actor Actor, id string, allowAdmin bool) (*models.Trade, error) {
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return nil, translate(err, ErrTradeNotFound, "get trade")
	}
	if !t.IsParticipant(actor.ID) && !(allowAdmin && actor.IsAdmin()) {
		return nil, ErrForbidden
	}
	if t.IsExpired(s.now()) {
		if err := s.expire(ctx, t); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, ErrTradeExpired
	}
	return t, nil
}

// save persists a transition and records it
func (s *Service) save(ctx context.Context, t *models.Trade, op string) error {
	if err := s.store.SaveTrade(ctx, t); err != nil {
		return translate(err, ErrTradeNotFound, op)
	}
	s.metrics.TradeTransition(string(t.Status))
	return nil
}

// ConfirmPayment is called by the buyer once the fiat payment was sent
func (s *Service) ConfirmPayment(ctx context.Context, actor Actor, id string, proof []string) (*models.Trade, error) {
	t, err := s.loadForUpdate(ctx, actor, id, false)
	if err != nil {
		return nil, err
	}
	if actor.ID != t.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer can confirm payment", ErrForbidden)
	}
	if err := t.ConfirmPayment(actor.ID, proof, s.now()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, t, "confirm payment"); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "payment confirmed", logger.F("trade_id", t.ID), logger.F("buyer_id", actor.ID))
	s.notifier.Publish(ctx, realtime.TradeRoom(t.ID), realtime.EventTradeUpdate, t)
	s.notify(ctx, t.SellerID, NotifyPaymentConfirmed, t, "Buyer has confirmed payment")
	return t, nil
}

// Release is called by the seller to hand over the crypto and complete the trade
func (s *Service) Release(ctx context.Context, actor Actor, id string) (*models.Trade, error) {
	t, err := s.loadForUpdate(ctx, actor, id, false)
	if err != nil {
		return nil, err
	}
	if actor.ID != t.SellerID {
		return nil, fmt.Errorf("%w: only the seller can release", ErrForbidden)
	}
	if t.Status != models.TradeStatusPaymentConfirmed {
		return nil, fmt.Errorf("%w: payment has not been confirmed", ErrInvalidState)
	}
	if err := t.Complete(actor.ID, "crypto released", s.now()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, t, "release trade"); err != nil {
		return nil, err
	}
	s.recordCompletion(ctx, t)

	s.log.InfoContext(ctx, "trade completed", logger.F("trade_id", t.ID), logger.F("seller_id", actor.ID))
	s.notifier.Publish(ctx, realtime.TradeRoom(t.ID), realtime.EventTradeUpdate, t)
	s.notify(ctx, t.BuyerID, NotifyTradeCompleted, t, "Seller has released the crypto")
	return t, nil
}

func (s *Service) recordCompletion(ctx context.Context, t *models.Trade) {
	if err := s.store.IncrementUserStats(ctx, models.StatsDelta{CompletedTrades: 1}, t.BuyerID, t.SellerID); err != nil {
		s.log.WarnContext(ctx, "failed to update user stats", logger.F("trade_id", t.ID), logger.F("error", err))
	}
	if err := s.store.IncrementOrderCompletedTrades(ctx, t.OrderID); err != nil {
		s.log.WarnContext(ctx, "failed to count completed trade", logger.F("order_id", t.OrderID), logger.F("error", err))
	}
}

// Cancel abandons a trade and returns its amount to the order
func (s *Service) Cancel(ctx context.Context, actor Actor, id, reason string) (*models.Trade, error) {
	t, err := s.loadForUpdate(ctx, actor, id, true)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TradeStatusDisputed {
		return nil, fmt.Errorf("%w: disputed trades are settled by an admin", ErrInvalidState)
	}
	if err := t.Cancel(actor.ID, reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.saveReleasing(ctx, t, "cancel trade"); err != nil {
		return nil, err
	}
	if err := s.store.IncrementUserStats(ctx, models.StatsDelta{CancelledTrades: 1}, t.BuyerID, t.SellerID); err != nil {
		s.log.WarnContext(ctx, "failed to update user stats", logger.F("trade_id", t.ID), logger.F("error", err))
	}

	s.log.InfoContext(ctx, "trade cancelled", logger.F("trade_id", t.ID), logger.F("actor_id", actor.ID))
	s.notifier.Publish(ctx, realtime.TradeRoom(t.ID), realtime.EventTradeUpdate, t)
	for _, uid := range []string{t.BuyerID, t.SellerID} {
		if uid != actor.ID {
			s.notify(ctx, uid, NotifyTradeCancelled, t, "Trade has been cancelled")
		}
	}
	return t, nil
}

// saveReleasing persists a closing transition together with the return of the trade
// amount to its order. Either both happen or neither does.
func (s *Service) saveReleasing(ctx context.Context, t *models.Trade, op string) error {
	o, err := s.store.SaveTradeAndRelease(ctx, t, s.now())
	if err != nil {
		return translate(err, ErrTradeNotFound, op)
	}
	s.metrics.TradeTransition(string(t.Status))
	s.notifier.Publish(ctx, realtime.MarketRoom(o.Cryptocurrency, o.FiatCurrency), realtime.EventOrderUpdate, o)
	return nil
}

// Dispute flags a trade for admin review
func (s *Service) Dispute(ctx context.Context, actor Actor, id, reason string, evidence []string) (*models.Trade, error) {
	t, err := s.loadForUpdate(ctx, actor, id, false)
	if err != nil {
		return nil, err
	}
	if err := t.InitiateDispute(actor.ID, reason, evidence, s.now()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, t, "dispute trade"); err != nil {
		return nil, err
	}

	s.log.WarnContext(ctx, "trade disputed", logger.F("trade_id", t.ID), logger.F("initiator_id", actor.ID))
	s.notifier.Publish(ctx, realtime.TradeRoom(t.ID), realtime.EventTradeUpdate, t)
	s.notify(ctx, t.Counterparty(actor.ID), NotifyTradeDisputed, t, "A dispute has been opened")
	return t, nil
}

// ResolveDispute settles a disputed trade; only admins may call it
func (s *Service) ResolveDispute(ctx context.Context, actor Actor, id string, outcome models.DisputeOutcome, resolution string) (*models.Trade, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return nil, translate(err, ErrTradeNotFound, "get trade")
	}
	if err := t.ResolveDispute(actor.ID, outcome, resolution, s.now()); err != nil {
		return nil, err
	}
	switch outcome {
	case models.DisputeRelease:
		if err := s.save(ctx, t, "resolve dispute"); err != nil {
			return nil, err
		}
		s.recordCompletion(ctx, t)
	case models.DisputeRefund:
		if err := s.saveReleasing(ctx, t, "resolve dispute"); err != nil {
			return nil, err
		}
		if err := s.store.IncrementUserStats(ctx, models.StatsDelta{CancelledTrades: 1}, t.BuyerID, t.SellerID); err != nil {
			s.log.WarnContext(ctx, "failed to update user stats", logger.F("trade_id", t.ID), logger.F("error", err))
		}
	}

	s.log.InfoContext(ctx, "dispute resolved",
		logger.F("trade_id", t.ID), logger.F("admin_id", actor.ID), logger.F("outcome", outcome))
	s.notifier.Publish(ctx, realtime.TradeRoom(t.ID), realtime.EventTradeUpdate, t)
	for _, uid := range []string{t.BuyerID, t.SellerID} {
		s.notify(ctx, uid, NotifyDisputeResolved, t, "Dispute resolved: "+string(outcome))
	}
	return t, nil
}

// SendMessage appends a chat line written by one of the parties
func (s *Service) SendMessage(ctx context.Context, actor Actor, id, text string) (*models.ChatMessage, error) {
	t, err := s.loadForUpdate(ctx, actor, id, false)
	if err != nil {
		return nil, err
	}
	msg, err := t.NewMessage(actor.ID, text, false, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendChatMessage(ctx, t.ID, msg); err != nil {
		err = translate(err, ErrTradeNotFound, "append chat message")
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: chat is closed", ErrInvalidState)
		}
		return nil, err
	}

	s.notifier.Publish(ctx, realtime.TradeRoom(t.ID), realtime.EventChatMessage, ChatEvent{TradeID: t.ID, Message: msg})
	if other := t.Counterparty(actor.ID); other != "" {
		s.notifier.Publish(ctx, realtime.UserRoom(other), realtime.EventNotification,
			Notification{Type: NotifyNewMessage, TradeID: t.ID, Message: msg.Message})
	}
	return &msg, nil
}

// Rate records the caller's review of the other party on a completed trade
func (s *Service) Rate(ctx context.Context, actor Actor, id string, score int, comment string) (*models.Trade, error) {
	t, err := s.loadForUpdate(ctx, actor, id, false)
	if err != nil {
		return nil, err
	}
	previous, err := t.AddRating(actor.ID, score, comment, s.ratingPolicy == RatingOverwrite, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveTrade(ctx, t); err != nil {
		return nil, translate(err, ErrTradeNotFound, "rate trade")
	}
	rated := t.Counterparty(actor.ID)
	if previous == nil {
		err = s.store.ApplyUserRating(ctx, rated, score)
	} else {
		err = s.store.ReplaceUserRating(ctx, rated, previous.Score, score)
	}
	if err != nil {
		s.log.WarnContext(ctx, "failed to update user rating", logger.F("user_id", rated), logger.F("error", err))
	}

	s.log.InfoContext(ctx, "trade rated",
		logger.F("trade_id", t.ID), logger.F("author_id", actor.ID), logger.F("score", score),
		logger.F("replaced", previous != nil))
	s.notifier.Publish(ctx, realtime.TradeRoom(t.ID), realtime.EventTradeUpdate, t)
	return t, nil
}

// ExpireOverdue expires up to limit payment_pending trades past their deadline
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	trades, err := s.store.ListExpiredTrades(ctx, s.now(), limit)
	if err != nil {
		return 0, translate(err, ErrTradeNotFound, "list expired trades")
	}
	expired := 0
	for i := range trades {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if err := s.expire(ctx, &trades[i]); err != nil {
			if !errors.Is(err, ErrConflict) {
				s.log.WarnContext(ctx, "failed to expire trade", logger.F("trade_id", trades[i].ID), logger.F("error", err))
			}
			continue
		}
		expired++
	}
	return expired, nil
}

// expire moves an overdue trade to expired and releases its reservation.
// ErrConflict means another writer got there first and nothing was released.
func (s *Service) expire(ctx context.Context, t *models.Trade) error {
	if err := t.Expire(s.now()); err != nil {
		return err
	}
	if err := s.saveReleasing(ctx, t, "expire trade"); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "trade expired", logger.F("trade_id", t.ID), logger.F("order_id", t.OrderID))
	s.notifier.Publish(ctx, realtime.TradeRoom(t.ID), realtime.EventTradeUpdate, t)
	for _, uid := range []string{t.BuyerID, t.SellerID} {
		s.notify(ctx, uid, NotifyTradeExpired, t, "Trade expired: payment time limit exceeded")
	}
	return nil
}

// notify sends a personal notification carrying the trade snapshot
func (s *Service) notify(ctx context.Context, userID, kind string, t *models.Trade, message string) {
	if userID == "" {
		return
	}
	n := Notification{Type: kind, TradeID: t.ID, Message: message, Trade: t}
	s.notifier.Publish(ctx, realtime.UserRoom(userID), realtime.EventNotification, n)
}

// AuthorizeTradeRoom reports whether userID may join the room of a trade
func (s *Service) AuthorizeTradeRoom(ctx context.Context, userID, tradeID string) error {
	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return translate(err, ErrTradeNotFound, "get trade")
	}
	if t.IsParticipant(userID) {
		return nil
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return translate(err, ErrUserNotFound, "get user")
	}
	if !u.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

// SendChatMessage is the websocket entry point for chat:send. It applies the same
// identity verification gate as the HTTP trade routes.
func (s *Service) SendChatMessage(ctx context.Context, userID, tradeID, text string) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return translate(err, ErrUserNotFound, "get user")
	}
	if u.KYCStatus != models.KYCApproved && !u.IsAdmin() {
		return ErrKYCRequired
	}
	_, err = s.SendMessage(ctx, Actor{ID: u.ID, Role: u.Role}, tradeID, text)
	return err
}
