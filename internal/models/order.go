package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the side of an advertisement
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// OrderStatus is the lifecycle state of an advertisement
type OrderStatus string

const (
	OrderStatusActive    OrderStatus = "active"
	OrderStatusInactive  OrderStatus = "inactive"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderSource tells where an advertisement was published
type OrderSource string

const (
	OrderSourcePlatform OrderSource = "platform"
	OrderSourceBybit    OrderSource = "bybit"
)

const (
	DefaultPaymentTimeLimit = 30
	MinPaymentTimeLimit     = 15
	MaxPaymentTimeLimit     = 120

	maxTermsLength     = 1000
	maxAutoReplyLength = 500
)

// Cryptocurrencies lists the assets an order may advertise
var Cryptocurrencies = []string{"BTC", "ETH", "USDT", "USDC", "BNB", "SOL", "XRP", "ADA", "DOGE", "TRX"}

// Order is a standing advertisement to buy or sell crypto at a fixed price.
// Amounts are in crypto units; Price, MinLimit and MaxLimit are in fiat.
type Order struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user"`
	Type             OrderType           `json:"type"`
	Cryptocurrency   string              `json:"cryptocurrency"`
	FiatCurrency     string              `json:"fiatCurrency"`
	Price            decimal.Decimal     `json:"price"`
	Amount           decimal.Decimal     `json:"amount"`
	AvailableAmount  decimal.Decimal     `json:"availableAmount"`
	MinLimit         decimal.Decimal     `json:"minLimit"`
	MaxLimit         decimal.Decimal     `json:"maxLimit"`
	PaymentMethods   []PaymentMethodType `json:"paymentMethods"`
	PaymentTimeLimit int                 `json:"paymentTimeLimit"`
	Terms            string              `json:"terms,omitempty"`
	AutoReply        string              `json:"autoReply,omitempty"`
	Status           OrderStatus         `json:"status"`
	Source           OrderSource         `json:"source"`
	Region           string              `json:"region"`
	CompletedTrades  int                 `json:"completedTrades"`
	Views            int                 `json:"views"`
	IsVerifiedOnly   bool                `json:"isVerifiedOnly"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// TotalValue is the fiat value of the whole advertised amount
func (o *Order) TotalValue() decimal.Decimal {
	return o.Amount.Mul(o.Price)
}

// Normalize upper-cases currency codes and fills defaults
func (o *Order) Normalize() {
	o.Cryptocurrency = strings.ToUpper(strings.TrimSpace(o.Cryptocurrency))
	o.FiatCurrency = strings.ToUpper(strings.TrimSpace(o.FiatCurrency))
	if o.FiatCurrency == "" {
		o.FiatCurrency = "USD"
	}
	if o.PaymentTimeLimit == 0 {
		o.PaymentTimeLimit = DefaultPaymentTimeLimit
	}
	if o.Status == "" {
		o.Status = OrderStatusActive
	}
	if o.Source == "" {
		o.Source = OrderSourcePlatform
	}
	if o.Region == "" {
		o.Region = "Global"
	}
}

// Validate checks the order against its schema and the limit invariant
// minLimit <= maxLimit <= amount * price.
func (o *Order) Validate() error {
	if o.Type != OrderTypeBuy && o.Type != OrderTypeSell {
		return fmt.Errorf("%w: type must be 'buy' or 'sell'", ErrValidation)
	}
	if !slices.Contains(Cryptocurrencies, o.Cryptocurrency) {
		return fmt.Errorf("%w: unsupported cryptocurrency %q", ErrValidation, o.Cryptocurrency)
	}
	if len(o.FiatCurrency) != 3 {
		return fmt.Errorf("%w: fiat currency must be a 3 letter code", ErrValidation)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if o.MinLimit.IsNegative() || o.MaxLimit.IsNegative() {
		return fmt.Errorf("%w: limits cannot be negative", ErrValidation)
	}
	if o.MinLimit.GreaterThan(o.MaxLimit) {
		return fmt.Errorf("%w: min limit cannot be greater than max limit", ErrValidation)
	}
	if o.MaxLimit.GreaterThan(o.TotalValue()) {
		return fmt.Errorf("%w: max limit cannot exceed total order value", ErrValidation)
	}
	if o.AvailableAmount.IsNegative() || o.AvailableAmount.GreaterThan(o.Amount) {
		return fmt.Errorf("%w: available amount out of range", ErrValidation)
	}
	if len(o.PaymentMethods) == 0 {
		return fmt.Errorf("%w: at least one payment method is required", ErrValidation)
	}
	for _, m := range o.PaymentMethods {
		if !m.Valid() {
			return fmt.Errorf("%w: unsupported payment method %q", ErrValidation, m)
		}
	}
	if o.PaymentTimeLimit < MinPaymentTimeLimit || o.PaymentTimeLimit > MaxPaymentTimeLimit {
		return fmt.Errorf("%w: payment time limit must be between %d and %d minutes",
			ErrValidation, MinPaymentTimeLimit, MaxPaymentTimeLimit)
	}
	if len(o.Terms) > maxTermsLength {
		return fmt.Errorf("%w: terms too long (max %d characters)", ErrValidation, maxTermsLength)
	}
	if len(o.AutoReply) > maxAutoReplyLength {
		return fmt.Errorf("%w: auto reply too long (max %d characters)", ErrValidation, maxAutoReplyLength)
	}
	return nil
}

// CanFulfill reports whether a trade of requested units fits this order:
// the order is active, enough units remain and the fiat value lies within
// [MinLimit, MaxLimit], boundaries included.
func (o *Order) CanFulfill(requested decimal.Decimal) bool {
	value := requested.Mul(o.Price)
	return o.Status == OrderStatusActive &&
		requested.IsPositive() &&
		o.AvailableAmount.GreaterThanOrEqual(requested) &&
		value.GreaterThanOrEqual(o.MinLimit) &&
		value.LessThanOrEqual(o.MaxLimit)
}

// UpdateAvailableAmount reserves used units. The order completes once nothing is left.
func (o *Order) UpdateAvailableAmount(used decimal.Decimal) {
	o.AvailableAmount = o.AvailableAmount.Sub(used)
	if !o.AvailableAmount.IsPositive() {
		o.AvailableAmount = decimal.Zero
		o.Status = OrderStatusCompleted
	}
}

// RestoreAvailableAmount returns released units, never above Amount.
// An order completed by exhaustion becomes active again.
func (o *Order) RestoreAvailableAmount(released decimal.Decimal) {
	o.AvailableAmount = decimal.Min(o.Amount, o.AvailableAmount.Add(released))
	if o.Status == OrderStatusCompleted && o.AvailableAmount.IsPositive() {
		o.Status = OrderStatusActive
	}
}

// AcceptsPaymentMethod reports whether m is one of the order's methods
func (o *Order) AcceptsPaymentMethod(m PaymentMethodType) bool {
	return slices.Contains(o.PaymentMethods, m)
}

// Parties resolves buyer and seller for a counterparty taking this order.
// On a sell order the counterparty buys; on a buy order they sell.
func (o *Order) Parties(counterpartyID string) (buyerID, sellerID string) {
	if o.Type == OrderTypeSell {
		return counterpartyID, o.UserID
	}
	return o.UserID, counterpartyID
}

// OrderSort is a listing sort key
type OrderSort string

const (
	SortNewest    OrderSort = "-createdAt"
	SortOldest    OrderSort = "createdAt"
	SortPriceAsc  OrderSort = "price"
	SortPriceDesc OrderSort = "-price"
)

// OrderFilter selects orders for listing
type OrderFilter struct {
	UserID         string
	Type           OrderType
	Cryptocurrency string
	FiatCurrency   string
	PaymentMethod  PaymentMethodType
	Status         OrderStatus
	MinAmount      *decimal.Decimal
	MaxAmount      *decimal.Decimal
	Sort           OrderSort
	Page           int
	Limit          int
}

// Normalize applies paging defaults and a known sort key
func (f *OrderFilter) Normalize() {
	f.Page, f.Limit = normalizePage(f.Page, f.Limit)
	f.Cryptocurrency = strings.ToUpper(f.Cryptocurrency)
	f.FiatCurrency = strings.ToUpper(f.FiatCurrency)
	switch f.Sort {
	case SortNewest, SortOldest, SortPriceAsc, SortPriceDesc:
	default:
		f.Sort = SortNewest
	}
}

// Offset is the number of rows to skip for the filter's page
func (f *OrderFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// Matches reports whether o passes the filter. Used by stores that filter in process.
func (f *OrderFilter) Matches(o *Order) bool {
	switch {
	case f.UserID != "" && o.UserID != f.UserID:
		return false
	case f.Type != "" && o.Type != f.Type:
		return false
	case f.Cryptocurrency != "" && o.Cryptocurrency != f.Cryptocurrency:
		return false
	case f.FiatCurrency != "" && o.FiatCurrency != f.FiatCurrency:
		return false
	case f.PaymentMethod != "" && !o.AcceptsPaymentMethod(f.PaymentMethod):
		return false
	case f.Status != "" && o.Status != f.Status:
		return false
	case f.MinAmount != nil && o.AvailableAmount.LessThan(*f.MinAmount):
		return false
	case f.MaxAmount != nil && o.AvailableAmount.GreaterThan(*f.MaxAmount):
		return false
	}
	return true
}
