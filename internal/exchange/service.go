package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pdesk/internal/logger"
	"github.com/xtrntr/p2pdesk/internal/metrics"
	"github.com/xtrntr/p2pdesk/internal/models"
)

// OrderStore persists advertisements
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, int64, error)
	// UpdateOrder writes the editable fields only while the stored status is still prev
	UpdateOrder(ctx context.Context, o *models.Order, prev models.OrderStatus) error
	IncrementOrderViews(ctx context.Context, id string) error
	IncrementOrderCompletedTrades(ctx context.Context, id string) error
	ReserveOrderAmount(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*models.Order, error)
	ReleaseOrderAmount(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*models.Order, error)
}

// TradeStore persists trades
type TradeStore interface {
	CreateTrade(ctx context.Context, t *models.Trade) error
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	ListTrades(ctx context.Context, f models.TradeFilter) ([]models.Trade, int64, error)
	SaveTrade(ctx context.Context, t *models.Trade) error
	// SaveTradeAndRelease saves t and returns its amount to its order in one unit of work
	SaveTradeAndRelease(ctx context.Context, t *models.Trade, now time.Time) (*models.Order, error)
	AppendChatMessage(ctx context.Context, tradeID string, msg models.ChatMessage) error
	ListExpiredTrades(ctx context.Context, now time.Time, limit int) ([]models.Trade, error)
}

// UserStore persists users and their saved payment methods
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateKYCStatus(ctx context.Context, id string, status models.KYCStatus) (*models.User, error)
	IncrementUserStats(ctx context.Context, delta models.StatsDelta, ids ...string) error
	ApplyUserRating(ctx context.Context, id string, score int) error
	ReplaceUserRating(ctx context.Context, id string, old, score int) error
	CreatePaymentMethod(ctx context.Context, pm *models.PaymentMethod) error
	ListPaymentMethods(ctx context.Context, userID string) ([]models.PaymentMethod, error)
	DeletePaymentMethod(ctx context.Context, id, userID string) error
}

// Store is implemented by every persistence backend
type Store interface {
	OrderStore
	TradeStore
	UserStore
}

// Notifier delivers realtime events to a room. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, room, event string, payload any)
}

// Limiter throttles trade creation per user
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Actor is the authenticated caller of an operation
type Actor struct {
	ID   string
	Role models.Role
}

// IsAdmin reports whether the actor may act on trades they are not part of
func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin
}

// RatingPolicy decides what happens when the same side rates a trade twice
type RatingPolicy string

const (
	RatingReject    RatingPolicy = "reject"
	RatingOverwrite RatingPolicy = "overwrite"
)

// Service runs the order book and the trade lifecycle
type Service struct {
	store        Store
	notifier     Notifier
	log          *logger.Logger
	metrics      *metrics.Metrics
	limiter      Limiter
	ratingPolicy RatingPolicy
	now          func() time.Time
	newID        func() string
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLimiter throttles trade creation
func WithLimiter(l Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithMetrics records transition counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRatingPolicy sets the duplicate rating behaviour
func WithRatingPolicy(p RatingPolicy) Option {
	return func(s *Service) { s.ratingPolicy = p }
}

// NewService builds a Service. A nil notifier drops every event.
func NewService(store Store, notifier Notifier, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		notifier:     notifier,
		log:          log,
		ratingPolicy: RatingReject,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	return s
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, string, string, any) {}

// GetUser returns a user's profile
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, translate(err, ErrUserNotFound, "get user")
	}
	return u, nil
}

// SetKYCStatus records the outcome of a manual identity review
func (s *Service) SetKYCStatus(ctx context.Context, actor Actor, userID string, status models.KYCStatus) (*models.User, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown kyc status %q", ErrValidation, status)
	}
	u, err := s.store.UpdateKYCStatus(ctx, userID, status)
	if err != nil {
		return nil, translate(err, ErrUserNotFound, "update kyc status")
	}
	s.log.InfoContext(ctx, "kyc status updated",
		logger.F("user_id", userID), logger.F("status", status), logger.F("admin_id", actor.ID))
	return u, nil
}

// ListPaymentMethods returns the caller's saved payment methods
func (s *Service) ListPaymentMethods(ctx context.Context, actor Actor) ([]models.PaymentMethod, error) {
	methods, err := s.store.ListPaymentMethods(ctx, actor.ID)
	if err != nil {
		return nil, translate(err, ErrPaymentMethodNotFound, "list payment methods")
	}
	return methods, nil
}

// AddPaymentMethod validates and saves a payment method for the caller
func (s *Service) AddPaymentMethod(ctx context.Context, actor Actor, pm models.PaymentMethod) (*models.PaymentMethod, error) {
	pm.ID = s.newID()
	pm.UserID = actor.ID
	pm.IsVerified = false
	pm.CreatedAt = s.now()
	if err := pm.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreatePaymentMethod(ctx, &pm); err != nil {
		return nil, translate(err, ErrPaymentMethodNotFound, "create payment method")
	}
	return &pm, nil
}

// RemovePaymentMethod deletes one of the caller's payment methods
func (s *Service) RemovePaymentMethod(ctx context.Context, actor Actor, id string) error {
	return translate(s.store.DeletePaymentMethod(ctx, id, actor.ID), ErrPaymentMethodNotFound, "delete payment method")
}
