// Package memory is an in-process store used for tests and single-node demos.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pdesk/internal/db"
	"github.com/xtrntr/p2pdesk/internal/models"
)

// Store keeps every record in maps guarded by one mutex.
// Records are copied on the way in and out so callers never share state with the store.
type Store struct {
	mu             sync.RWMutex
	users          map[string]models.User
	orders         map[string]models.Order
	trades         map[string]models.Trade
	paymentMethods map[string]models.PaymentMethod
}

// New returns an empty store
func New() *Store {
	return &Store{
		users:          make(map[string]models.User),
		orders:         make(map[string]models.Order),
		trades:         make(map[string]models.Trade),
		paymentMethods: make(map[string]models.PaymentMethod),
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func copyOrder(o models.Order) models.Order {
	o.PaymentMethods = slices.Clone(o.PaymentMethods)
	return o
}

func copyTrade(t models.Trade) models.Trade {
	t.Timeline = slices.Clone(t.Timeline)
	t.Chat = slices.Clone(t.Chat)
	t.PaymentDetails.Proof = slices.Clone(t.PaymentDetails.Proof)
	t.Dispute.Evidence = slices.Clone(t.Dispute.Evidence)
	if t.Rating.BuyerRating != nil {
		r := *t.Rating.BuyerRating
		t.Rating.BuyerRating = &r
	}
	if t.Rating.SellerRating != nil {
		r := *t.Rating.SellerRating
		t.Rating.SellerRating = &r
	}
	return t
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	return items[offset:min(offset+limit, len(items))]
}

// CreateUser stores a new user; email and username are unique
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return db.ErrDuplicate
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) || strings.EqualFold(existing.Username, u.Username) {
			return db.ErrDuplicate
		}
	}
	s.users[u.ID] = *u
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *Store) UpdateKYCStatus(ctx context.Context, id string, status models.KYCStatus) (*models.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	u.KYCStatus = status
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return &u, nil
}

func (s *Store) IncrementUserStats(ctx context.Context, delta models.StatsDelta, ids ...string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		u, ok := s.users[id]
		if !ok {
			continue
		}
		u.Stats.Apply(delta)
		s.users[id] = u
	}
	return nil
}

func (s *Store) ApplyUserRating(ctx context.Context, id string, score int) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return db.ErrNotFound
	}
	u.Stats.AddReview(score)
	s.users[id] = u
	return nil
}

func (s *Store) ReplaceUserRating(ctx context.Context, id string, old, score int) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return db.ErrNotFound
	}
	u.Stats.ReplaceReview(old, score)
	s.users[id] = u
	return nil
}

func (s *Store) CreatePaymentMethod(ctx context.Context, pm *models.PaymentMethod) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentMethods[pm.ID] = *pm
	return nil
}

func (s *Store) ListPaymentMethods(ctx context.Context, userID string) ([]models.PaymentMethod, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.PaymentMethod{}
	for _, pm := range s.paymentMethods {
		if pm.UserID == userID {
			out = append(out, pm)
		}
	}
	slices.SortFunc(out, func(a, b models.PaymentMethod) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *Store) DeletePaymentMethod(ctx context.Context, id, userID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.paymentMethods[id]
	if !ok || pm.UserID != userID {
		return db.ErrNotFound
	}
	delete(s.paymentMethods, id)
	return nil
}

// CreateOrder stores a new order
func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return db.ErrDuplicate
	}
	s.orders[o.ID] = copyOrder(*o)
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	o = copyOrder(o)
	return &o, nil
}

func (s *Store) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, int64, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, 0, err
	}
	f.Normalize()
	s.mu.RLock()
	matched := []models.Order{}
	for _, o := range s.orders {
		if f.Matches(&o) {
			matched = append(matched, copyOrder(o))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b models.Order) int {
		switch f.Sort {
		case models.SortOldest:
			return a.CreatedAt.Compare(b.CreatedAt)
		case models.SortPriceAsc:
			if c := a.Price.Cmp(b.Price); c != 0 {
				return c
			}
		case models.SortPriceDesc:
			if c := b.Price.Cmp(a.Price); c != 0 {
				return c
			}
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return page(matched, f.Offset(), f.Limit), int64(len(matched)), nil
}

// UpdateOrder writes the editable fields unless a reservation or release moved the status away from prev
func (s *Store) UpdateOrder(ctx context.Context, o *models.Order, prev models.OrderStatus) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[o.ID]
	if !ok {
		return db.ErrNotFound
	}
	if cur.Status != prev {
		return db.ErrConflict
	}
	cur.Price = o.Price
	cur.Terms = o.Terms
	cur.AutoReply = o.AutoReply
	cur.Status = o.Status
	cur.PaymentTimeLimit = o.PaymentTimeLimit
	cur.UpdatedAt = o.UpdatedAt
	s.orders[o.ID] = cur
	return nil
}

func (s *Store) IncrementOrderViews(ctx context.Context, id string) error {
	return s.mutateOrder(ctx, id, func(o *models.Order) { o.Views++ })
}

func (s *Store) IncrementOrderCompletedTrades(ctx context.Context, id string) error {
	return s.mutateOrder(ctx, id, func(o *models.Order) { o.CompletedTrades++ })
}

func (s *Store) mutateOrder(ctx context.Context, id string, fn func(*models.Order)) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return db.ErrNotFound
	}
	fn(&o)
	s.orders[id] = o
	return nil
}

// ReserveOrderAmount checks and decrements under the write lock, so concurrent
// reservations can never take more than the order holds
func (s *Store) ReserveOrderAmount(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*models.Order, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if !o.CanFulfill(amount) {
		return nil, db.ErrNotReserved
	}
	o.UpdateAvailableAmount(amount)
	o.UpdatedAt = now
	s.orders[id] = o
	o = copyOrder(o)
	return &o, nil
}

func (s *Store) ReleaseOrderAmount(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*models.Order, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(id, amount, now)
}

// release must be called with the write lock held
func (s *Store) release(id string, amount decimal.Decimal, now time.Time) (*models.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	o.RestoreAvailableAmount(amount)
	o.UpdatedAt = now
	s.orders[id] = o
	o = copyOrder(o)
	return &o, nil
}

// CreateTrade stores a new trade
func (s *Store) CreateTrade(ctx context.Context, t *models.Trade) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.ID]; ok {
		return db.ErrDuplicate
	}
	s.trades[t.ID] = copyTrade(*t)
	return nil
}

func (s *Store) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	t = copyTrade(t)
	return &t, nil
}

func (s *Store) ListTrades(ctx context.Context, f models.TradeFilter) ([]models.Trade, int64, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, 0, err
	}
	f.Normalize()
	s.mu.RLock()
	matched := []models.Trade{}
	for _, t := range s.trades {
		if f.Matches(&t) {
			matched = append(matched, copyTrade(t))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b models.Trade) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return page(matched, f.Offset(), f.Limit), int64(len(matched)), nil
}

// SaveTrade replaces the stored trade when the versions match. Chat is kept from the stored copy.
func (s *Store) SaveTrade(ctx context.Context, t *models.Trade) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveTrade(t)
}

// SaveTradeAndRelease checks both records before writing either, all under one lock
func (s *Store) SaveTradeAndRelease(ctx context.Context, t *models.Trade, now time.Time) (*models.Order, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[t.OrderID]; !ok {
		return nil, db.ErrNotFound
	}
	if err := s.saveTrade(t); err != nil {
		return nil, err
	}
	return s.release(t.OrderID, t.Amount, now)
}

func (s *Store) saveTrade(t *models.Trade) error {
	cur, ok := s.trades[t.ID]
	if !ok {
		return db.ErrNotFound
	}
	if cur.Version != t.Version {
		return db.ErrConflict
	}
	next := copyTrade(*t)
	next.Chat = cur.Chat
	next.Version++
	s.trades[t.ID] = next
	t.Version = next.Version
	return nil
}

func (s *Store) AppendChatMessage(ctx context.Context, tradeID string, msg models.ChatMessage) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return db.ErrNotFound
	}
	if t.Status == models.TradeStatusCancelled || t.Status == models.TradeStatusExpired {
		return db.ErrConflict
	}
	t.Chat = append(slices.Clone(t.Chat), msg)
	t.UpdatedAt = msg.Timestamp
	s.trades[tradeID] = t
	return nil
}

func (s *Store) ListExpiredTrades(ctx context.Context, now time.Time, limit int) ([]models.Trade, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := []models.Trade{}
	for _, t := range s.trades {
		if t.IsExpired(now) {
			out = append(out, copyTrade(t))
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Trade) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
