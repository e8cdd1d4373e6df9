package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/xtrntr/p2pdesk/internal/db"
	"github.com/xtrntr/p2pdesk/internal/models"
)

func TestDecimalConversion(t *testing.T) {
	for _, s := range []string{"0", "0.00012345", "65000.5", "123456789.987654321"} {
		d := decimal.RequireFromString(s)
		assert.True(t, d.Equal(fromDec(toDec(d))), s)
	}
}

func TestOrderFilter(t *testing.T) {
	minAmount := decimal.NewFromInt(1)
	f := models.OrderFilter{
		Type:           models.OrderTypeSell,
		Cryptocurrency: "BTC",
		PaymentMethod:  models.PaymentWise,
		Status:         models.OrderStatusActive,
		MinAmount:      &minAmount,
	}
	filter := orderFilter(f)

	assert.Equal(t, models.OrderTypeSell, filter["type"])
	assert.Equal(t, "BTC", filter["cryptocurrency"])
	assert.Equal(t, models.PaymentWise, filter["paymentMethods"])
	assert.Equal(t, bson.M{"$gte": toDec(minAmount)}, filter["availableAmount"])
	assert.NotContains(t, filter, "user")
}

// The tests below need a running server at P2PDESK_TEST_MONGO_URI
func testStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("P2PDESK_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("P2PDESK_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, uri, "p2pdesk_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	require.NoError(t, s.EnsureIndexes(ctx))
	t.Cleanup(func() {
		_ = s.users.Database().Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestStore_ReserveRelease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	o := &models.Order{
		ID:               uuid.NewString(),
		UserID:           "seller",
		Type:             models.OrderTypeSell,
		Cryptocurrency:   "USDT",
		FiatCurrency:     "USD",
		Price:            decimal.NewFromInt(100),
		Amount:           decimal.NewFromInt(10),
		AvailableAmount:  decimal.NewFromInt(10),
		MinLimit:         decimal.NewFromInt(100),
		MaxLimit:         decimal.NewFromInt(500),
		PaymentMethods:   []models.PaymentMethodType{models.PaymentWise},
		PaymentTimeLimit: 30,
		Status:           models.OrderStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.CreateOrder(ctx, o))

	got, err := s.ReserveOrderAmount(ctx, o.ID, decimal.NewFromInt(3), now)
	require.NoError(t, err)
	assert.True(t, got.AvailableAmount.Equal(decimal.NewFromInt(7)))

	_, err = s.ReserveOrderAmount(ctx, o.ID, decimal.NewFromInt(6), now)
	assert.ErrorIs(t, err, db.ErrNotReserved)

	_, err = s.ReserveOrderAmount(ctx, uuid.NewString(), decimal.NewFromInt(1), now)
	assert.ErrorIs(t, err, db.ErrNotFound)

	got, err = s.ReleaseOrderAmount(ctx, o.ID, decimal.NewFromInt(3), now)
	require.NoError(t, err)
	assert.True(t, got.AvailableAmount.Equal(decimal.NewFromInt(10)))
}

func TestStore_SaveTradeConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	order := &models.Order{ID: uuid.NewString(), UserID: "seller", Type: models.OrderTypeSell,
		Price: decimal.NewFromInt(100), PaymentTimeLimit: 30}
	trade := models.NewTrade(order, "buyer", decimal.NewFromInt(1), models.PaymentWise, now)
	trade.ID = uuid.NewString()
	require.NoError(t, s.CreateTrade(ctx, trade))

	stale, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)

	require.NoError(t, trade.ConfirmPayment("buyer", nil, now))
	require.NoError(t, s.SaveTrade(ctx, trade))

	require.NoError(t, stale.Cancel("seller", "", now))
	assert.ErrorIs(t, s.SaveTrade(ctx, stale), db.ErrConflict)
}

func sellOrder(now time.Time) *models.Order {
	return &models.Order{
		ID:               uuid.NewString(),
		UserID:           "seller",
		Type:             models.OrderTypeSell,
		Cryptocurrency:   "USDT",
		FiatCurrency:     "USD",
		Price:            decimal.NewFromInt(100),
		Amount:           decimal.NewFromInt(10),
		AvailableAmount:  decimal.NewFromInt(10),
		MinLimit:         decimal.NewFromInt(100),
		MaxLimit:         decimal.NewFromInt(1000),
		PaymentMethods:   []models.PaymentMethodType{models.PaymentWise},
		PaymentTimeLimit: 30,
		Status:           models.OrderStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestStore_UpdateOrderStatusGuard(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	o := sellOrder(now)
	require.NoError(t, s.CreateOrder(ctx, o))

	stale, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	_, err = s.ReserveOrderAmount(ctx, o.ID, decimal.NewFromInt(10), now)
	require.NoError(t, err)

	stale.Terms = "edited"
	assert.ErrorIs(t, s.UpdateOrder(ctx, stale, models.OrderStatusActive), db.ErrConflict)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)
	assert.Empty(t, got.Terms)

	ghost := *got
	ghost.ID = uuid.NewString()
	assert.ErrorIs(t, s.UpdateOrder(ctx, &ghost, models.OrderStatusCompleted), db.ErrNotFound)
}

// Multi-document transactions need the test URI to point at a replica set
func TestStore_SaveTradeAndRelease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	o := sellOrder(now)
	require.NoError(t, s.CreateOrder(ctx, o))
	_, err := s.ReserveOrderAmount(ctx, o.ID, decimal.NewFromInt(3), now)
	require.NoError(t, err)

	trade := models.NewTrade(o, "buyer", decimal.NewFromInt(3), models.PaymentWise, now)
	trade.ID = uuid.NewString()
	require.NoError(t, s.CreateTrade(ctx, trade))
	stale, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.NoError(t, trade.ConfirmPayment("buyer", nil, now))
	require.NoError(t, s.SaveTrade(ctx, trade))

	require.NoError(t, stale.Cancel("buyer", "", now))
	_, err = s.SaveTradeAndRelease(ctx, stale, now)
	assert.ErrorIs(t, err, db.ErrConflict)
	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.AvailableAmount.Equal(decimal.NewFromInt(7)))

	require.NoError(t, trade.Cancel("buyer", "", now))
	released, err := s.SaveTradeAndRelease(ctx, trade, now)
	require.NoError(t, err)
	assert.True(t, released.AvailableAmount.Equal(decimal.NewFromInt(10)))

	saved, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCancelled, saved.Status)
}

func TestStore_UserRating(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := &models.User{ID: uuid.NewString(), Email: "a@example.com", Username: "alice", Role: models.RoleUser}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.ErrorIs(t, s.CreateUser(ctx, &models.User{ID: uuid.NewString(), Email: "a@example.com", Username: "x"}), db.ErrDuplicate)

	require.NoError(t, s.ApplyUserRating(ctx, u.ID, 5))
	require.NoError(t, s.ApplyUserRating(ctx, u.ID, 2))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Stats.ReviewCount)
	assert.InDelta(t, 3.5, got.Stats.Rating, 1e-9)

	require.NoError(t, s.ReplaceUserRating(ctx, u.ID, 5, 3))
	got, err = s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Stats.ReviewCount)
	assert.InDelta(t, 2.5, got.Stats.Rating, 1e-9)
	assert.ErrorIs(t, s.ReplaceUserRating(ctx, uuid.NewString(), 5, 3), db.ErrNotFound)
}
