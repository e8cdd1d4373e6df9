package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/p2pdesk/internal/models"
)

// Integration tests run against a real database when P2PDESK_TEST_POSTGRES_DSN is set
var testDB *DB

func TestMain(m *testing.M) {
	dsn := os.Getenv("P2PDESK_TEST_POSTGRES_DSN")
	if dsn == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	testDB, err = NewDB(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migrations: %v\n", err)
		os.Exit(1)
	}
	if _, err := testDB.Pool.Exec(ctx, "TRUNCATE TABLE payment_methods, trades, orders, users"); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to truncate tables: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("P2PDESK_TEST_POSTGRES_DSN not set")
	}
}

func createUser(t *testing.T, name string) *models.User {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	u := &models.User{
		ID:           uuid.NewString(),
		Email:        name + "-" + uuid.NewString()[:8] + "@example.com",
		Username:     name + "-" + uuid.NewString()[:8],
		PasswordHash: "hash",
		Role:         models.RoleUser,
		KYCStatus:    models.KYCApproved,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, testDB.CreateUser(context.Background(), u))
	return u
}

func createOrder(t *testing.T, userID string) *models.Order {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := &models.Order{
		ID:               uuid.NewString(),
		UserID:           userID,
		Type:             models.OrderTypeSell,
		Cryptocurrency:   "USDT",
		FiatCurrency:     "USD",
		Price:            decimal.NewFromInt(100),
		Amount:           decimal.NewFromInt(10),
		AvailableAmount:  decimal.NewFromInt(10),
		MinLimit:         decimal.NewFromInt(100),
		MaxLimit:         decimal.NewFromInt(500),
		PaymentMethods:   []models.PaymentMethodType{models.PaymentBankTransfer, models.PaymentWise},
		PaymentTimeLimit: 30,
		Status:           models.OrderStatusActive,
		Source:           models.OrderSourcePlatform,
		Region:           "Global",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, testDB.CreateOrder(context.Background(), o))
	return o
}

func TestDB_Users(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	u := createUser(t, "alice")

	dup := *u
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, testDB.CreateUser(ctx, &dup), ErrDuplicate)

	require.NoError(t, testDB.IncrementUserStats(ctx, models.StatsDelta{TotalTrades: 1, CompletedTrades: 1}, u.ID))
	require.NoError(t, testDB.ApplyUserRating(ctx, u.ID, 5))
	require.NoError(t, testDB.ApplyUserRating(ctx, u.ID, 3))

	got, err := testDB.GetUserByEmail(ctx, u.Email)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stats.TotalTrades)
	assert.Equal(t, 1, got.Stats.CompletedTrades)
	assert.Equal(t, 2, got.Stats.ReviewCount)
	assert.InDelta(t, 4.0, got.Stats.Rating, 1e-9)

	require.NoError(t, testDB.ReplaceUserRating(ctx, u.ID, 5, 1))
	got, err = testDB.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Stats.ReviewCount)
	assert.InDelta(t, 2.0, got.Stats.Rating, 1e-9)
	assert.ErrorIs(t, testDB.ReplaceUserRating(ctx, uuid.NewString(), 5, 1), ErrNotFound)

	_, err = testDB.GetUser(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_ReserveOrderAmount(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	seller := createUser(t, "seller")
	o := createOrder(t, seller.ID)
	now := time.Now().UTC()

	tests := []struct {
		name      string
		amount    int64
		expectErr error
		available int64
	}{
		{"within limits", 3, nil, 7},
		{"below min limit", 0, ErrNotReserved, 7},
		{"above max limit", 6, ErrNotReserved, 7},
		{"exhausts remaining", 5, nil, 2},
		{"more than available", 3, ErrNotReserved, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testDB.ReserveOrderAmount(ctx, o.ID, decimal.NewFromInt(tt.amount), now)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
			} else {
				assert.NoError(t, err)
			}
			got, err := testDB.GetOrder(ctx, o.ID)
			require.NoError(t, err)
			assert.True(t, got.AvailableAmount.Equal(decimal.NewFromInt(tt.available)), got.AvailableAmount.String())
		})
	}

	released, err := testDB.ReleaseOrderAmount(ctx, o.ID, decimal.NewFromInt(100), now)
	require.NoError(t, err)
	assert.True(t, released.AvailableAmount.Equal(decimal.NewFromInt(10)))
}

func TestDB_ReserveOrderAmountConcurrent(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	seller := createUser(t, "seller")
	o := createOrder(t, seller.ID)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := testDB.ReserveOrderAmount(ctx, o.ID, decimal.NewFromInt(4), time.Now()); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	got, err := testDB.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.AvailableAmount.Equal(decimal.NewFromInt(2)))
}

func TestDB_UpdateOrderStatusGuard(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	seller := createUser(t, "seller")
	o := createOrder(t, seller.ID)
	now := time.Now().UTC()

	stale, err := testDB.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := testDB.ReserveOrderAmount(ctx, o.ID, decimal.NewFromInt(5), now)
		require.NoError(t, err)
	}

	stale.Terms = "edited"
	assert.ErrorIs(t, testDB.UpdateOrder(ctx, stale, models.OrderStatusActive), ErrConflict)

	got, err := testDB.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)
	assert.Empty(t, got.Terms)

	got.Terms = "edited"
	require.NoError(t, testDB.UpdateOrder(ctx, got, models.OrderStatusCompleted))

	ghost := *got
	ghost.ID = uuid.NewString()
	assert.ErrorIs(t, testDB.UpdateOrder(ctx, &ghost, models.OrderStatusCompleted), ErrNotFound)
}

func TestDB_SaveTradeAndRelease(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	seller := createUser(t, "seller")
	buyer := createUser(t, "buyer")
	o := createOrder(t, seller.ID)
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := testDB.ReserveOrderAmount(ctx, o.ID, decimal.NewFromInt(3), now)
	require.NoError(t, err)
	trade := models.NewTrade(o, buyer.ID, decimal.NewFromInt(3), models.PaymentWise, now)
	trade.ID = uuid.NewString()
	require.NoError(t, testDB.CreateTrade(ctx, trade))

	stale, err := testDB.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.NoError(t, trade.ConfirmPayment(buyer.ID, nil, now))
	require.NoError(t, testDB.SaveTrade(ctx, trade))

	require.NoError(t, stale.Cancel(buyer.ID, "", now))
	_, err = testDB.SaveTradeAndRelease(ctx, stale, now)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := testDB.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.AvailableAmount.Equal(decimal.NewFromInt(7)), got.AvailableAmount.String())

	require.NoError(t, trade.Cancel(buyer.ID, "", now))
	version := trade.Version
	released, err := testDB.SaveTradeAndRelease(ctx, trade, now)
	require.NoError(t, err)
	assert.True(t, released.AvailableAmount.Equal(decimal.NewFromInt(10)), released.AvailableAmount.String())
	assert.Equal(t, version+1, trade.Version)

	saved, err := testDB.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCancelled, saved.Status)
}

func TestDB_TradeLifecycle(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	seller := createUser(t, "seller")
	buyer := createUser(t, "buyer")
	o := createOrder(t, seller.ID)
	now := time.Now().UTC().Truncate(time.Microsecond)

	trade := models.NewTrade(o, buyer.ID, decimal.NewFromInt(2), models.PaymentWise, now)
	trade.ID = uuid.NewString()
	require.NoError(t, testDB.CreateTrade(ctx, trade))

	msg, err := trade.NewMessage(buyer.ID, "hello", false, now)
	require.NoError(t, err)
	require.NoError(t, testDB.AppendChatMessage(ctx, trade.ID, msg))

	stale, err := testDB.GetTrade(ctx, trade.ID)
	require.NoError(t, err)

	require.NoError(t, trade.ConfirmPayment(buyer.ID, []string{"receipt.png"}, now))
	require.NoError(t, testDB.SaveTrade(ctx, trade))
	assert.Equal(t, 1, trade.Version)

	require.NoError(t, stale.Cancel(seller.ID, "changed mind", now))
	assert.ErrorIs(t, testDB.SaveTrade(ctx, stale), ErrConflict)

	got, err := testDB.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusPaymentConfirmed, got.Status)
	assert.Equal(t, []string{"receipt.png"}, got.PaymentDetails.Proof)
	require.Len(t, got.Chat, 1)
	assert.Equal(t, "hello", got.Chat[0].Message)
	assert.Len(t, got.Timeline, 2)

	items, total, err := testDB.ListTrades(ctx, models.TradeFilter{UserID: buyer.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.Equal(t, trade.ID, items[0].ID)
}

func TestDB_ListExpiredTrades(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	seller := createUser(t, "seller")
	buyer := createUser(t, "buyer")
	o := createOrder(t, seller.ID)
	created := time.Now().UTC().Add(-time.Hour)

	trade := models.NewTrade(o, buyer.ID, decimal.NewFromInt(1), models.PaymentWise, created)
	trade.ID = uuid.NewString()
	require.NoError(t, testDB.CreateTrade(ctx, trade))

	expired, err := testDB.ListExpiredTrades(ctx, time.Now().UTC(), 100)
	require.NoError(t, err)
	var found bool
	for _, e := range expired {
		found = found || e.ID == trade.ID
	}
	assert.True(t, found)
}

func TestDB_ListOrders(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	seller := createUser(t, "seller")
	o := createOrder(t, seller.ID)

	items, total, err := testDB.ListOrders(ctx, models.OrderFilter{
		UserID:        seller.ID,
		PaymentMethod: models.PaymentWise,
		Status:        models.OrderStatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.Equal(t, o.ID, items[0].ID)
	assert.Equal(t, o.PaymentMethods, items[0].PaymentMethods)
}
