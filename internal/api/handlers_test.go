package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/p2pdesk/internal/auth"
	"github.com/xtrntr/p2pdesk/internal/db/memory"
	"github.com/xtrntr/p2pdesk/internal/exchange"
	"github.com/xtrntr/p2pdesk/internal/metrics"
	"github.com/xtrntr/p2pdesk/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	router http.Handler
	store  *memory.Store
	auth   *auth.AuthService
	clock  *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	clock := &testClock{now: time.Now().UTC()}
	m := metrics.New()
	svc := exchange.NewService(store, nil, nil, exchange.WithClock(clock.Now), exchange.WithMetrics(m))
	authService := auth.NewAuthService(store, "test-secret", time.Hour, bcrypt.MinCost)
	h := NewHandler(svc, authService, nil, m, nil)
	return &testEnv{router: h.Routes(), store: store, auth: authService, clock: clock}
}

// user registers a user with the given KYC status and returns its id and token
func (e *testEnv) user(t *testing.T, name string, kyc models.KYCStatus) (string, string) {
	t.Helper()
	ctx := context.Background()
	u, err := e.auth.Register(ctx, name+"@example.com", name, "password123")
	require.NoError(t, err)
	_, err = e.store.UpdateKYCStatus(ctx, u.ID, kyc)
	require.NoError(t, err)
	token, err := e.auth.IssueToken(u)
	require.NoError(t, err)
	return u.ID, token
}

func (e *testEnv) admin(t *testing.T) string {
	t.Helper()
	u := &models.User{ID: "admin-1", Email: "admin@example.com", Username: "admin", Role: models.RoleAdmin, KYCStatus: models.KYCApproved}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	token, err := e.auth.IssueToken(u)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

var orderBody = map[string]any{
	"type":             "sell",
	"cryptocurrency":   "USDT",
	"fiatCurrency":     "USD",
	"price":            "100",
	"amount":           "10",
	"minLimit":         "100",
	"maxLimit":         "500",
	"paymentMethods":   []string{"bank_transfer"},
	"paymentTimeLimit": 30,
}

func (e *testEnv) order(t *testing.T, token string) string {
	t.Helper()
	rec, resp := e.do(t, http.MethodPost, "/api/orders", token, orderBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return resp["order"].(map[string]any)["id"].(string)
}

func (e *testEnv) trade(t *testing.T, token, orderID, amount string) string {
	t.Helper()
	rec, resp := e.do(t, http.MethodPost, "/api/trades", token, map[string]any{
		"orderId": orderID, "amount": amount, "paymentMethod": "bank_transfer",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return resp["trade"].(map[string]any)["id"].(string)
}

func TestHandler_Register(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{"Success", map[string]string{"email": "alice@example.com", "username": "alice", "password": "password123"}, http.StatusCreated},
		{"Duplicate", map[string]string{"email": "alice@example.com", "username": "alice2", "password": "password123"}, http.StatusConflict},
		{"ShortPassword", map[string]string{"email": "bob@example.com", "username": "bob", "password": "short"}, http.StatusBadRequest},
		{"InvalidBody", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := e.do(t, http.MethodPost, "/api/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusCreated {
				assert.Equal(t, true, resp["success"])
				assert.NotEmpty(t, resp["token"])
				user := resp["user"].(map[string]any)
				assert.Equal(t, "not_started", user["kycStatus"])
				assert.NotContains(t, user, "passwordHash")
			} else {
				assert.Equal(t, false, resp["success"])
				assert.NotEmpty(t, resp["message"])
			}
		})
	}
}

func TestHandler_Login(t *testing.T) {
	e := newTestEnv(t)
	e.user(t, "alice", models.KYCNotStarted)

	tests := []struct {
		name           string
		password       string
		expectedStatus int
	}{
		{"Success", "password123", http.StatusOK},
		{"WrongPassword", "wrongpass", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := e.do(t, http.MethodPost, "/api/auth/login", "",
				map[string]string{"email": "alice@example.com", "password": tt.password})
			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				token := resp["token"].(string)
				rec, resp = e.do(t, http.MethodGet, "/api/users/me", token, nil)
				assert.Equal(t, http.StatusOK, rec.Code)
				assert.Equal(t, "alice", resp["user"].(map[string]any)["username"])
			}
		})
	}
}

func TestHandler_Authentication(t *testing.T) {
	e := newTestEnv(t)
	_, pending := e.user(t, "pending", models.KYCPending)

	rec, _ := e.do(t, http.MethodGet, "/api/trades", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/api/trades", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, resp := e.do(t, http.MethodPost, "/api/orders", pending, orderBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, resp["message"], "identity verification required")
	rec, _ = e.do(t, http.MethodGet, "/api/trades", pending, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/orders/mine", pending, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "listing own orders needs no KYC")
}

func TestHandler_TradeFlow(t *testing.T) {
	e := newTestEnv(t)
	_, seller := e.user(t, "seller", models.KYCApproved)
	_, buyer := e.user(t, "buyer", models.KYCApproved)

	orderID := e.order(t, seller)

	rec, resp := e.do(t, http.MethodGet, "/api/orders?cryptocurrency=usdt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, resp["total"])

	tradeID := e.trade(t, buyer, orderID, "3")

	rec, resp = e.do(t, http.MethodGet, "/api/orders/"+orderID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", resp["order"].(map[string]any)["availableAmount"])

	tests := []struct {
		name   string
		token  string
		amount string
		status int
	}{
		{"capacity", buyer, "8", http.StatusUnprocessableEntity},
		{"self trade", seller, "1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec, _ = e.do(t, http.MethodPost, "/api/trades", tt.token, map[string]any{
			"orderId": orderID, "amount": tt.amount, "paymentMethod": "bank_transfer",
		})
		assert.Equal(t, tt.status, rec.Code, tt.name)
	}

	rec, _ = e.do(t, http.MethodPost, "/api/trades/"+tradeID+"/chat", buyer, map[string]string{"message": "sending now"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = e.do(t, http.MethodPut, "/api/trades/"+tradeID+"/confirm-payment", buyer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = e.do(t, http.MethodPut, "/api/trades/"+tradeID+"/release", buyer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp = e.do(t, http.MethodPut, "/api/trades/"+tradeID+"/release", seller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trade := resp["trade"].(map[string]any)
	assert.Equal(t, "completed", trade["status"])
	assert.Len(t, trade["chat"], 1)

	rec, _ = e.do(t, http.MethodPut, "/api/trades/"+tradeID+"/cancel", buyer, map[string]string{"reason": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/trades/"+tradeID+"/rating", buyer, map[string]any{"score": 5, "comment": "smooth"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/api/trades/"+tradeID+"/rating", buyer, map[string]any{"score": 4})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, resp = e.do(t, http.MethodGet, "/api/trades", seller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, resp["count"])

	rec, _ = e.do(t, http.MethodGet, "/api/trades/missing", seller, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ExpiredTrade(t *testing.T) {
	e := newTestEnv(t)
	_, seller := e.user(t, "seller", models.KYCApproved)
	_, buyer := e.user(t, "buyer", models.KYCApproved)
	orderID := e.order(t, seller)
	tradeID := e.trade(t, buyer, orderID, "2")

	e.clock.Advance(31 * time.Minute)
	rec, resp := e.do(t, http.MethodPut, "/api/trades/"+tradeID+"/confirm-payment", buyer, map[string]any{"proof": []string{"a.png"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, resp["message"], "expired")

	rec, resp = e.do(t, http.MethodGet, "/api/trades/"+tradeID, seller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "expired", resp["trade"].(map[string]any)["status"])
}

func TestHandler_DisputeResolution(t *testing.T) {
	e := newTestEnv(t)
	_, seller := e.user(t, "seller", models.KYCApproved)
	_, buyer := e.user(t, "buyer", models.KYCApproved)
	admin := e.admin(t)
	orderID := e.order(t, seller)
	tradeID := e.trade(t, buyer, orderID, "2")

	rec, _ := e.do(t, http.MethodPut, "/api/trades/"+tradeID+"/dispute", buyer, map[string]any{"reason": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = e.do(t, http.MethodPut, "/api/trades/"+tradeID+"/dispute", buyer, map[string]any{"reason": "no answer"})
	require.Equal(t, http.StatusOK, rec.Code)

	resolve := map[string]string{"outcome": "refund", "resolution": "buyer never paid"}
	rec, _ = e.do(t, http.MethodPut, "/api/trades/"+tradeID+"/resolve", seller, resolve)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := e.do(t, http.MethodPut, "/api/trades/"+tradeID+"/resolve", admin, resolve)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", resp["trade"].(map[string]any)["status"])

	rec, resp = e.do(t, http.MethodGet, "/api/orders/"+orderID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", resp["order"].(map[string]any)["availableAmount"])
}

func TestHandler_Orders(t *testing.T) {
	e := newTestEnv(t)
	_, seller := e.user(t, "seller", models.KYCApproved)
	_, other := e.user(t, "other", models.KYCApproved)
	orderID := e.order(t, seller)

	rec, _ := e.do(t, http.MethodPut, "/api/orders/"+orderID, other, map[string]any{"price": "90"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := e.do(t, http.MethodPut, "/api/orders/"+orderID, seller, map[string]any{"price": "90", "terms": "bank only"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bank only", resp["order"].(map[string]any)["terms"])

	rec, resp = e.do(t, http.MethodGet, "/api/orders/mine", seller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, resp["total"])

	rec, _ = e.do(t, http.MethodDelete, "/api/orders/"+orderID, seller, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = e.do(t, http.MethodGet, "/api/orders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, resp["total"])

	rec, _ = e.do(t, http.MethodGet, "/api/orders?minAmount=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/api/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_PaymentMethodsAndKYC(t *testing.T) {
	e := newTestEnv(t)
	userID, token := e.user(t, "carol", models.KYCPending)
	admin := e.admin(t)

	rec, resp := e.do(t, http.MethodPost, "/api/payment-methods", token, map[string]any{
		"type": "revolut", "name": "main", "details": map[string]string{"handle": "@carol"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := resp["paymentMethod"].(map[string]any)["id"].(string)

	rec, _ = e.do(t, http.MethodPost, "/api/payment-methods", token, map[string]any{"type": "revolut", "name": "broken"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = e.do(t, http.MethodGet, "/api/payment-methods", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp["paymentMethods"], 1)

	rec, _ = e.do(t, http.MethodDelete, "/api/payment-methods/"+id, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	path := fmt.Sprintf("/api/admin/users/%s/kyc", userID)
	rec, _ = e.do(t, http.MethodPut, path, token, map[string]string{"status": "approved"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, resp = e.do(t, http.MethodPut, path, admin, map[string]string{"status": "approved"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", resp["user"].(map[string]any)["kycStatus"])
}

func TestHandler_Infrastructure(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestHeader, "req-123")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(RequestHeader))

	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestHeader), "a request id is generated when missing")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{exchange.ErrValidation, http.StatusBadRequest},
		{exchange.ErrSelfTrade, http.StatusBadRequest},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{exchange.ErrKYCRequired, http.StatusForbidden},
		{exchange.ErrTradeNotFound, http.StatusNotFound},
		{exchange.ErrTradeExpired, http.StatusConflict},
		{exchange.ErrConflict, http.StatusConflict},
		{exchange.ErrOrderState, http.StatusConflict},
		{exchange.ErrCapacityExceeded, http.StatusUnprocessableEntity},
		{exchange.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("failed to get trade: %w", context.DeadlineExceeded), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}
