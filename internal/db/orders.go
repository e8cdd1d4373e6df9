package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pdesk/internal/models"
)

const orderColumns = `id, user_id, type, cryptocurrency, fiat_currency, price, amount, available_amount,
	min_limit, max_limit, payment_methods, payment_time_limit, terms, auto_reply, status, source, region,
	completed_trades, views, is_verified_only, created_at, updated_at`

var orderSortSQL = map[models.OrderSort]string{
	models.SortNewest:    "created_at DESC",
	models.SortOldest:    "created_at ASC",
	models.SortPriceAsc:  "price ASC, created_at DESC",
	models.SortPriceDesc: "price DESC, created_at DESC",
}

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var methods []string
	err := row.Scan(&o.ID, &o.UserID, &o.Type, &o.Cryptocurrency, &o.FiatCurrency, &o.Price, &o.Amount,
		&o.AvailableAmount, &o.MinLimit, &o.MaxLimit, &methods, &o.PaymentTimeLimit, &o.Terms, &o.AutoReply,
		&o.Status, &o.Source, &o.Region, &o.CompletedTrades, &o.Views, &o.IsVerifiedOnly, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.PaymentMethods = make([]models.PaymentMethodType, len(methods))
	for i, m := range methods {
		o.PaymentMethods[i] = models.PaymentMethodType(m)
	}
	return o, nil
}

func methodStrings(methods []models.PaymentMethodType) []string {
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = string(m)
	}
	return out
}

// CreateOrder inserts a new order
func (db *DB) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, type, cryptocurrency, fiat_currency, price, amount, available_amount,
			min_limit, max_limit, payment_methods, payment_time_limit, terms, auto_reply, status, source, region,
			completed_trades, views, is_verified_only, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.UserID, o.Type, o.Cryptocurrency, o.FiatCurrency, o.Price, o.Amount, o.AvailableAmount,
		o.MinLimit, o.MaxLimit, methodStrings(o.PaymentMethods), o.PaymentTimeLimit, o.Terms, o.AutoReply,
		o.Status, o.Source, o.Region, o.CompletedTrades, o.Views, o.IsVerifiedOnly, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	o, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOrders returns one page of orders matching f and the total match count
func (db *DB) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, int64, error) {
	f.Normalize()

	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		if !validID(f.UserID) {
			return []models.Order{}, 0, nil
		}
		add("user_id = $%d", f.UserID)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Cryptocurrency != "" {
		add("cryptocurrency = $%d", f.Cryptocurrency)
	}
	if f.FiatCurrency != "" {
		add("fiat_currency = $%d", f.FiatCurrency)
	}
	if f.PaymentMethod != "" {
		add("$%d = ANY(payment_methods)", string(f.PaymentMethod))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.MinAmount != nil {
		add("available_amount >= $%d", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		add("available_amount <= $%d", *f.MaxAmount)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM orders"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM orders%s ORDER BY %s LIMIT %d OFFSET %d",
		orderColumns, clause, orderSortSQL[f.Sort], f.Limit, f.Offset())
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, total, nil
}

// UpdateOrder writes the owner-editable fields of an order. The write only lands while
// the stored status is still prev; a reservation or release that moved it yields ErrConflict.
func (db *DB) UpdateOrder(ctx context.Context, o *models.Order, prev models.OrderStatus) error {
	if !validID(o.ID) {
		return ErrNotFound
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE orders SET price = $2, terms = $3, auto_reply = $4, status = $5, payment_time_limit = $6,
			updated_at = $7
		 WHERE id = $1 AND status = $8`,
		o.ID, o.Price, o.Terms, o.AutoReply, o.Status, o.PaymentTimeLimit, o.UpdatedAt, prev)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check order existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// IncrementOrderViews bumps the view counter
func (db *DB) IncrementOrderViews(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	if _, err := db.Pool.Exec(ctx, "UPDATE orders SET views = views + 1 WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to increment order views: %w", err)
	}
	return nil
}

// IncrementOrderCompletedTrades bumps the completed trade counter
func (db *DB) IncrementOrderCompletedTrades(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	if _, err := db.Pool.Exec(ctx,
		"UPDATE orders SET completed_trades = completed_trades + 1 WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to increment order completed trades: %w", err)
	}
	return nil
}

// ReserveOrderAmount atomically takes amount units from an active order.
// The decrement only happens while the order is active, holds at least amount
// and amount * price lies within the order limits; otherwise ErrNotReserved.
// The order completes when nothing is left.
func (db *DB) ReserveOrderAmount(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*models.Order, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	o, err := scanOrder(db.Pool.QueryRow(ctx,
		`UPDATE orders SET
			available_amount = available_amount - $2::numeric,
			status = CASE WHEN available_amount - $2::numeric <= 0 THEN 'completed' ELSE status END,
			updated_at = $3
		 WHERE id = $1
			AND status = 'active'
			AND available_amount >= $2::numeric
			AND $2::numeric * price BETWEEN min_limit AND max_limit
		 RETURNING `+orderColumns,
		id, amount, now))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to reserve order amount: %w", err)
	}
	var exists bool
	if err := db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check order existence: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrNotReserved
}

// ReleaseOrderAmount returns amount units to an order, capped at its total amount.
// An order completed by exhaustion becomes active again.
func (db *DB) ReleaseOrderAmount(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*models.Order, error) {
	return releaseOrder(ctx, db.Pool, id, amount, now)
}

func releaseOrder(ctx context.Context, q querier, id string, amount decimal.Decimal, now time.Time) (*models.Order, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	o, err := scanOrder(q.QueryRow(ctx,
		`UPDATE orders SET
			available_amount = LEAST(amount, available_amount + $2::numeric),
			status = CASE WHEN status = 'completed' AND LEAST(amount, available_amount + $2::numeric) > 0
				THEN 'active' ELSE status END,
			updated_at = $3
		 WHERE id = $1
		 RETURNING `+orderColumns,
		id, amount, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to release order amount: %w", err)
	}
	return o, nil
}
