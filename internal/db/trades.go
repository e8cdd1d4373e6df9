package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/p2pdesk/internal/models"
)

const tradeColumns = `id, order_id, buyer_id, seller_id, cryptocurrency, fiat_currency, amount, price, total_value,
	payment_method, status, timeline, payment_details, chat, dispute, rating, expires_at, completed_at,
	cancelled_at, cancelled_by, cancellation_reason, version, created_at, updated_at`

func scanTrade(row rowScanner) (*models.Trade, error) {
	t := &models.Trade{}
	err := row.Scan(&t.ID, &t.OrderID, &t.BuyerID, &t.SellerID, &t.Cryptocurrency, &t.FiatCurrency,
		&t.Amount, &t.Price, &t.TotalValue, &t.PaymentMethod, &t.Status, &t.Timeline, &t.PaymentDetails,
		&t.Chat, &t.Dispute, &t.Rating, &t.ExpiresAt, &t.CompletedAt, &t.CancelledAt, &t.CancelledBy,
		&t.CancellationReason, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func collectTrades(rows pgx.Rows) ([]models.Trade, error) {
	defer rows.Close()
	trades := []models.Trade{}
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	return trades, nil
}

// CreateTrade inserts a new trade
func (db *DB) CreateTrade(ctx context.Context, t *models.Trade) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trades (id, order_id, buyer_id, seller_id, cryptocurrency, fiat_currency, amount, price,
			total_value, payment_method, status, timeline, payment_details, chat, dispute, rating, expires_at,
			version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, t.OrderID, t.BuyerID, t.SellerID, t.Cryptocurrency, t.FiatCurrency, t.Amount, t.Price,
		t.TotalValue, t.PaymentMethod, t.Status, t.Timeline, t.PaymentDetails, t.Chat, t.Dispute, t.Rating,
		t.ExpiresAt, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// GetTrade retrieves a trade by id
func (db *DB) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	t, err := scanTrade(db.Pool.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// ListTrades returns one page of a user's trades, newest first
func (db *DB) ListTrades(ctx context.Context, f models.TradeFilter) ([]models.Trade, int64, error) {
	f.Normalize()
	if f.UserID != "" && !validID(f.UserID) {
		return []models.Trade{}, 0, nil
	}

	clause := " WHERE ($1 = '' OR buyer_id::text = $1 OR seller_id::text = $1) AND ($2 = '' OR status = $2)"
	args := []any{f.UserID, string(f.Status)}

	var total int64
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM trades"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	rows, err := db.Pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM trades%s ORDER BY created_at DESC LIMIT %d OFFSET %d",
			tradeColumns, clause, f.Limit, f.Offset()),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list trades: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, 0, err
	}
	return trades, total, nil
}

// SaveTrade writes the mutable state of t if nobody saved it since it was read.
// On success t.Version is advanced; a stale version yields ErrConflict.
// Chat is not written here, see AppendChatMessage.
func (db *DB) SaveTrade(ctx context.Context, t *models.Trade) error {
	if err := saveTrade(ctx, db.Pool, t); err != nil {
		return err
	}
	t.Version++
	return nil
}

// SaveTradeAndRelease saves t and returns its amount to the order in one transaction.
// If either write fails neither is kept.
func (db *DB) SaveTradeAndRelease(ctx context.Context, t *models.Trade, now time.Time) (*models.Order, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := saveTrade(ctx, tx, t); err != nil {
		return nil, err
	}
	o, err := releaseOrder(ctx, tx, t.OrderID, t.Amount, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.Version++
	return o, nil
}

// saveTrade runs the versioned update on q; the caller advances t.Version once the write is durable
func saveTrade(ctx context.Context, q querier, t *models.Trade) error {
	if !validID(t.ID) {
		return ErrNotFound
	}
	tag, err := q.Exec(ctx,
		`UPDATE trades SET
			status = $3, timeline = $4, payment_details = $5, dispute = $6, rating = $7,
			completed_at = $8, cancelled_at = $9, cancelled_by = $10, cancellation_reason = $11,
			updated_at = $12, version = version + 1
		 WHERE id = $1 AND version = $2`,
		t.ID, t.Version, t.Status, t.Timeline, t.PaymentDetails, t.Dispute, t.Rating,
		t.CompletedAt, t.CancelledAt, t.CancelledBy, t.CancellationReason, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)", t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check trade existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// AppendChatMessage appends msg to the trade chat unless the trade was cancelled or expired meanwhile
func (db *DB) AppendChatMessage(ctx context.Context, tradeID string, msg models.ChatMessage) error {
	if !validID(tradeID) {
		return ErrNotFound
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE trades SET chat = chat || jsonb_build_array($2::jsonb), updated_at = $3
		 WHERE id = $1 AND status NOT IN ('cancelled', 'expired')`,
		tradeID, msg, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListExpiredTrades returns up to limit payment_pending trades whose deadline is before now
func (db *DB) ListExpiredTrades(ctx context.Context, now time.Time, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+` FROM trades
		 WHERE status = 'payment_pending' AND expires_at < $1
		 ORDER BY expires_at ASC LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trades: %w", err)
	}
	return collectTrades(rows)
}
