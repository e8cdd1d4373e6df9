package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/p2pdesk/internal/models"
)

const userColumns = `id, email, username, password_hash, role, kyc_status,
	total_trades, completed_trades, cancelled_trades, rating, review_count, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.KYCStatus,
		&u.Stats.TotalTrades, &u.Stats.CompletedTrades, &u.Stats.CancelledTrades,
		&u.Stats.Rating, &u.Stats.ReviewCount, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, u *models.User) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO users (id, email, username, password_hash, role, kyc_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Username, u.PasswordHash, u.Role, u.KYCStatus, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (db *DB) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return db.getUser(ctx, "id = $1", id)
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return db.getUser(ctx, "email = $1", email)
}

// UpdateKYCStatus sets a user's verification status
func (db *DB) UpdateKYCStatus(ctx context.Context, id string, status models.KYCStatus) (*models.User, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	u, err := scanUser(db.Pool.QueryRow(ctx,
		"UPDATE users SET kyc_status = $2, updated_at = $3 WHERE id = $1 RETURNING "+userColumns,
		id, status, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update kyc status: %w", err)
	}
	return u, nil
}

// IncrementUserStats adds delta to the trade counters of every listed user
func (db *DB) IncrementUserStats(ctx context.Context, delta models.StatsDelta, ids ...string) error {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx,
		`UPDATE users SET
			total_trades = total_trades + $1,
			completed_trades = completed_trades + $2,
			cancelled_trades = cancelled_trades + $3,
			updated_at = NOW()
		 WHERE id = ANY($4::uuid[])`,
		delta.TotalTrades, delta.CompletedTrades, delta.CancelledTrades, valid)
	if err != nil {
		return fmt.Errorf("failed to update user stats: %w", err)
	}
	return nil
}

// ApplyUserRating folds score into the user's running average in a single statement
func (db *DB) ApplyUserRating(ctx context.Context, id string, score int) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE users SET
			rating = (rating * review_count + $2) / (review_count + 1),
			review_count = review_count + 1,
			updated_at = NOW()
		 WHERE id = $1`,
		id, score)
	if err != nil {
		return fmt.Errorf("failed to apply rating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceUserRating swaps a counted score for a corrected one without changing the review count
func (db *DB) ReplaceUserRating(ctx context.Context, id string, old, score int) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE users SET
			rating = CASE WHEN review_count = 0 THEN $3::float8 ELSE rating + ($3::int - $2::int)::float8 / review_count END,
			review_count = GREATEST(review_count, 1),
			updated_at = NOW()
		 WHERE id = $1`,
		id, old, score)
	if err != nil {
		return fmt.Errorf("failed to replace rating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePaymentMethod inserts a saved payment method
func (db *DB) CreatePaymentMethod(ctx context.Context, pm *models.PaymentMethod) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO payment_methods (id, user_id, type, name, details, is_verified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pm.ID, pm.UserID, pm.Type, pm.Name, pm.Details, pm.IsVerified, pm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment method: %w", err)
	}
	return nil
}

// ListPaymentMethods returns a user's saved payment methods, newest first
func (db *DB) ListPaymentMethods(ctx context.Context, userID string) ([]models.PaymentMethod, error) {
	if !validID(userID) {
		return []models.PaymentMethod{}, nil
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, type, name, details, is_verified, created_at
		 FROM payment_methods WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	methods := []models.PaymentMethod{}
	for rows.Next() {
		var pm models.PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.UserID, &pm.Type, &pm.Name, &pm.Details, &pm.IsVerified, &pm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		methods = append(methods, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	return methods, nil
}

// DeletePaymentMethod removes a payment method owned by userID
func (db *DB) DeletePaymentMethod(ctx context.Context, id, userID string) error {
	if !validID(id) || !validID(userID) {
		return ErrNotFound
	}
	tag, err := db.Pool.Exec(ctx, "DELETE FROM payment_methods WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
