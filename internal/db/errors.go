package db

import (
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store errors shared by every backend
var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record was modified concurrently")
	ErrDuplicate   = errors.New("record already exists")
	ErrNotReserved = errors.New("order cannot cover the requested amount")
)

const uniqueViolation = "23505"

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// validID reports whether id can be a primary key; malformed ids are treated as missing
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
