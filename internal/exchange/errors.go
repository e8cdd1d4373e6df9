package exchange

import (
	"errors"
	"fmt"

	"github.com/xtrntr/p2pdesk/internal/db"
	"github.com/xtrntr/p2pdesk/internal/models"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrTradeNotFound         = errors.New("trade not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")

	ErrForbidden      = errors.New("not authorized")
	ErrKYCRequired    = fmt.Errorf("%w: identity verification required", ErrForbidden)
	ErrExternalSource = fmt.Errorf("%w: orders imported from bybit are read-only", ErrForbidden)

	ErrValidation   = models.ErrValidation
	ErrInvalidState = models.ErrInvalidTransition
	ErrTradeExpired = fmt.Errorf("%w: trade has expired", ErrInvalidState)
	ErrOrderState   = errors.New("invalid order status")

	ErrCapacityExceeded = errors.New("order cannot fulfill the requested amount")
	ErrSelfTrade        = errors.New("cannot trade against your own order")
	ErrConflict         = errors.New("record was modified concurrently, reload and retry")
	ErrRateLimited      = errors.New("too many trades, try again later")
)

// translate maps store errors onto service errors; notFound is used for db.ErrNotFound
func translate(err, notFound error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return notFound
	case errors.Is(err, db.ErrConflict):
		return ErrConflict
	case errors.Is(err, db.ErrNotReserved):
		return ErrCapacityExceeded
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
