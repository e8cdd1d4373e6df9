package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/xtrntr/p2pdesk/internal/auth"
	"github.com/xtrntr/p2pdesk/internal/exchange"
	"github.com/xtrntr/p2pdesk/internal/logger"
)

var errBadBody = errors.New("invalid request body")

// envelope is the JSON shape of every response
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, status int, key string, value any) {
	body := envelope{"success": true}
	if key != "" {
		body[key] = value
	}
	writeJSON(w, status, body)
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{"success": false, "message": message})
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadBody),
		errors.Is(err, exchange.ErrValidation),
		errors.Is(err, exchange.ErrSelfTrade):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, exchange.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrOrderNotFound),
		errors.Is(err, exchange.ErrTradeNotFound),
		errors.Is(err, exchange.ErrUserNotFound),
		errors.Is(err, exchange.ErrPaymentMethodNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrInvalidState),
		errors.Is(err, exchange.ErrOrderState),
		errors.Is(err, exchange.ErrConflict),
		errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exchange.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Internal errors are logged and hidden.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), err, logger.F("method", r.Method), logger.F("path", r.URL.Path))
		fail(w, status, "internal server error")
		return
	}
	fail(w, status, err.Error())
}

// decode reads a JSON body into dst. An empty body is accepted when optional is set.
func decode(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}
	return errBadBody
}
