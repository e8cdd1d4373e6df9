package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/xtrntr/p2pdesk/internal/exchange"
	"github.com/xtrntr/p2pdesk/internal/logger"
	"github.com/xtrntr/p2pdesk/internal/models"
)

type ctxKey int

const actorKey ctxKey = iota

// RequestHeader carries the request id in and out
const RequestHeader = "X-Request-Id"

func withActor(ctx context.Context, a exchange.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// actorFrom returns the authenticated caller stored by JWTAuthMiddleware
func actorFrom(ctx context.Context) (exchange.Actor, bool) {
	a, ok := ctx.Value(actorKey).(exchange.Actor)
	return a, ok
}

// RequestID tags the request context with the caller's id or a fresh one
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestHeader)
		if id == "" {
			id = logger.NewRequestID()
		}
		w.Header().Set(RequestHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// RequestLogger logs one line per request
func (h *Handler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.InfoContext(r.Context(), "http request",
			logger.F("method", r.Method),
			logger.F("path", r.URL.Path),
			logger.F("status", ww.Status()),
			logger.F("bytes", ww.BytesWritten()),
			logger.F("duration_ms", time.Since(start).Milliseconds()))
	})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			fail(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := h.auth.ParseToken(tokenString)
		if err != nil {
			fail(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := withActor(r.Context(), exchange.Actor{ID: claims.UserID, Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireKYC lets through only users whose identity was approved. Admins pass.
func (h *Handler) RequireKYC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := actorFrom(r.Context())
		user, err := h.svc.GetUser(r.Context(), actor.ID)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		if user.KYCStatus != models.KYCApproved && !user.IsAdmin() {
			h.respondError(w, r, exchange.ErrKYCRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects callers without the admin role
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := actorFrom(r.Context())
		if !actor.IsAdmin() {
			h.respondError(w, r, exchange.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
