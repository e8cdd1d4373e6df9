package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xtrntr/p2pdesk/internal/auth"
	"github.com/xtrntr/p2pdesk/internal/exchange"
	"github.com/xtrntr/p2pdesk/internal/logger"
	"github.com/xtrntr/p2pdesk/internal/metrics"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	svc     *exchange.Service
	auth    *auth.AuthService
	log     *logger.Logger
	metrics *metrics.Metrics
	ws      http.Handler
}

// NewHandler creates a new handler. m and ws may be nil to leave /metrics and /ws unrouted.
func NewHandler(svc *exchange.Service, authService *auth.AuthService, log *logger.Logger, m *metrics.Metrics, ws http.Handler) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{svc: svc, auth: authService, log: log, metrics: m, ws: ws}
}

// Routes builds the HTTP router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		ok(w, http.StatusOK, "status", "ok")
	})
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
	if h.ws != nil {
		r.Handle("/ws", h.ws)
	}

	r.Route("/api", func(r chi.Router) {
		// Public endpoints
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)
		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{id}", h.GetOrder)

		// Protected endpoints (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)

			r.Get("/users/me", h.Me)

			r.Get("/orders/mine", h.ListMyOrders)
			r.With(h.RequireKYC).Post("/orders", h.CreateOrder)
			r.Put("/orders/{id}", h.UpdateOrder)
			r.Delete("/orders/{id}", h.CancelOrder)

			r.Get("/payment-methods", h.ListPaymentMethods)
			r.Post("/payment-methods", h.AddPaymentMethod)
			r.Delete("/payment-methods/{id}", h.DeletePaymentMethod)

			r.Route("/trades", func(r chi.Router) {
				r.Use(h.RequireKYC)
				r.Post("/", h.CreateTrade)
				r.Get("/", h.ListTrades)
				r.Get("/{id}", h.GetTrade)
				r.Put("/{id}/confirm-payment", h.ConfirmPayment)
				r.Put("/{id}/release", h.ReleaseTrade)
				r.Put("/{id}/cancel", h.CancelTrade)
				r.Put("/{id}/dispute", h.DisputeTrade)
				r.With(h.RequireAdmin).Put("/{id}/resolve", h.ResolveDispute)
				r.Post("/{id}/chat", h.SendMessage)
				r.Post("/{id}/rating", h.RateTrade)
			})

			r.With(h.RequireAdmin).Put("/admin/users/{id}/kyc", h.SetKYCStatus)
		})
	})
	return r
}

// pageParams reads page and limit from the query; invalid values fall back to defaults
func pageParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return page, limit
}
