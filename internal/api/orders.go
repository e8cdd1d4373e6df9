package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pdesk/internal/exchange"
	"github.com/xtrntr/p2pdesk/internal/models"
)

func writePage[T any](w http.ResponseWriter, key string, p models.Page[T]) {
	writeJSON(w, http.StatusOK, envelope{
		"success": true,
		key:       p.Items,
		"count":   len(p.Items),
		"total":   p.Total,
		"page":    p.Page,
		"pages":   p.Pages,
	})
}

// orderFilter reads the listing filters from the query string
func orderFilter(r *http.Request) (models.OrderFilter, error) {
	q := r.URL.Query()
	f := models.OrderFilter{
		Type:           models.OrderType(q.Get("type")),
		Cryptocurrency: q.Get("cryptocurrency"),
		FiatCurrency:   q.Get("fiatCurrency"),
		PaymentMethod:  models.PaymentMethodType(q.Get("paymentMethod")),
		Status:         models.OrderStatus(q.Get("status")),
		Sort:           models.OrderSort(q.Get("sort")),
	}
	f.Page, f.Limit = pageParams(r)
	for name, dst := range map[string]**decimal.Decimal{"minAmount": &f.MinAmount, "maxAmount": &f.MaxAmount} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return f, errBadBody
		}
		*dst = &v
	}
	return f, nil
}

// ListOrders returns the public order book
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	f, err := orderFilter(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	page, err := h.svc.ListOrders(r.Context(), f)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writePage(w, "orders", page)
}

// ListMyOrders returns the caller's orders in any status
func (h *Handler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	f, err := orderFilter(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	page, err := h.svc.ListMyOrders(r.Context(), actor, f)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writePage(w, "orders", page)
}

// GetOrder returns a single order
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "order", o)
}

// CreateOrder publishes an advertisement
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req models.Order
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}

	o, err := h.svc.CreateOrder(r.Context(), actor, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "order", o)
}

// UpdateOrder edits an order
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req exchange.OrderUpdate
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}

	o, err := h.svc.UpdateOrder(r.Context(), actor, chi.URLParam(r, "id"), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "order", o)
}

// CancelOrder withdraws an order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	o, err := h.svc.CancelOrder(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "order", o)
}
