package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xtrntr/p2pdesk/internal/exchange"
	"github.com/xtrntr/p2pdesk/internal/models"
)

// CreateTrade opens a trade against an order
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req exchange.CreateTradeInput
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}

	t, err := h.svc.CreateTrade(r.Context(), actor, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "trade", t)
}

// ListTrades returns the caller's trades
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	f := models.TradeFilter{Status: models.TradeStatus(r.URL.Query().Get("status"))}
	f.Page, f.Limit = pageParams(r)

	page, err := h.svc.ListTrades(r.Context(), actor, f)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writePage(w, "trades", page)
}

// GetTrade returns one trade to its parties or an admin
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	t, err := h.svc.GetTrade(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "trade", t)
}

// ConfirmPayment marks the fiat payment as sent
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req struct {
		Proof []string `json:"proof"`
	}
	if err := decode(r, &req, true); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondTrade(w, r)(h.svc.ConfirmPayment(r.Context(), actor, chi.URLParam(r, "id"), req.Proof))
}

// ReleaseTrade completes the trade
func (h *Handler) ReleaseTrade(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	h.respondTrade(w, r)(h.svc.Release(r.Context(), actor, chi.URLParam(r, "id")))
}

// CancelTrade abandons the trade
func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req, true); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondTrade(w, r)(h.svc.Cancel(r.Context(), actor, chi.URLParam(r, "id"), req.Reason))
}

// DisputeTrade opens a dispute
func (h *Handler) DisputeTrade(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req struct {
		Reason   string   `json:"reason"`
		Evidence []string `json:"evidence"`
	}
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondTrade(w, r)(h.svc.Dispute(r.Context(), actor, chi.URLParam(r, "id"), req.Reason, req.Evidence))
}

// ResolveDispute settles a disputed trade
func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req struct {
		Outcome    models.DisputeOutcome `json:"outcome"`
		Resolution string                `json:"resolution"`
	}
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondTrade(w, r)(h.svc.ResolveDispute(r.Context(), actor, chi.URLParam(r, "id"), req.Outcome, req.Resolution))
}

// SendMessage appends a chat line
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req struct {
		Message string `json:"message"`
	}
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), actor, chi.URLParam(r, "id"), req.Message)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{"success": true, "message": "message sent", "chatMessage": msg})
}

// RateTrade records the caller's review of the counterparty
func (h *Handler) RateTrade(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req struct {
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondTrade(w, r)(h.svc.Rate(r.Context(), actor, chi.URLParam(r, "id"), req.Score, req.Comment))
}

// respondTrade writes the result of a trade transition
func (h *Handler) respondTrade(w http.ResponseWriter, r *http.Request) func(*models.Trade, error) {
	return func(t *models.Trade, err error) {
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		ok(w, http.StatusOK, "trade", t)
	}
}
