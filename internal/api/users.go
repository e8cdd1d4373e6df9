package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xtrntr/p2pdesk/internal/models"
)

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}

	user, err := h.auth.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	token, err := h.auth.IssueToken(user)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{"success": true, "token": token, "user": user})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}

	token, user, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"success": true, "token": token, "user": user})
}

// Me returns the caller's profile
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	user, err := h.svc.GetUser(r.Context(), actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "user", user)
}

// SetKYCStatus records a manual identity review
func (h *Handler) SetKYCStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req struct {
		Status models.KYCStatus `json:"status"`
	}
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}

	user, err := h.svc.SetKYCStatus(r.Context(), actor, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "user", user)
}

// ListPaymentMethods returns the caller's saved payment methods
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	methods, err := h.svc.ListPaymentMethods(r.Context(), actor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "paymentMethods", methods)
}

// AddPaymentMethod saves a payment method for the caller
func (h *Handler) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req models.PaymentMethod
	if err := decode(r, &req, false); err != nil {
		h.respondError(w, r, err)
		return
	}

	pm, err := h.svc.AddPaymentMethod(r.Context(), actor, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "paymentMethod", pm)
}

// DeletePaymentMethod removes one of the caller's payment methods
func (h *Handler) DeletePaymentMethod(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	if err := h.svc.RemovePaymentMethod(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "message", "payment method deleted")
}
