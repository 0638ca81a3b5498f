package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.mapError(w, r, badRequest("invalid JSON body"))
		return
	}
	to, err := order.ParseStatus(req.Status)
	if err != nil {
		h.mapError(w, r, badRequest(err.Error()))
		return
	}
	ord, err := h.lifecycle.Transition(r.Context(), chi.URLParam(r, "id"), to)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(ord))
}

type reviewRequest struct {
	Approved *bool `json:"approved"`
}

func (h *Handler) reviewTransaction(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.mapError(w, r, badRequest("invalid JSON body"))
		return
	}
	if req.Approved == nil {
		h.mapError(w, r, badRequest("approved is required"))
		return
	}
	tx, err := h.payments.Review(r.Context(), chi.URLParam(r, "id"), *req.Approved)
	if err != nil {
		h.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(*tx))
}
