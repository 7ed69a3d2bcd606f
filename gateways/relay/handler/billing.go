package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/echowrite/relay/pkg/json"
	"github.com/echowrite/relay/services/quota/entity"
	"github.com/echowrite/relay/services/quota/usecase"
)

const maxWebhookBytes = 64 << 10

type (
	CheckoutRequest struct {
		PriceID string `json:"priceId"`
		Minutes int    `json:"minutes"`
		UID     string `json:"uid"`
	}

	CheckoutResponse struct {
		SessionID string `json:"sessionId"`
	}

	WebhookResponse struct {
		Received bool `json:"received"`
		Credited bool `json:"credited"`
	}
)

func (h *Handler) CreateCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	if !h.usecase.BillingEnabled() {
		json.WriteError(w, http.StatusServiceUnavailable, usecase.ErrBillingUnavailable)
		return
	}

	var req CheckoutRequest
	if err := json.ParseJSON(r, &req); err != nil {
		json.WriteError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.usecase.CreateCheckout(r.Context(), entity.CheckoutRequest{
		UserID:  req.UID,
		Minutes: req.Minutes,
		PriceID: req.PriceID,
	})
	switch {
	case err == nil:
	case errors.Is(err, usecase.ErrMissingUser), errors.Is(err, usecase.ErrUnknownPack):
		json.WriteError(w, http.StatusBadRequest, err)
		return
	default:
		h.log.Error("failed to create checkout", slog.String("uid", req.UID), slog.String("error", err.Error()))
		json.WriteError(w, http.StatusInternalServerError, errors.New("failed to create checkout session"))
		return
	}

	json.WriteJSON(w, http.StatusOK, CheckoutResponse{SessionID: id})
}

// WebhookHandler credits verified payment confirmations. Deliveries with a
// bad signature are rejected without touching any quota.
func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if !h.usecase.BillingEnabled() {
		json.WriteError(w, http.StatusServiceUnavailable, usecase.ErrBillingUnavailable)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		json.WriteError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}

	purchase, err := h.payments.ParsePurchase(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.log.Warn("rejected payment webhook", slog.String("error", err.Error()))
		json.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if purchase == nil {
		json.WriteJSON(w, http.StatusOK, WebhookResponse{Received: true})
		return
	}

	_, credited, err := h.usecase.ConfirmPurchase(r.Context(), purchase)
	if err != nil {
		h.log.Error("failed to confirm purchase",
			slog.String("purchase_id", purchase.ID),
			slog.String("error", err.Error()))
		json.WriteError(w, http.StatusInternalServerError, errors.New("failed to credit purchase"))
		return
	}

	json.WriteJSON(w, http.StatusOK, WebhookResponse{Received: true, Credited: credited})
}
