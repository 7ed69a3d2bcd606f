// Package stripe creates checkout sessions for minute packs and verifies
// payment webhooks.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/echowrite/relay/services/quota/entity"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidMetadata  = errors.New("checkout session metadata is incomplete")
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// BackendURL overrides the API endpoint. Tests point it at a local server.
	BackendURL string
}

type Client struct {
	cfg Config
	api *client.API
}

func New(cfg Config) *Client {
	c := &Client{cfg: cfg}
	if cfg.SecretKey == "" {
		return c
	}

	var backends *stripe.Backends
	if cfg.BackendURL != "" {
		backends = &stripe.Backends{
			API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
				URL: stripe.String(cfg.BackendURL),
			}),
		}
	}

	c.api = &client.API{}
	c.api.Init(cfg.SecretKey, backends)
	return c
}

// Enabled reports whether both checkout and webhook verification can work.
func (c *Client) Enabled() bool {
	return c.api != nil && c.cfg.WebhookSecret != ""
}

func (c *Client) CreateCheckout(ctx context.Context, req entity.CheckoutRequest) (string, error) {
	if !c.Enabled() {
		return "", errors.New("stripe is not configured")
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(req.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
	}
	params.Context = ctx
	params.AddMetadata("uid", req.UserID)
	params.AddMetadata("minutes", strconv.Itoa(req.Minutes))

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return session.ID, nil
}

// ParsePurchase verifies a webhook delivery. It returns a nil purchase for
// events that do not confirm a paid checkout.
func (c *Client) ParsePurchase(payload []byte, signature string) (*entity.Purchase, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return nil, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, nil
	}

	uid := session.Metadata["uid"]
	if uid == "" {
		uid = session.ClientReferenceID
	}
	minutes, err := strconv.ParseFloat(session.Metadata["minutes"], 64)
	if uid == "" || err != nil || !(minutes > 0) {
		return nil, fmt.Errorf("%w: session %s", ErrInvalidMetadata, session.ID)
	}

	return &entity.Purchase{
		ID:        session.ID,
		UserID:    uid,
		Minutes:   minutes,
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}, nil
}
