// Package billing creates hosted payment links and verifies payment webhooks.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"ar-collect/internal/metrics"
	"ar-collect/internal/provider"
)

// ProviderName is recorded on payments created through this adapter.
const ProviderName = "stripe"

// ErrNotConfigured is returned when no secret key is set.
var ErrNotConfigured = provider.ErrNotConfigured

// ErrInvalidAmount is returned for non-positive link amounts.
var ErrInvalidAmount = errors.New("billing: amount must be positive")

// Config holds checkout settings.
type Config struct {
	BaseURL    string
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Currency   string
	Timeout    time.Duration
}

// Client creates checkout sessions.
type Client struct {
	http       *provider.Client
	successURL string
	cancelURL  string
	currency   string
	configured bool
}

// New constructs a billing client. Checkout uses the secret key as the basic-auth user.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}
	return &Client{
		http: provider.New(provider.Config{
			Name:    "billing",
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
			Auth:    provider.Basic(cfg.SecretKey, ""),
		}, logger, metricRegistry),
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		currency:   currency,
		configured: cfg.SecretKey != "",
	}
}

// LinkRequest describes a payment to collect.
type LinkRequest struct {
	InvoiceID   string
	InvoiceNo   string
	AmountCents int64
	Email       string
	Description string
}

// Link is a created hosted payment page.
type Link struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreatePaymentLink opens a checkout session for a single line item.
func (c *Client) CreatePaymentLink(ctx context.Context, req LinkRequest) (*Link, error) {
	if !c.configured {
		return nil, fmt.Errorf("billing: %w", ErrNotConfigured)
	}
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	name := "Invoice " + req.InvoiceNo
	if req.InvoiceNo == "" {
		name = "Invoice payment"
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", c.currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", name)
	if req.Description != "" {
		form.Set("line_items[0][price_data][product_data][description]", req.Description)
	}
	form.Set("metadata[invoice_id]", req.InvoiceID)
	form.Set("client_reference_id", req.InvoiceID)
	if req.Email != "" {
		form.Set("customer_email", req.Email)
	}
	if c.successURL != "" {
		form.Set("success_url", c.successURL)
	}
	if c.cancelURL != "" {
		form.Set("cancel_url", c.cancelURL)
	}

	var out Link
	if err := c.http.PostForm(ctx, "/v1/checkout/sessions", form, &out); err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if out.ID == "" || out.URL == "" {
		return nil, fmt.Errorf("create checkout session: response missing id or url")
	}
	return &out, nil
}
