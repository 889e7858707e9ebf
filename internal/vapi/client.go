// Package vapi places outbound voice calls and receives voice provider webhooks.
package vapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ar-collect/internal/metrics"
	"ar-collect/internal/provider"
)

// ErrNoPhone is returned when a call is requested without a destination number.
var ErrNoPhone = errors.New("vapi: destination phone is empty")

// Config holds voice provider credentials.
type Config struct {
	BaseURL       string
	APIKey        string
	AssistantID   string
	PhoneNumberID string
	Timeout       time.Duration
}

// Client places calls through the voice provider REST API.
type Client struct {
	http          *provider.Client
	assistantID   string
	phoneNumberID string
	configured    bool
}

// New constructs a voice client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	return &Client{
		http: provider.New(provider.Config{
			Name:    "vapi",
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
			Auth:    provider.Bearer(cfg.APIKey),
		}, logger, metricRegistry),
		assistantID:   cfg.AssistantID,
		phoneNumberID: cfg.PhoneNumberID,
		configured:    cfg.APIKey != "",
	}
}

// CallRequest describes one outbound collection call.
type CallRequest struct {
	Phone        string
	CustomerName string
	VendorID     string
	InvoiceID    string
	Variables    map[string]any
}

// Call is the provider's view of a placed call.
type Call struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type callCustomer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type callOverrides struct {
	VariableValues map[string]any `json:"variableValues,omitempty"`
}

type callMetadata struct {
	VendorID  string `json:"vendorId"`
	InvoiceID string `json:"invoiceId,omitempty"`
}

type callBody struct {
	AssistantID        string        `json:"assistantId"`
	PhoneNumberID      string        `json:"phoneNumberId"`
	Customer           callCustomer  `json:"customer"`
	AssistantOverrides callOverrides `json:"assistantOverrides"`
	Metadata           callMetadata  `json:"metadata"`
}

// PlaceCall starts an outbound call. The vendor and invoice ids ride along as call
// metadata so that webhooks can be correlated back.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	if !c.configured {
		return nil, fmt.Errorf("vapi: %w", provider.ErrNotConfigured)
	}
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		return nil, ErrNoPhone
	}

	body := callBody{
		AssistantID:        c.assistantID,
		PhoneNumberID:      c.phoneNumberID,
		Customer:           callCustomer{Number: phone, Name: req.CustomerName},
		AssistantOverrides: callOverrides{VariableValues: req.Variables},
		Metadata:           callMetadata{VendorID: req.VendorID, InvoiceID: req.InvoiceID},
	}

	var out Call
	if err := c.http.PostJSON(ctx, "/call", body, &out); err != nil {
		return nil, fmt.Errorf("place call: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("place call: response missing call id")
	}
	return &out, nil
}
