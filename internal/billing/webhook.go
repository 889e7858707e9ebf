package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ar-collect/internal/metrics"
)

const (
	signatureHeader  = "Stripe-Signature"
	defaultTolerance = 5 * time.Minute
	maxWebhookBody   = 1 << 20
)

// Checkout event types handled by the service.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
)

var (
	// ErrBadSignature is returned when the signature header does not verify.
	ErrBadSignature = errors.New("billing: invalid webhook signature")
	// ErrStaleSignature is returned when the signed timestamp is outside the tolerance.
	ErrStaleSignature = errors.New("billing: webhook timestamp outside tolerance")
)

// Event is a parsed payment webhook.
type Event struct {
	ID          string
	Type        string
	SessionID   string
	InvoiceID   string
	AmountCents int64
	Status      string
}

// Processor applies payment events.
type Processor interface {
	HandleBillingEvent(ctx context.Context, event Event) error
}

// WebhookHandler verifies signed billing webhooks and forwards events.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	secret    string
	tolerance time.Duration
	processor Processor
	now       func() time.Time
}

// NewWebhookHandler creates a handler. With an empty secret every request is rejected.
func NewWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, secret string, processor Processor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "billing_webhook"),
		metrics:   metricRegistry,
		secret:    secret,
		tolerance: defaultTolerance,
		processor: processor,
		now:       time.Now,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.Error("billing_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := VerifySignature(body, r.Header.Get(signatureHeader), h.secret, h.now(), h.tolerance); err != nil {
		h.metrics.Error("billing_webhook_auth")
		h.logger.Warn("rejected billing webhook", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	event, err := ParseEvent(body)
	if err != nil {
		h.metrics.Error("billing_webhook")
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if h.processor != nil {
		if err := h.processor.HandleBillingEvent(r.Context(), event); err != nil {
			h.logger.Error("failed processing billing event", "error", err, "type", event.Type, "event_id", event.ID)
			h.metrics.Error("billing_webhook_process")
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

// Sign produces a signature header value for payload at ts.
func Sign(payload []byte, secret string, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + computeSignature(payload, secret, unix)
}

// VerifySignature checks a "t=…,v1=…" header against payload. Any v1 entry may match.
func VerifySignature(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	if secret == "" || header == "" {
		return ErrBadSignature
	}
	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = val
		case "v1":
			candidates = append(candidates, val)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return ErrBadSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	signedAt := time.Unix(unix, 0)
	if age := now.Sub(signedAt); age > tolerance || age < -tolerance {
		return ErrStaleSignature
	}

	expected := computeSignature(payload, secret, ts)
	for _, c := range candidates {
		if hmac.Equal([]byte(c), []byte(expected)) {
			return nil
		}
	}
	return ErrBadSignature
}

func computeSignature(payload []byte, secret, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type wireSession struct {
	ID                string            `json:"id"`
	AmountTotal       int64             `json:"amount_total"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type wireEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a webhook body. Checkout session fields are filled for
// checkout.session.* events only.
func ParseEvent(body []byte) (Event, error) {
	var raw wireEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("decode billing event: %w", err)
	}
	if raw.Type == "" {
		return Event{}, fmt.Errorf("decode billing event: missing type")
	}
	evt := Event{ID: raw.ID, Type: raw.Type}
	if !strings.HasPrefix(raw.Type, "checkout.session.") || len(raw.Data.Object) == 0 {
		return evt, nil
	}

	var session wireSession
	if err := json.Unmarshal(raw.Data.Object, &session); err != nil {
		return Event{}, fmt.Errorf("decode checkout session: %w", err)
	}
	evt.SessionID = session.ID
	evt.AmountCents = session.AmountTotal
	evt.Status = session.PaymentStatus
	evt.InvoiceID = session.Metadata["invoice_id"]
	if evt.InvoiceID == "" {
		evt.InvoiceID = session.ClientReferenceID
	}
	return evt, nil
}
