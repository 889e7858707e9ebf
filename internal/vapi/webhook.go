package vapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ar-collect/internal/metrics"
)

const maxWebhookBody = 1 << 20

// Processor handles parsed voice events. A non-nil result is returned to the
// provider as the function or tool result.
type Processor interface {
	HandleVoiceEvent(ctx context.Context, event Event) (any, error)
}

// WebhookHandler authenticates voice provider webhooks and forwards parsed events.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	secret    string
	processor Processor
	now       func() time.Time
}

// NewWebhookHandler creates a webhook handler. An empty secret or "none" disables
// signature checks.
func NewWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, secret string, processor Processor) *WebhookHandler {
	secret = strings.TrimSpace(secret)
	if secret == "none" {
		secret = ""
	}
	return &WebhookHandler{
		logger:    logger.With("component", "vapi_webhook"),
		metrics:   metricRegistry,
		secret:    secret,
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

	if !h.authorized(r) {
		h.metrics.Error("vapi_webhook_auth")
		h.logger.Warn("rejected webhook with bad signature")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.Error("vapi_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	event, err := ParseEvent(body, h.now().UTC())
	if err != nil {
		h.metrics.Error("vapi_webhook")
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if event.Type == "" {
		h.logger.Debug("webhook without message type")
		w.WriteHeader(http.StatusOK)
		return
	}

	h.metrics.VoiceEvent(event.Type)
	h.logger.Debug("voice event", "type", event.Type, "call_id", event.CallID)

	if h.processor == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	result, err := h.processor.HandleVoiceEvent(r.Context(), event)
	if err != nil {
		h.logger.Error("failed processing voice event", "error", err, "type", event.Type, "call_id", event.CallID)
		h.metrics.Error("vapi_webhook_process")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	key := "result"
	if event.Type == EventToolCalls {
		key = "results"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{key: result}); err != nil {
		h.logger.Warn("failed writing webhook response", "error", err)
	}
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	sig := strings.TrimSpace(r.Header.Get("X-Vapi-Signature"))
	if sig == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(h.secret)) == 1
}
