// Package agentmail sends outbound collection email through the AgentMail API.
package agentmail

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"ar-collect/internal/metrics"
	"ar-collect/internal/provider"
)

// ErrDeliveryFailed wraps every send failure. Sends are not retried.
var ErrDeliveryFailed = errors.New("agentmail: delivery failed")

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// Config holds mail provider settings.
type Config struct {
	BaseURL string
	APIKey  string
	InboxID string
	Timeout time.Duration
}

// Client sends messages from a single inbox.
type Client struct {
	http       *provider.Client
	inboxID    string
	configured bool
	logger     *slog.Logger
}

// New constructs a mail client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	return &Client{
		http: provider.New(provider.Config{
			Name:    "agentmail",
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
			Auth:    provider.Bearer(cfg.APIKey),
		}, logger, metricRegistry),
		inboxID:    cfg.InboxID,
		configured: cfg.APIKey != "",
		logger:     logger.With("component", "agentmail"),
	}
}

// Message is an outbound email. When HTML is empty it is derived from Text.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// SendResult identifies a delivered message.
type SendResult struct {
	MessageID string
}

type sendBody struct {
	InboxID string   `json:"inbox_id"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

type sendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

// Send delivers msg.
func (c *Client) Send(ctx context.Context, msg Message) (*SendResult, error) {
	if !c.configured {
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, provider.ErrNotConfigured)
	}
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return nil, fmt.Errorf("%w: recipient is empty", ErrDeliveryFailed)
	}

	text, htmlBody := Bodies(msg.Text, msg.HTML)
	var out sendResponse
	err := c.http.PostJSON(ctx, "/v1/inboxes/messages", sendBody{
		InboxID: c.inboxID,
		To:      []string{to},
		Subject: msg.Subject,
		Text:    text,
		HTML:    htmlBody,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	id := out.ID
	if id == "" {
		id = out.MessageID
	}
	c.logger.Info("email sent", "to", to, "message_id", id)
	return &SendResult{MessageID: id}, nil
}

// Bodies returns the plain-text and HTML parts for a message. Content that already
// looks like HTML is stripped for the text part; plain text is escaped into paragraphs.
func Bodies(text, htmlBody string) (string, string) {
	if htmlBody != "" {
		if text == "" {
			text = tagPattern.ReplaceAllString(htmlBody, "")
		}
		return text, htmlBody
	}
	if tagPattern.MatchString(text) {
		return tagPattern.ReplaceAllString(text, ""), text
	}
	var b strings.Builder
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		if para = strings.TrimSpace(para); para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return text, b.String()
}
