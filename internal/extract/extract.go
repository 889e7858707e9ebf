// Package extract pulls a promised payment amount out of a call transcript.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"ar-collect/internal/metrics"
	"ar-collect/internal/money"
)

// Confidence levels reported with a result.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Result is an extracted commitment. AmountCents is nil when no amount was found.
type Result struct {
	AmountCents *int64 `json:"amountCents"`
	AmountText  string `json:"amountText,omitempty"`
	Confidence  string `json:"confidence"`
}

var errEmptyResponse = errors.New("extract: model returned no content")

var fallbackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:i can pay|i'll pay|pay)\s*\$?\s?([\d,]+(?:\.\d{2})?)\s*(?:dollars?|today)?`),
	regexp.MustCompile(`(?i)(?:agree to pay|agreed to pay)\s*\$?\s?([\d,]+(?:\.\d{2})?)`),
	regexp.MustCompile(`(?i)\$?\s?([\d,]+(?:\.\d{2})?)\s*(?:dollars?)?\s*(?:today|as the first|as first)`),
}

const promptTemplate = `Analyze this call transcript and extract the payment amount that the person who was called agreed to pay.

Transcript:
%s

Focus on what the customer committed to. If several amounts are mentioned prefer the final agreed one.
Respond with JSON only:
{"amount": <amount in cents or null>, "amountText": "<exact quote or null>", "confidence": "high|medium|low"}`

type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Config holds model settings. An empty APIKey selects the pattern fallback only.
type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client extracts amounts with Gemini and falls back to pattern matching.
type Client struct {
	model   generator
	closer  func() error
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds an extractor. Without an API key no model client is created.
func New(ctx context.Context, cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) (*Client, error) {
	c := &Client{
		timeout: cfg.Timeout,
		metrics: metricRegistry,
		logger:  logger.With("component", "extract"),
		closer:  func() error { return nil },
	}
	if c.timeout <= 0 {
		c.timeout = 20 * time.Second
	}
	if cfg.APIKey == "" {
		return c, nil
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	name := cfg.Model
	if name == "" {
		name = "gemini-1.5-flash"
	}
	model := client.GenerativeModel(name)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.1)

	c.model = model
	c.closer = client.Close
	return c, nil
}

// Close releases the model client.
func (c *Client) Close() error {
	return c.closer()
}

// ExtractAmount returns the amount the customer committed to. Model failures degrade
// to the pattern fallback and are never returned.
func (c *Client) ExtractAmount(ctx context.Context, transcript string) (Result, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Result{Confidence: ConfidenceLow}, nil
	}
	if c.model == nil {
		return Fallback(transcript), nil
	}

	res, err := c.generate(ctx, transcript)
	if err != nil {
		c.logger.Warn("model extraction failed, using fallback", "error", err)
		c.metrics.Error("extract")
		return Fallback(transcript), nil
	}
	return res, nil
}

type modelAnswer struct {
	Amount     *float64 `json:"amount"`
	AmountText *string  `json:"amountText"`
	Confidence string   `json:"confidence"`
}

func (c *Client) generate(ctx context.Context, transcript string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, genai.Text(fmt.Sprintf(promptTemplate, transcript)))
	status := 200
	if err != nil {
		status = 0
	}
	c.metrics.ObserveAdapter("gemini", status, time.Since(start))
	if err != nil {
		return Result{}, fmt.Errorf("generate content: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return Result{}, errEmptyResponse
	}
	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return Result{}, errEmptyResponse
	}

	var answer modelAnswer
	clean := strings.Trim(string(text), "```json \n")
	if err := json.Unmarshal([]byte(clean), &answer); err != nil {
		return Result{}, fmt.Errorf("decode model answer: %w", err)
	}

	out := Result{Confidence: normalizeConfidence(answer.Confidence)}
	if answer.AmountText != nil {
		out.AmountText = *answer.AmountText
	}
	if answer.Amount != nil && *answer.Amount > 0 {
		cents := int64(*answer.Amount)
		out.AmountCents = &cents
	}
	return out, nil
}

// Fallback scans transcript for common commitment phrasings.
func Fallback(transcript string) Result {
	for _, pattern := range fallbackPatterns {
		m := pattern.FindStringSubmatch(transcript)
		if len(m) < 2 {
			continue
		}
		cents, err := money.ParseCents(m[1])
		if err != nil || cents <= 0 {
			continue
		}
		return Result{AmountCents: &cents, AmountText: strings.TrimSpace(m[0]), Confidence: ConfidenceLow}
	}
	return Result{Confidence: ConfidenceLow}
}

func normalizeConfidence(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceMedium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
