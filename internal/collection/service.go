// Package collection is the collection API: it owns transaction boundaries and
// orchestrates guardrails, invoice state, vendor memory, settlement and the audit
// trail around the provider adapters.
package collection

import (
	"context"
	"log/slog"
	"time"

	"ar-collect/internal/agentmail"
	"ar-collect/internal/billing"
	"ar-collect/internal/events"
	"ar-collect/internal/extract"
	"ar-collect/internal/metrics"
	"ar-collect/internal/repo"
	"ar-collect/internal/vapi"
)

// VoiceCaller places outbound calls.
type VoiceCaller interface {
	PlaceCall(ctx context.Context, req vapi.CallRequest) (*vapi.Call, error)
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg agentmail.Message) (*agentmail.SendResult, error)
}

// LinkCreator creates hosted payment links.
type LinkCreator interface {
	CreatePaymentLink(ctx context.Context, req billing.LinkRequest) (*billing.Link, error)
}

// AmountExtractor reads a promised amount out of a transcript.
type AmountExtractor interface {
	ExtractAmount(ctx context.Context, transcript string) (extract.Result, error)
}

// Broadcaster pushes live proposal views to portal subscribers.
type Broadcaster interface {
	PublishSettlement(ctx context.Context, callID string, view any) error
}

// Dependencies are the collaborators of a Service. Nil adapters make the
// corresponding operations fail with ErrAdapterFailure; nil Events and Broadcast
// are skipped.
type Dependencies struct {
	Voice     VoiceCaller
	Mail      Mailer
	Billing   LinkCreator
	Extractor AmountExtractor
	Broadcast Broadcaster
	Events    events.Publisher
}

// Config holds negotiation and messaging defaults.
type Config struct {
	DefaultMinPctBps int64
	MaxInstallments  int
	PortalURL        string
	CompanyName      string
}

// Service implements the collection operations.
type Service struct {
	store     repo.Store
	voice     VoiceCaller
	mail      Mailer
	billing   LinkCreator
	extractor AmountExtractor
	broadcast Broadcaster
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// New constructs a Service.
func New(store repo.Store, deps Dependencies, metricRegistry *metrics.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.DefaultMinPctBps <= 0 {
		cfg.DefaultMinPctBps = 4000
	}
	if cfg.MaxInstallments <= 0 {
		cfg.MaxInstallments = 3
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NewNoop(logger)
	}
	return &Service{
		store:     store,
		voice:     deps.Voice,
		mail:      deps.Mail,
		billing:   deps.Billing,
		extractor: deps.Extractor,
		broadcast: deps.Broadcast,
		events:    publisher,
		metrics:   metricRegistry,
		logger:    logger.With("component", "collection"),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// publish emits a domain event after commit. Failures are logged only.
func (s *Service) publish(ctx context.Context, key string, data any, correlationID string) {
	if err := s.events.Publish(ctx, key, events.NewEnvelope(key, data, correlationID)); err != nil {
		s.logger.Warn("failed publishing event", "key", key, "error", err)
		s.metrics.Error("events")
	}
}

func ptr[T any](v T) *T {
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
