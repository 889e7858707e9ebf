package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"ar-collect/internal/events"
	"ar-collect/internal/repo"
	"ar-collect/internal/trace"
)

// RunView is a run with its ordered, display-ready trace.
type RunView struct {
	Run   repo.Run     `json:"run"`
	Trace []trace.Line `json:"trace"`
}

// OpenRun starts a new run for an invoice.
func (s *Service) OpenRun(ctx context.Context, invoiceID string) (*repo.Run, error) {
	if invoiceID == "" {
		return nil, invalidf("invoice id is required")
	}
	if _, err := s.store.GetInvoice(ctx, invoiceID); err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	run := repo.Run{ID: uuid.NewString(), InvoiceID: invoiceID, StartedAt: s.now()}
	if err := s.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &run, nil
}

// AppendTrace records one tool action on a run. Timestamps never go backwards within
// a run; ties keep insertion order through the monotonic id.
func (s *Service) AppendTrace(ctx context.Context, runID string, event trace.Event, status repo.TraceStatus, policyMsg *string) (*repo.TraceItem, error) {
	if runID == "" || event == nil {
		return nil, invalidf("run id and event are required")
	}
	switch status {
	case repo.TraceOK, repo.TraceBlocked, repo.TraceError:
	default:
		return nil, invalidf("unknown trace status %q", status)
	}
	tool, input, output, err := trace.Encode(event)
	if err != nil {
		return nil, invalid(err)
	}

	var item repo.TraceItem
	err = s.store.WithTx(ctx, func(q repo.Queries) error {
		if _, err := q.GetRun(ctx, runID); err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		ts := s.now()
		last, err := q.LastTraceTS(ctx, runID)
		if err != nil {
			return fmt.Errorf("last trace ts: %w", err)
		}
		if last != nil && last.After(ts) {
			ts = *last
		}
		item = repo.TraceItem{
			ID:        traceID(ts),
			RunID:     runID,
			TS:        ts,
			Tool:      tool,
			Input:     input,
			Output:    output,
			Status:    status,
			PolicyMsg: policyMsg,
		}
		return q.InsertTraceItem(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func traceID(ts time.Time) string {
	id, err := ulid.New(ulid.Timestamp(ts), ulid.DefaultEntropy())
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

// record appends a trace item without failing the caller. An empty runID is a no-op.
func (s *Service) record(ctx context.Context, runID string, event trace.Event, status repo.TraceStatus, policyMsg string) {
	if runID == "" {
		return
	}
	var msg *string
	if policyMsg != "" {
		msg = &policyMsg
	}
	if _, err := s.AppendTrace(ctx, runID, event, status, msg); err != nil {
		s.logger.Warn("failed appending trace", "run_id", runID, "tool", event.Tool(), "error", err)
		s.metrics.Error("trace")
	}
}

// EndRun closes a run with an outcome. Ending an already ended run is a precondition failure.
func (s *Service) EndRun(ctx context.Context, runID, outcome string) error {
	if runID == "" {
		return invalidf("run id is required")
	}
	if outcome == "" {
		outcome = "completed"
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if err := s.store.EndRun(ctx, runID, outcome, s.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return precondition(fmt.Errorf("run %s already ended", runID))
		}
		return fmt.Errorf("end run: %w", err)
	}
	s.publish(ctx, events.RunEnded, map[string]string{
		"runId":     runID,
		"invoiceId": run.InvoiceID,
		"outcome":   outcome,
	}, run.InvoiceID)
	return nil
}

// GetActiveRun returns the most recently started run for an invoice with its trace.
func (s *Service) GetActiveRun(ctx context.Context, invoiceID string) (*RunView, error) {
	run, err := s.store.LatestRun(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	items, err := s.store.ListTraceItems(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list trace: %w", err)
	}
	return &RunView{Run: *run, Trace: trace.Lines(items)}, nil
}

// currentRun returns the active run for an invoice, opening one when none is active.
func (s *Service) currentRun(ctx context.Context, invoiceID string) (string, error) {
	run, err := s.store.LatestRun(ctx, invoiceID)
	switch {
	case err == nil && run.Active():
		return run.ID, nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return "", fmt.Errorf("latest run: %w", err)
	}
	opened, err := s.OpenRun(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	return opened.ID, nil
}

// activeRunID returns the active run for an invoice or "" when there is none.
func (s *Service) activeRunID(ctx context.Context, invoiceID string) string {
	if invoiceID == "" {
		return ""
	}
	run, err := s.store.LatestRun(ctx, invoiceID)
	if err != nil || !run.Active() {
		return ""
	}
	return run.ID
}
