package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ar-collect/internal/repo"
	"ar-collect/internal/trace"
	"ar-collect/internal/vendormem"
)

// FollowUpInput schedules the next contact with a vendor.
type FollowUpInput struct {
	VendorID    string
	InvoiceID   string
	Date        string
	Reason      string
	ScheduledBy string
}

// ScheduleFollowUp records when the vendor should next be contacted and why.
func (s *Service) ScheduleFollowUp(ctx context.Context, in FollowUpInput) (*repo.VendorState, error) {
	at, err := vendormem.ParseFollowUpDate(in.Date)
	if err != nil {
		return nil, invalid(err)
	}
	if in.ScheduledBy == "" {
		in.ScheduledBy = "operator"
	}
	reason := strings.TrimSpace(in.Reason)

	var state *repo.VendorState
	err = s.store.WithTx(ctx, func(q repo.Queries) error {
		vendor, err := q.GetVendor(ctx, in.VendorID)
		if err != nil {
			return fmt.Errorf("load vendor: %w", err)
		}
		now := s.now()
		state, err = q.GetOrCreateVendorState(ctx, vendor.UserID, vendor.ID, now)
		if err != nil {
			return fmt.Errorf("load vendor state: %w", err)
		}
		vendormem.ScheduleFollowUp(state, at, reason, in.ScheduledBy, now)
		return q.UpdateVendorState(ctx, *state)
	})
	if err != nil {
		return nil, err
	}

	if in.InvoiceID != "" {
		runID, err := s.currentRun(ctx, in.InvoiceID)
		if err != nil {
			s.logger.Warn("no run for follow-up", "invoice_id", in.InvoiceID, "error", err)
		}
		s.record(ctx, runID, trace.FollowUp{At: at, Reason: reason}, repo.TraceOK, "")
	}
	return state, nil
}

// RecordCallOutcome stores how a call ended. The call counts as an attempt only when
// no attempt was recorded for it at placement; otherwise that attempt takes the outcome
// as its result.
func (s *Service) RecordCallOutcome(ctx context.Context, vendorID, outcome, callID string) (*repo.VendorState, error) {
	if strings.TrimSpace(outcome) == "" {
		return nil, invalidf("outcome is required")
	}
	var state *repo.VendorState
	err := s.store.WithTx(ctx, func(q repo.Queries) error {
		vendor, err := q.GetVendor(ctx, vendorID)
		if err != nil {
			return fmt.Errorf("load vendor: %w", err)
		}
		countAttempt := true
		if callID != "" {
			attempt, err := q.GetAttemptByTranscriptRef(ctx, callID)
			switch {
			case err == nil:
				countAttempt = false
				if err := q.UpdateAttemptResult(ctx, attempt.ID, outcome); err != nil {
					return fmt.Errorf("update attempt result: %w", err)
				}
			case !errors.Is(err, repo.ErrNotFound):
				return fmt.Errorf("load attempt: %w", err)
			}
		}
		now := s.now()
		state, err = q.GetOrCreateVendorState(ctx, vendor.UserID, vendor.ID, now)
		if err != nil {
			return fmt.Errorf("load vendor state: %w", err)
		}
		vendormem.RecordCallOutcome(state, outcome, countAttempt, now)
		return q.UpdateVendorState(ctx, *state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ResetWeeklyAttempts zeroes every vendor's weekly attempt counter.
func (s *Service) ResetWeeklyAttempts(ctx context.Context) (int64, error) {
	n, err := s.store.ResetWeeklyAttempts(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("reset weekly attempts: %w", err)
	}
	s.logger.Info("weekly attempts reset", "vendors", n)
	return n, nil
}

// VendorMemory returns a vendor's operational memory and recent attempts.
type VendorMemory struct {
	Vendor   repo.Vendor       `json:"vendor"`
	State    *repo.VendorState `json:"state,omitempty"`
	Attempts []repo.Attempt    `json:"attempts"`
}

// GetVendorMemory loads a vendor with its state and most recent attempts.
func (s *Service) GetVendorMemory(ctx context.Context, vendorID string, limit int) (*VendorMemory, error) {
	vendor, err := s.store.GetVendor(ctx, vendorID)
	if err != nil {
		return nil, fmt.Errorf("load vendor: %w", err)
	}
	state, err := s.store.GetVendorState(ctx, vendorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load vendor state: %w", err)
	}
	if limit <= 0 {
		limit = 20
	}
	attempts, err := s.store.ListAttempts(ctx, vendorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return &VendorMemory{Vendor: *vendor, State: state, Attempts: attempts}, nil
}
