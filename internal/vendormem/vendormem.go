// Package vendormem applies collection events to a vendor's operational memory.
//
// Every function mutates the VendorState in place and stamps UpdatedAt; callers load
// the row with Queries.GetOrCreateVendorState and persist it within the same transaction.
package vendormem

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ar-collect/internal/repo"
)

// ErrInvalidDate is returned when a follow-up date cannot be parsed.
var ErrInvalidDate = errors.New("invalid follow-up date")

// RecordAttempt counts a contact attempt.
func RecordAttempt(s *repo.VendorState, now time.Time) {
	s.AttemptsThisWeek++
	t := now
	s.LastAttemptAt = &t
	s.UpdatedAt = now
}

// RecordCallOutcome stores the outcome of a finished call. countAttempt is set when
// no attempt was recorded for the call when it was placed.
func RecordCallOutcome(s *repo.VendorState, outcome string, countAttempt bool, now time.Time) {
	if countAttempt {
		s.AttemptsThisWeek++
	}
	o := outcome
	s.LastOutcome = &o
	t := now
	s.LastAttemptAt = &t
	s.UpdatedAt = now
}

// RecordPayment books a succeeded payment against the vendor totals. Payments that
// applied nothing leave the memory untouched.
func RecordPayment(s *repo.VendorState, amountCents int64, fullyPaid bool, now time.Time) {
	if amountCents <= 0 {
		return
	}
	amount := amountCents
	s.LastPaidAmountCents = &amount
	t := now
	s.LastPaidAt = &t
	s.TotalRecoveredCents += amountCents
	s.TotalOutstandingCents -= amountCents
	if s.TotalOutstandingCents < 0 {
		s.TotalOutstandingCents = 0
	}
	mode := repo.ModePartialToday
	if fullyPaid {
		mode = repo.ModeFullToday
	}
	s.HistoricalMode = &mode
	s.UpdatedAt = now
}

// MarkPromise remembers a payment commitment. promiseDate may be empty when no
// date was given. The last call outcome is left as recorded.
func MarkPromise(s *repo.VendorState, promiseDate string, now time.Time) {
	if promiseDate != "" {
		d := promiseDate
		s.LastPromiseDate = &d
	}
	mode := repo.ModePromise
	s.HistoricalMode = &mode
	s.UpdatedAt = now
}

// ScheduleFollowUp sets the next follow-up instant. The reason doubles as the
// vendor's last outcome.
func ScheduleFollowUp(s *repo.VendorState, at time.Time, reason, scheduledBy string, now time.Time) {
	t := at
	s.NextFollowUpAt = &t
	if reason != "" {
		r := reason
		s.FollowUpReason = &r
		s.LastOutcome = &r
	} else {
		s.FollowUpReason = nil
	}
	by := scheduledBy
	s.ScheduledBy = &by
	s.UpdatedAt = now
}

// AddOutstanding grows the vendor's outstanding total, used when invoices are imported.
func AddOutstanding(s *repo.VendorState, cents int64, now time.Time) {
	s.TotalOutstandingCents += cents
	s.UpdatedAt = now
}

// ResetWeek clears the weekly attempt counter.
func ResetWeek(s *repo.VendorState, now time.Time) {
	s.AttemptsThisWeek = 0
	s.UpdatedAt = now
}

// ParseFollowUpDate accepts RFC 3339 timestamps or YYYY-MM-DD dates (midnight UTC).
func ParseFollowUpDate(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
}
