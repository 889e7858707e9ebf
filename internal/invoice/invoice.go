// Package invoice implements the collection state machine for invoices.
package invoice

import (
	"errors"
	"fmt"
	"time"

	"ar-collect/internal/money"
	"ar-collect/internal/repo"
)

// DateLayout is the calendar date format used for due and promise dates.
const DateLayout = "2006-01-02"

var (
	// ErrUnknownState is returned for a state name outside the lifecycle.
	ErrUnknownState = errors.New("unknown invoice state")
	// ErrPaymentDriven is returned when PartialPaid or Paid is requested directly.
	ErrPaymentDriven = errors.New("state is reached only through recorded payments")
	// ErrNonPositiveAmount is returned for payments of zero or less.
	ErrNonPositiveAmount = errors.New("payment amount must be positive")
	// ErrInvalidDate is returned for dates that are not YYYY-MM-DD.
	ErrInvalidDate = errors.New("invalid date")
)

var states = []repo.InvoiceState{
	repo.StateOverdue,
	repo.StateInProgress,
	repo.StatePromiseToPay,
	repo.StatePartialPaid,
	repo.StatePaid,
	repo.StateDispute,
	repo.StateReassign,
	repo.StateCallback,
	repo.StateDNC,
}

// States lists every lifecycle state.
func States() []repo.InvoiceState {
	out := make([]repo.InvoiceState, len(states))
	copy(out, states)
	return out
}

// ParseState validates a state name.
func ParseState(s string) (repo.InvoiceState, error) {
	for _, st := range states {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
}

// IsTerminal reports whether no further collection activity is expected.
func IsTerminal(s repo.InvoiceState) bool {
	return s == repo.StatePaid || s == repo.StateDNC
}

// Change describes a state change applied to an invoice.
type Change struct {
	From repo.InvoiceState
	To   repo.InvoiceState
}

// Changed reports whether the state actually moved.
func (c Change) Changed() bool {
	return c.From != c.To
}

// Outstanding is the unpaid remainder of an invoice.
func Outstanding(inv *repo.Invoice) int64 {
	if inv.PaidCents >= inv.AmountCents {
		return 0
	}
	return inv.AmountCents - inv.PaidCents
}

// Transition moves inv to an operator- or agent-requested state. Payment states are
// rejected because they follow from recorded payments. promiseDate is stored only
// when moving to PromiseToPay.
func Transition(inv *repo.Invoice, to repo.InvoiceState, promiseDate *string, now time.Time) (Change, error) {
	if _, err := ParseState(string(to)); err != nil {
		return Change{}, err
	}
	if to == repo.StatePartialPaid || to == repo.StatePaid {
		return Change{}, fmt.Errorf("%w: %s", ErrPaymentDriven, to)
	}
	if promiseDate != nil {
		if _, err := ParseDate(*promiseDate); err != nil {
			return Change{}, err
		}
	}

	change := Change{From: inv.State, To: to}
	inv.State = to
	if to == repo.StatePromiseToPay && promiseDate != nil {
		d := *promiseDate
		inv.PromiseDate = &d
	}
	inv.LastStateChangeAt = now
	inv.UpdatedAt = now
	return change, nil
}

// PaymentResult is the effect of a succeeded payment on an invoice.
type PaymentResult struct {
	Change
	AppliedCents int64
	FullyPaid    bool
}

// ApplyPayment adds a succeeded payment to inv. paidCents never exceeds amountCents;
// the state becomes Paid once the invoice is covered and PartialPaid otherwise.
func ApplyPayment(inv *repo.Invoice, amountCents int64, now time.Time) (PaymentResult, error) {
	if amountCents <= 0 {
		return PaymentResult{}, ErrNonPositiveAmount
	}

	before := inv.PaidCents
	inv.PaidCents = money.Clamp(inv.PaidCents+amountCents, 0, inv.AmountCents)

	res := PaymentResult{
		Change:       Change{From: inv.State},
		AppliedCents: inv.PaidCents - before,
		FullyPaid:    inv.PaidCents >= inv.AmountCents,
	}
	if res.FullyPaid {
		inv.State = repo.StatePaid
	} else {
		inv.State = repo.StatePartialPaid
	}
	res.To = inv.State
	inv.LastStateChangeAt = now
	inv.UpdatedAt = now
	return res, nil
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t, nil
}

// DaysLate is the number of whole days today is past the due date; negative when
// the invoice is not yet due.
func DaysLate(dueDate string, today time.Time) (int, error) {
	due, err := ParseDate(dueDate)
	if err != nil {
		return 0, err
	}
	y, m, d := today.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(day.Sub(due).Hours() / 24), nil
}

// InitialState is the state assigned at import time.
func InitialState(dueDate string, today time.Time) (repo.InvoiceState, error) {
	late, err := DaysLate(dueDate, today)
	if err != nil {
		return "", err
	}
	if late > 0 {
		return repo.StateOverdue, nil
	}
	return repo.StateInProgress, nil
}

// MinPartialCents is the smallest partial payment acceptable for an invoice amount:
// floor(amount * max(globalBps, vendorBps) / 10000).
func MinPartialCents(amountCents, globalBps int64, vendorBps *int64) int64 {
	bps := globalBps
	if vendorBps != nil && *vendorBps > bps {
		bps = *vendorBps
	}
	return money.ApplyBps(amountCents, bps)
}
