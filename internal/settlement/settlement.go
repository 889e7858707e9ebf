// Package settlement computes negotiated settlement quotes in integer cents.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"ar-collect/internal/invoice"
	"ar-collect/internal/money"
	"ar-collect/internal/repo"
)

var (
	// ErrAlreadyAccepted is returned when an accepted proposal is changed or accepted again.
	ErrAlreadyAccepted = errors.New("proposal already accepted")
	// ErrBelowMinimum is returned when accepting a proposal under the minimum.
	ErrBelowMinimum = errors.New("proposal below minimum acceptable amount")
)

// Quote is the evaluated form of a proposed payment.
type Quote struct {
	OutstandingCents    int64 `json:"outstandingCents"`
	ProposedCents       int64 `json:"proposedCents"`
	DiscountBps         int64 `json:"discountBps"`
	DiscountAmountCents int64 `json:"discountAmountCents"`
	FinalCents          int64 `json:"finalCents"`
	MinAcceptableCents  int64 `json:"minAcceptableCents"`
	IsFullPayment       bool  `json:"isFullPayment"`
	MeetsMinimum        bool  `json:"meetsMinimum"`
}

// Compute clamps the proposal into [0, outstanding] and applies the full-payment
// discount. The discount only applies when the whole outstanding amount is proposed.
func Compute(outstandingCents, proposedCents, discountBps, minAcceptableCents int64) Quote {
	if outstandingCents < 0 {
		outstandingCents = 0
	}
	proposed := money.Clamp(proposedCents, 0, outstandingCents)
	q := Quote{
		OutstandingCents:   outstandingCents,
		ProposedCents:      proposed,
		DiscountBps:        discountBps,
		MinAcceptableCents: minAcceptableCents,
		IsFullPayment:      proposed == outstandingCents,
		MeetsMinimum:       proposed >= minAcceptableCents,
	}
	if q.IsFullPayment {
		q.DiscountAmountCents = money.ApplyBps(proposed, discountBps)
	}
	q.FinalCents = proposed - q.DiscountAmountCents
	return q
}

// MinAcceptable derives the minimum acceptable payment for an invoice, never more
// than what is still outstanding.
func MinAcceptable(amountCents, outstandingCents, globalBps int64, vendorBps *int64) int64 {
	if outstandingCents <= 0 {
		return 0
	}
	floor := invoice.MinPartialCents(amountCents, globalBps, vendorBps)
	if floor > outstandingCents {
		return outstandingCents
	}
	return floor
}

// Apply copies q onto p. Accepted proposals are immutable.
func Apply(p *repo.SettlementProposal, q Quote, now time.Time) error {
	if p.Accepted {
		return ErrAlreadyAccepted
	}
	p.OutstandingCents = q.OutstandingCents
	p.ProposedCents = q.ProposedCents
	p.DiscountBps = q.DiscountBps
	p.SavingsCents = q.DiscountAmountCents
	p.FinalCents = q.FinalCents
	p.MinAcceptableCents = q.MinAcceptableCents
	p.MeetsMinimum = q.MeetsMinimum
	p.UpdatedAt = now
	return nil
}

// CheckAcceptable reports why p cannot be accepted, if anything.
func CheckAcceptable(p *repo.SettlementProposal) error {
	if p.Accepted {
		return ErrAlreadyAccepted
	}
	if !p.MeetsMinimum {
		return fmt.Errorf("%w: proposed %s, minimum %s", ErrBelowMinimum,
			money.FormatUSD(p.ProposedCents), money.FormatUSD(p.MinAcceptableCents))
	}
	return nil
}

// Option is one payment arrangement the voice agent may offer.
type Option struct {
	Kind             string `json:"kind"`
	Description      string `json:"description"`
	TodayCents       int64  `json:"todayCents"`
	TotalCents       int64  `json:"totalCents"`
	Installments     int    `json:"installments,omitempty"`
	InstallmentCents int64  `json:"installmentCents,omitempty"`
}

// PaymentOptions lists the arrangements available for an outstanding balance.
// Installment plans put any remainder on the final installment.
func PaymentOptions(outstandingCents, discountBps, minAcceptableCents int64, maxInstallments int) []Option {
	if outstandingCents <= 0 {
		return nil
	}
	var opts []Option

	if discountBps > 0 {
		q := Compute(outstandingCents, outstandingCents, discountBps, 0)
		opts = append(opts, Option{
			Kind:        "full_today_discounted",
			Description: fmt.Sprintf("Pay %s today and save %s", money.FormatUSD(q.FinalCents), money.FormatUSD(q.DiscountAmountCents)),
			TodayCents:  q.FinalCents,
			TotalCents:  q.FinalCents,
		})
	}

	opts = append(opts, Option{
		Kind:        "full_today",
		Description: fmt.Sprintf("Pay the full %s today", money.FormatUSD(outstandingCents)),
		TodayCents:  outstandingCents,
		TotalCents:  outstandingCents,
	})

	if minAcceptableCents > 0 && minAcceptableCents < outstandingCents {
		opts = append(opts, Option{
			Kind:        "partial_today",
			Description: fmt.Sprintf("Pay at least %s today and schedule the rest", money.FormatUSD(minAcceptableCents)),
			TodayCents:  minAcceptableCents,
			TotalCents:  outstandingCents,
		})
	}

	for n := 2; n <= maxInstallments; n++ {
		each := outstandingCents / int64(n)
		if each == 0 {
			break
		}
		last := outstandingCents - each*int64(n-1)
		opts = append(opts, Option{
			Kind:             "installments",
			Description:      fmt.Sprintf("%d payments of %s (final %s)", n, money.FormatUSD(each), money.FormatUSD(last)),
			TodayCents:       each,
			TotalCents:       outstandingCents,
			Installments:     n,
			InstallmentCents: each,
		})
	}
	return opts
}
