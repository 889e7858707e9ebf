package collection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ar-collect/internal/invoice"
	"ar-collect/internal/repo"
)

// InvoiceMetrics summarises a user's collection queue. Paid counts invoices that
// received any payment; TotalOutstandingCents is the unpaid balance of Overdue invoices.
type InvoiceMetrics struct {
	UserID                string `json:"userId"`
	Overdue               int    `json:"overdue"`
	InProgress            int    `json:"inProgress"`
	Paid                  int    `json:"paid"`
	TotalOutstandingCents int64  `json:"totalOutstandingCents"`
}

// InvoiceMetrics counts a user's invoices by collection stage.
func (s *Service) InvoiceMetrics(ctx context.Context, userID string) (*InvoiceMetrics, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalidf("user id is required")
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	invoices, err := s.store.ListInvoices(ctx, repo.InvoiceFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return tally(userID, invoices), nil
}

// AllInvoiceMetrics reports InvoiceMetrics for every user.
func (s *Service) AllInvoiceMetrics(ctx context.Context) ([]InvoiceMetrics, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]InvoiceMetrics, 0, len(users))
	for _, u := range users {
		invoices, err := s.store.ListInvoices(ctx, repo.InvoiceFilter{UserID: u.ID})
		if err != nil {
			return nil, fmt.Errorf("list invoices for %s: %w", u.ID, err)
		}
		out = append(out, *tally(u.ID, invoices))
	}
	return out, nil
}

func tally(userID string, invoices []repo.Invoice) *InvoiceMetrics {
	m := &InvoiceMetrics{UserID: userID}
	for i := range invoices {
		inv := &invoices[i]
		switch inv.State {
		case repo.StateOverdue:
			m.Overdue++
			m.TotalOutstandingCents += invoice.Outstanding(inv)
		case repo.StateInProgress:
			m.InProgress++
		case repo.StatePaid, repo.StatePartialPaid:
			m.Paid++
		}
	}
	return m
}

// PaymentSummary is the payment position of one invoice.
type PaymentSummary struct {
	InvoiceID      string         `json:"invoiceId"`
	TotalPaidCents int64          `json:"totalPaidCents"`
	Pending        []repo.Payment `json:"pendingPayments"`
	LastPaymentAt  *time.Time     `json:"lastPaymentAt,omitempty"`
}

// PaymentStatus sums succeeded payments and lists links still awaiting payment.
func (s *Service) PaymentStatus(ctx context.Context, invoiceID string) (*PaymentSummary, error) {
	if _, err := s.store.GetInvoice(ctx, invoiceID); err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	payments, err := s.store.ListPayments(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	out := &PaymentSummary{InvoiceID: invoiceID, Pending: []repo.Payment{}}
	for _, p := range payments {
		switch p.Status {
		case repo.PaymentSucceeded:
			out.TotalPaidCents += p.AmountCents
		case repo.PaymentCreated, repo.PaymentSent:
			out.Pending = append(out.Pending, p)
		}
		if out.LastPaymentAt == nil || p.CreatedAt.After(*out.LastPaymentAt) {
			at := p.CreatedAt
			out.LastPaymentAt = &at
		}
	}
	return out, nil
}

// LiveTranscript returns the utterances captured so far for a call, oldest first.
func (s *Service) LiveTranscript(ctx context.Context, callID string) ([]repo.CallTranscript, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, invalidf("call id is required")
	}
	lines, err := s.store.ListTranscripts(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	if lines == nil {
		lines = []repo.CallTranscript{}
	}
	return lines, nil
}
