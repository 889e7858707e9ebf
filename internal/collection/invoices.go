package collection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"ar-collect/internal/agentmail"
	"ar-collect/internal/billing"
	"ar-collect/internal/events"
	"ar-collect/internal/invoice"
	"ar-collect/internal/money"
	"ar-collect/internal/repo"
	"ar-collect/internal/trace"
	"ar-collect/internal/vendormem"
)

// ProviderManual marks payments recorded by an operator rather than a billing webhook.
const ProviderManual = "manual"

// StateInput requests an explicit invoice classification.
type StateInput struct {
	InvoiceID   string
	State       string
	PromiseDate string
	Memo        string
}

// UpdateInvoiceState moves an invoice to an operator- or agent-chosen state.
// PromiseToPay also marks the vendor's memory as promise mode.
func (s *Service) UpdateInvoiceState(ctx context.Context, in StateInput) (*repo.Invoice, error) {
	to, err := invoice.ParseState(in.State)
	if err != nil {
		return nil, invalid(err)
	}
	var promise *string
	if d := strings.TrimSpace(in.PromiseDate); d != "" {
		promise = &d
	}

	var (
		inv    *repo.Invoice
		change invoice.Change
	)
	err = s.store.WithTx(ctx, func(q repo.Queries) error {
		var err error
		inv, err = q.GetInvoiceForUpdate(ctx, in.InvoiceID)
		if err != nil {
			return fmt.Errorf("load invoice: %w", err)
		}
		now := s.now()
		change, err = invoice.Transition(inv, to, promise, now)
		if err != nil {
			return invalid(err)
		}
		if memo := strings.TrimSpace(in.Memo); memo != "" {
			inv.Memo = &memo
		}
		if err := q.UpdateInvoice(ctx, *inv); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		if to != repo.StatePromiseToPay {
			return nil
		}
		state, err := q.GetOrCreateVendorState(ctx, inv.UserID, inv.VendorID, now)
		if err != nil {
			return fmt.Errorf("load vendor state: %w", err)
		}
		vendormem.MarkPromise(state, deref(promise), now)
		return q.UpdateVendorState(ctx, *state)
	})
	if err != nil {
		return nil, err
	}

	runID, err := s.currentRun(ctx, inv.ID)
	if err != nil {
		s.logger.Warn("no run for state transition", "invoice_id", inv.ID, "error", err)
	}
	s.afterTransition(ctx, inv, change, runID, false)
	return inv, nil
}

// PaymentInput records money received against an invoice.
type PaymentInput struct {
	InvoiceID   string
	AmountCents int64
	Provider    string
	ProviderRef string
}

// PaymentOutcome describes the effect of a recorded payment.
type PaymentOutcome struct {
	Invoice      *repo.Invoice `json:"invoice"`
	Payment      *repo.Payment `json:"payment"`
	AppliedCents int64         `json:"appliedCents"`
	FullyPaid    bool          `json:"fullyPaid"`
}

// RecordPayment books a succeeded payment. paidCents never exceeds the invoice amount;
// the invoice moves to PartialPaid or Paid and the vendor totals follow.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (*PaymentOutcome, error) {
	if in.AmountCents <= 0 {
		return nil, invalid(invoice.ErrNonPositiveAmount)
	}
	if in.Provider == "" {
		in.Provider = ProviderManual
	}
	if in.ProviderRef == "" {
		in.ProviderRef = uuid.NewString()
	}

	var (
		out    *PaymentOutcome
		change invoice.Change
	)
	err := s.store.WithTx(ctx, func(q repo.Queries) error {
		inv, err := q.GetInvoiceForUpdate(ctx, in.InvoiceID)
		if err != nil {
			return fmt.Errorf("load invoice: %w", err)
		}
		now := s.now()
		res, err := s.applyPayment(ctx, q, inv, in.AmountCents, now)
		if err != nil {
			return err
		}
		payment := repo.Payment{
			ID:          uuid.NewString(),
			InvoiceID:   inv.ID,
			Provider:    in.Provider,
			ProviderRef: in.ProviderRef,
			AmountCents: in.AmountCents,
			Status:      repo.PaymentSucceeded,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := q.InsertPayment(ctx, payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		change = res.Change
		out = &PaymentOutcome{Invoice: inv, Payment: &payment, AppliedCents: res.AppliedCents, FullyPaid: res.FullyPaid}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterPayment(ctx, out.Invoice, change, out.AppliedCents)
	return out, nil
}

// applyPayment updates the invoice and the vendor's memory inside q.
func (s *Service) applyPayment(ctx context.Context, q repo.Queries, inv *repo.Invoice, amountCents int64, now time.Time) (invoice.PaymentResult, error) {
	res, err := invoice.ApplyPayment(inv, amountCents, now)
	if err != nil {
		return res, invalid(err)
	}
	if err := q.UpdateInvoice(ctx, *inv); err != nil {
		return res, fmt.Errorf("update invoice: %w", err)
	}
	if res.AppliedCents == 0 {
		return res, nil
	}
	state, err := q.GetOrCreateVendorState(ctx, inv.UserID, inv.VendorID, now)
	if err != nil {
		return res, fmt.Errorf("load vendor state: %w", err)
	}
	vendormem.RecordPayment(state, res.AppliedCents, res.FullyPaid, now)
	if err := q.UpdateVendorState(ctx, *state); err != nil {
		return res, fmt.Errorf("update vendor state: %w", err)
	}
	return res, nil
}

func (s *Service) afterPayment(ctx context.Context, inv *repo.Invoice, change invoice.Change, appliedCents int64) {
	s.metrics.Payment(string(repo.PaymentSucceeded), appliedCents)
	s.publish(ctx, events.PaymentRecorded, map[string]any{
		"invoiceId":    inv.ID,
		"vendorId":     inv.VendorID,
		"appliedCents": appliedCents,
		"paidCents":    inv.PaidCents,
		"state":        inv.State,
	}, inv.ID)
	s.afterTransition(ctx, inv, change, s.activeRunID(ctx, inv.ID), false)
}

func paymentRank(status repo.PaymentStatus) int {
	switch status {
	case repo.PaymentCreated:
		return 0
	case repo.PaymentSent:
		return 1
	case repo.PaymentSucceeded, repo.PaymentFailed:
		return 2
	default:
		return -1
	}
}

// UpdatePaymentStatus applies a provider-reported status to a payment. Statuses only
// move forward; repeating the current status is a no-op. A succeeded payment is
// applied to its invoice in the same transaction.
func (s *Service) UpdatePaymentStatus(ctx context.Context, provider, providerRef string, status repo.PaymentStatus) (*repo.Payment, error) {
	if paymentRank(status) < 0 {
		return nil, invalidf("unknown payment status %q", status)
	}

	var (
		payment *repo.Payment
		inv     *repo.Invoice
		res     invoice.PaymentResult
		applied bool
	)
	err := s.store.WithTx(ctx, func(q repo.Queries) error {
		var err error
		payment, err = q.GetPaymentByProviderRef(ctx, provider, providerRef)
		if err != nil {
			return fmt.Errorf("load payment: %w", err)
		}
		if payment.Status == status {
			return nil
		}
		if paymentRank(status) <= paymentRank(payment.Status) {
			return precondition(fmt.Errorf("payment %s is already %s", payment.ID, payment.Status))
		}
		now := s.now()
		if err := q.UpdatePaymentStatus(ctx, payment.ID, status, now); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		payment.Status = status
		payment.UpdatedAt = now
		if status != repo.PaymentSucceeded {
			return nil
		}
		inv, err = q.GetInvoiceForUpdate(ctx, payment.InvoiceID)
		if err != nil {
			return fmt.Errorf("load invoice: %w", err)
		}
		res, err = s.applyPayment(ctx, q, inv, payment.AmountCents, now)
		applied = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.afterPayment(ctx, inv, res.Change, res.AppliedCents)
	} else if status == repo.PaymentFailed {
		s.metrics.Payment(string(status), 0)
	}
	return payment, nil
}

// OverdueInvoice is an invoice row in the collection work queue.
type OverdueInvoice struct {
	repo.Invoice
	VendorName       string `json:"vendorName"`
	DaysLate         int    `json:"daysLate"`
	OutstandingCents int64  `json:"outstandingCents"`
}

// GetOverdueInvoices lists a user's invoices in the given states (Overdue when none),
// most days late first.
func (s *Service) GetOverdueInvoices(ctx context.Context, userID string, states []repo.InvoiceState, limit int) ([]OverdueInvoice, error) {
	if userID == "" {
		return nil, invalidf("user id is required")
	}
	if len(states) == 0 {
		states = []repo.InvoiceState{repo.StateOverdue}
	}
	for _, st := range states {
		if _, err := invoice.ParseState(string(st)); err != nil {
			return nil, invalid(err)
		}
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	list, err := s.store.ListInvoices(ctx, repo.InvoiceFilter{UserID: userID, States: states, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	vendors, err := s.store.ListVendors(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}
	names := make(map[string]string, len(vendors))
	for _, v := range vendors {
		names[v.ID] = v.Name
	}

	today := s.now()
	out := make([]OverdueInvoice, 0, len(list))
	for _, inv := range list {
		late, err := invoice.DaysLate(inv.DueDate, today)
		if err != nil {
			s.logger.Warn("invoice has malformed due date", "invoice_id", inv.ID, "due_date", inv.DueDate)
		}
		out = append(out, OverdueInvoice{
			Invoice:          inv,
			VendorName:       names[inv.VendorID],
			DaysLate:         late,
			OutstandingCents: invoice.Outstanding(&inv),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DaysLate > out[j].DaysLate
	})
	return out, nil
}

// LinkInput requests a payment link for an invoice. A zero amount means the
// outstanding balance; an empty email means the vendor's address.
type LinkInput struct {
	InvoiceID   string
	AmountCents int64
	Email       string
}

// LinkResult is a created payment link.
type LinkResult struct {
	URL         string `json:"url"`
	PaymentID   string `json:"paymentId"`
	AmountCents int64  `json:"amountCents"`
	Emailed     bool   `json:"emailed"`
	MessageID   string `json:"messageId,omitempty"`
}

// SendPaymentLink creates a checkout link and emails it to the vendor when an address
// is known. Email delivery failures are logged; the link is still returned.
func (s *Service) SendPaymentLink(ctx context.Context, in LinkInput) (*LinkResult, error) {
	if in.AmountCents < 0 {
		return nil, invalid(invoice.ErrNonPositiveAmount)
	}
	inv, err := s.store.GetInvoice(ctx, in.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	vendor, err := s.store.GetVendor(ctx, inv.VendorID)
	if err != nil {
		return nil, fmt.Errorf("load vendor: %w", err)
	}
	outstanding := invoice.Outstanding(inv)
	if outstanding == 0 {
		return nil, precondition(fmt.Errorf("invoice %s has no outstanding balance", inv.InvoiceNo))
	}
	amount := in.AmountCents
	if amount == 0 || amount > outstanding {
		amount = outstanding
	}
	email := strings.TrimSpace(in.Email)
	if email == "" {
		email = strings.TrimSpace(deref(vendor.ContactEmail))
	}

	runID, err := s.currentRun(ctx, inv.ID)
	if err != nil {
		s.logger.Warn("no run for payment link", "invoice_id", inv.ID, "error", err)
	}
	link, err := s.createLink(ctx, runID, inv, amount, email)
	if err != nil {
		return nil, err
	}

	now := s.now()
	payment := repo.Payment{
		ID:          uuid.NewString(),
		InvoiceID:   inv.ID,
		Provider:    billing.ProviderName,
		ProviderRef: link.ID,
		AmountCents: amount,
		Status:      repo.PaymentCreated,
		URL:         ptr(link.URL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	res := &LinkResult{URL: link.URL, PaymentID: payment.ID, AmountCents: amount}
	if email == "" {
		return res, nil
	}
	sent, err := s.deliver(ctx, runID, paymentLinkMessage(email, s.companyName(ctx, inv.UserID), inv, amount, link.URL))
	if err != nil {
		s.logger.Warn("failed emailing payment link", "invoice_id", inv.ID, "error", err)
		return res, nil
	}
	res.Emailed = true
	res.MessageID = sent.MessageID
	if err := s.store.UpdatePaymentStatus(ctx, payment.ID, repo.PaymentSent, s.now()); err != nil {
		s.logger.Warn("failed marking payment sent", "payment_id", payment.ID, "error", err)
	}
	return res, nil
}

// createLink asks the billing adapter for a checkout link and traces the outcome.
func (s *Service) createLink(ctx context.Context, runID string, inv *repo.Invoice, amountCents int64, email string) (*billing.Link, error) {
	if s.billing == nil {
		return nil, adapterFailure("create payment link", errors.New("billing adapter not configured"))
	}
	link, err := s.billing.CreatePaymentLink(ctx, billing.LinkRequest{
		InvoiceID:   inv.ID,
		InvoiceNo:   inv.InvoiceNo,
		AmountCents: amountCents,
		Email:       email,
		Description: "Invoice " + inv.InvoiceNo,
	})
	if err != nil {
		s.record(ctx, runID, trace.PaymentLink{AmountCents: amountCents}, repo.TraceError, err.Error())
		return nil, adapterFailure("create payment link", err)
	}
	s.record(ctx, runID, trace.PaymentLink{AmountCents: amountCents, URL: link.URL}, repo.TraceOK, "")
	return link, nil
}

func (s *Service) companyName(ctx context.Context, userID string) string {
	if user, err := s.store.GetUser(ctx, userID); err == nil && user.CompanyName != "" {
		return user.CompanyName
	}
	return s.cfg.CompanyName
}

func paymentLinkMessage(to, company string, inv *repo.Invoice, amountCents int64, url string) agentmail.Message {
	text := fmt.Sprintf("Hello,\n\nAs discussed, you can pay %s toward invoice %s using the secure link below:\n\n%s\n\nThank you,\n%s",
		money.FormatUSD(amountCents), inv.InvoiceNo, url, company)
	return agentmail.Message{
		To:      to,
		Subject: fmt.Sprintf("Payment link for invoice %s", inv.InvoiceNo),
		Text:    text,
	}
}
