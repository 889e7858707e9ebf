package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ar-collect/internal/agentmail"
	"ar-collect/internal/events"
	"ar-collect/internal/guardrail"
	"ar-collect/internal/invoice"
	"ar-collect/internal/money"
	"ar-collect/internal/repo"
	"ar-collect/internal/trace"
	"ar-collect/internal/vapi"
	"ar-collect/internal/vendormem"
)

// Skip reasons reported by StartFollowUps.
const (
	SkipMissing  = "missing"
	SkipTerminal = "terminal"
)

// contactContext is everything the guardrail and adapters need about one invoice.
type contactContext struct {
	invoice *repo.Invoice
	vendor  *repo.Vendor
	user    *repo.AppUser
	state   *repo.VendorState
}

func (s *Service) loadContact(ctx context.Context, q repo.Queries, invoiceID string) (*contactContext, error) {
	inv, err := q.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	vendor, err := q.GetVendor(ctx, inv.VendorID)
	if err != nil {
		return nil, fmt.Errorf("load vendor: %w", err)
	}
	user, err := q.GetUser(ctx, inv.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	state, err := q.GetVendorState(ctx, vendor.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load vendor state: %w", err)
	}
	return &contactContext{invoice: inv, vendor: vendor, user: user, state: state}, nil
}

func (s *Service) decide(c *contactContext) guardrail.Decision {
	d := guardrail.Evaluate(c.user, c.vendor, c.state, s.now())
	s.metrics.Decision(string(d.Rule))
	return d
}

// CanContact evaluates the contact policy for a vendor right now. Missing records
// produce a blocked decision rather than an error.
func (s *Service) CanContact(ctx context.Context, vendorID string) (guardrail.Decision, error) {
	var (
		user  *repo.AppUser
		state *repo.VendorState
	)
	vendor, err := s.store.GetVendor(ctx, vendorID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		vendor = nil
	case err != nil:
		return guardrail.Decision{}, fmt.Errorf("load vendor: %w", err)
	}
	if vendor != nil {
		user, err = s.store.GetUser(ctx, vendor.UserID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return guardrail.Decision{}, fmt.Errorf("load user: %w", err)
		}
		state, err = s.store.GetVendorState(ctx, vendor.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return guardrail.Decision{}, fmt.Errorf("load vendor state: %w", err)
		}
	}
	return s.decide(&contactContext{vendor: vendor, user: user, state: state}), nil
}

// FollowUpResult is the per-invoice outcome of StartFollowUps.
type FollowUpResult struct {
	InvoiceID string `json:"invoiceId"`
	RunID     string `json:"runId,omitempty"`
	Skipped   string `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FollowUpBatch summarizes a StartFollowUps call.
type FollowUpBatch struct {
	Queued  int              `json:"queued"`
	Results []FollowUpResult `json:"results"`
}

// StartFollowUps opens a run for each invoice and moves Overdue invoices to
// InProgress. Items are independent: a failure on one does not stop the others.
func (s *Service) StartFollowUps(ctx context.Context, invoiceIDs []string) (*FollowUpBatch, error) {
	batch := &FollowUpBatch{Results: make([]FollowUpResult, 0, len(invoiceIDs))}
	for _, id := range invoiceIDs {
		res := s.startFollowUp(ctx, id)
		if res.RunID != "" {
			batch.Queued++
		}
		batch.Results = append(batch.Results, res)
	}
	return batch, nil
}

func (s *Service) startFollowUp(ctx context.Context, invoiceID string) FollowUpResult {
	res := FollowUpResult{InvoiceID: invoiceID}
	var (
		change invoice.Change
		inv    *repo.Invoice
	)
	run := repo.Run{ID: uuid.NewString(), InvoiceID: invoiceID}

	err := s.store.WithTx(ctx, func(q repo.Queries) error {
		var err error
		inv, err = q.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.IsTerminal(inv.State) {
			return errTerminal
		}
		now := s.now()
		run.StartedAt = now
		if err := q.InsertRun(ctx, run); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		change = invoice.Change{From: inv.State, To: inv.State}
		if inv.State == repo.StateOverdue {
			if change, err = invoice.Transition(inv, repo.StateInProgress, nil, now); err != nil {
				return err
			}
			if err := q.UpdateInvoice(ctx, *inv); err != nil {
				return fmt.Errorf("update invoice: %w", err)
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, repo.ErrNotFound):
		res.Skipped = SkipMissing
		return res
	case errors.Is(err, errTerminal):
		res.Skipped = SkipTerminal
		return res
	case err != nil:
		s.logger.Warn("start follow-up failed", "invoice_id", invoiceID, "error", err)
		res.Error = err.Error()
		return res
	}

	res.RunID = run.ID
	s.afterTransition(ctx, inv, change, run.ID, true)
	return res
}

var errTerminal = errors.New("invoice is in a terminal state")

// afterTransition records the audit trail and events for a committed state change.
func (s *Service) afterTransition(ctx context.Context, inv *repo.Invoice, change invoice.Change, runID string, queued bool) {
	s.record(ctx, runID, trace.StateTransition{Prev: change.From, New: change.To, Queued: queued}, repo.TraceOK, "")
	if !change.Changed() {
		return
	}
	s.metrics.Transition(string(change.From), string(change.To))
	s.publish(ctx, events.InvoiceStateChanged, map[string]any{
		"invoiceId": inv.ID,
		"vendorId":  inv.VendorID,
		"from":      change.From,
		"to":        change.To,
		"paidCents": inv.PaidCents,
	}, inv.ID)
}

// AttemptInput describes a contact attempt made outside PlaceCall and SendEmail.
type AttemptInput struct {
	VendorID      string
	InvoiceID     string
	Channel       repo.Channel
	Result        string
	TranscriptRef string
	CreatedBy     string
}

// RecordAttempt stores an attempt and counts it against the vendor's weekly cap.
func (s *Service) RecordAttempt(ctx context.Context, in AttemptInput) (*repo.Attempt, error) {
	if in.VendorID == "" {
		return nil, invalidf("vendor id is required")
	}
	if in.Channel != repo.ChannelVoice && in.Channel != repo.ChannelEmail {
		return nil, invalidf("unknown channel %q", in.Channel)
	}
	var out *repo.Attempt
	err := s.store.WithTx(ctx, func(q repo.Queries) error {
		vendor, err := q.GetVendor(ctx, in.VendorID)
		if err != nil {
			return fmt.Errorf("load vendor: %w", err)
		}
		if in.InvoiceID != "" {
			if _, err := q.GetInvoice(ctx, in.InvoiceID); err != nil {
				return fmt.Errorf("load invoice: %w", err)
			}
		}
		out, err = s.recordAttempt(ctx, q, vendor, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) recordAttempt(ctx context.Context, q repo.Queries, vendor *repo.Vendor, in AttemptInput) (*repo.Attempt, error) {
	now := s.now()
	state, err := q.GetOrCreateVendorState(ctx, vendor.UserID, vendor.ID, now)
	if err != nil {
		return nil, fmt.Errorf("load vendor state: %w", err)
	}
	vendormem.RecordAttempt(state, now)
	if err := q.UpdateVendorState(ctx, *state); err != nil {
		return nil, fmt.Errorf("update vendor state: %w", err)
	}

	attempt := repo.Attempt{
		ID:        uuid.NewString(),
		VendorID:  vendor.ID,
		Channel:   in.Channel,
		Result:    in.Result,
		CreatedBy: in.CreatedBy,
		At:        now,
	}
	if attempt.Result == "" {
		attempt.Result = "initiated"
	}
	if attempt.CreatedBy == "" {
		attempt.CreatedBy = "system"
	}
	if in.InvoiceID != "" {
		attempt.InvoiceID = ptr(in.InvoiceID)
	}
	if in.TranscriptRef != "" {
		attempt.TranscriptRef = ptr(in.TranscriptRef)
	}
	if err := q.InsertAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	return &attempt, nil
}

// ContactResult is the outcome of PlaceCall or SendEmail. When the guardrail blocks
// contact, Decision.Allowed is false and nothing was sent.
type ContactResult struct {
	Decision  guardrail.Decision `json:"decision"`
	RunID     string             `json:"runId,omitempty"`
	CallID    string             `json:"callId,omitempty"`
	MessageID string             `json:"messageId,omitempty"`
}

// PlaceCall checks the contact policy and dials the vendor about an invoice.
func (s *Service) PlaceCall(ctx context.Context, invoiceID string) (*ContactResult, error) {
	c, err := s.loadContact(ctx, s.store, invoiceID)
	if err != nil {
		return nil, err
	}
	runID, err := s.currentRun(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	phone := strings.TrimSpace(deref(c.vendor.ContactPhone))
	res := &ContactResult{RunID: runID, Decision: s.decide(c)}
	if !res.Decision.Allowed {
		s.record(ctx, runID, trace.VoiceCall{Phone: phone}, repo.TraceBlocked, res.Decision.Reason)
		return res, nil
	}
	if phone == "" {
		s.record(ctx, runID, trace.VoiceCall{}, repo.TraceError, "vendor has no phone number")
		return nil, invalidf("vendor %s has no phone number", c.vendor.ID)
	}
	if s.voice == nil {
		return nil, adapterFailure("place call", errors.New("voice adapter not configured"))
	}

	call, err := s.voice.PlaceCall(ctx, vapi.CallRequest{
		Phone:        phone,
		CustomerName: c.vendor.Name,
		VendorID:     c.vendor.ID,
		InvoiceID:    c.invoice.ID,
		Variables:    s.callVariables(c),
	})
	if err != nil {
		s.record(ctx, runID, trace.VoiceCall{Phone: phone}, repo.TraceError, err.Error())
		return nil, adapterFailure("place call", err)
	}
	res.CallID = call.ID

	err = s.store.WithTx(ctx, func(q repo.Queries) error {
		if _, err := s.recordAttempt(ctx, q, c.vendor, AttemptInput{
			VendorID:      c.vendor.ID,
			InvoiceID:     c.invoice.ID,
			Channel:       repo.ChannelVoice,
			TranscriptRef: call.ID,
		}); err != nil {
			return err
		}
		status := call.Status
		if status == "" {
			status = "queued"
		}
		return q.UpsertCallRecord(ctx, repo.CallRecord{
			CallID:      call.ID,
			VendorID:    ptr(c.vendor.ID),
			InvoiceID:   ptr(c.invoice.ID),
			Status:      status,
			PhoneNumber: ptr(phone),
			UpdatedAt:   s.now(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record call %s: %w", call.ID, err)
	}
	s.record(ctx, runID, trace.VoiceCall{Phone: phone, CallID: call.ID}, repo.TraceOK, "")
	return res, nil
}

// callVariables are the assistant prompt variables for a call.
func (s *Service) callVariables(c *contactContext) map[string]any {
	outstanding := invoice.Outstanding(c.invoice)
	minimum := s.minAcceptable(c.user, c.vendor, c.invoice)
	start, end := guardrail.Window(c.user, c.vendor)
	daysLate, _ := invoice.DaysLate(c.invoice.DueDate, s.now())

	vars := map[string]any{
		"companyName":                c.user.CompanyName,
		"vendorName":                 c.vendor.Name,
		"vendorId":                   c.vendor.ID,
		"vendorEmail":                deref(c.vendor.ContactEmail),
		"vendorNotes":                deref(c.vendor.Notes),
		"invoiceId":                  c.invoice.ID,
		"invoiceNo":                  c.invoice.InvoiceNo,
		"invoiceAmountCents":         c.invoice.AmountCents,
		"outstandingCents":           outstanding,
		"formattedAmount":            money.FormatUSD(outstanding),
		"formattedDueDate":           c.invoice.DueDate,
		"daysLate":                   daysLate,
		"minPaymentCents":            minimum,
		"minPaymentAmount":           money.FormatUSD(minimum),
		"maxInstallments":            s.cfg.MaxInstallments,
		"discountIfFullTodayBps":     c.user.DiscountIfFullTodayBps,
		"allowZeroTodayIfDaysLateLt": c.user.AllowZeroTodayIfDaysLateLt,
		"maxAttemptsPerWeek":         c.user.MaxAttemptsPerWeek,
		"contactWindowStart":         start,
		"contactWindowEnd":           end,
		"timezone":                   c.user.Timezone,
		"datetimeISO":                s.now().Format("2006-01-02T15:04:05Z07:00"),
		"neverCollectCardOnCall":     true,
	}
	if c.state != nil {
		vars["currentAttemptNumber"] = c.state.AttemptsThisWeek + 1
		vars["lastOutcome"] = deref(c.state.LastOutcome)
		vars["lastPromiseDate"] = deref(c.state.LastPromiseDate)
		vars["totalRecovered"] = money.FormatUSD(c.state.TotalRecoveredCents)
		vars["totalOutstanding"] = money.FormatUSD(c.state.TotalOutstandingCents)
		if c.state.HistoricalMode != nil {
			vars["historicalMode"] = string(*c.state.HistoricalMode)
		}
	} else {
		vars["currentAttemptNumber"] = 1
	}
	if s.cfg.PortalURL != "" {
		vars["portalUrl"] = s.cfg.PortalURL
	}
	return vars
}

// EmailInput is an outbound collection email about an invoice.
type EmailInput struct {
	InvoiceID string
	Subject   string
	Text      string
	HTML      string
}

// SendEmail checks the contact policy and emails the vendor about an invoice.
func (s *Service) SendEmail(ctx context.Context, in EmailInput) (*ContactResult, error) {
	if strings.TrimSpace(in.Subject) == "" || (strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.HTML) == "") {
		return nil, invalidf("subject and body are required")
	}
	c, err := s.loadContact(ctx, s.store, in.InvoiceID)
	if err != nil {
		return nil, err
	}
	runID, err := s.currentRun(ctx, in.InvoiceID)
	if err != nil {
		return nil, err
	}
	to := strings.TrimSpace(deref(c.vendor.ContactEmail))
	res := &ContactResult{RunID: runID, Decision: s.decide(c)}
	if !res.Decision.Allowed {
		s.record(ctx, runID, trace.EmailSend{To: to, Subject: in.Subject}, repo.TraceBlocked, res.Decision.Reason)
		return res, nil
	}
	if to == "" {
		return nil, invalidf("vendor %s has no email address", c.vendor.ID)
	}

	sent, err := s.deliver(ctx, runID, agentmail.Message{To: to, Subject: in.Subject, Text: in.Text, HTML: in.HTML})
	if err != nil {
		return nil, err
	}
	res.MessageID = sent.MessageID

	err = s.store.WithTx(ctx, func(q repo.Queries) error {
		_, err := s.recordAttempt(ctx, q, c.vendor, AttemptInput{
			VendorID:  c.vendor.ID,
			InvoiceID: c.invoice.ID,
			Channel:   repo.ChannelEmail,
			Result:    "sent",
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record email attempt: %w", err)
	}
	return res, nil
}

// deliver sends a message and traces the outcome. Delivery failures are not retried.
func (s *Service) deliver(ctx context.Context, runID string, msg agentmail.Message) (*agentmail.SendResult, error) {
	if s.mail == nil {
		return nil, adapterFailure("send email", errors.New("mail adapter not configured"))
	}
	sent, err := s.mail.Send(ctx, msg)
	if err != nil {
		s.record(ctx, runID, trace.EmailSend{To: msg.To, Subject: msg.Subject}, repo.TraceError, err.Error())
		return nil, adapterFailure("send email", err)
	}
	s.record(ctx, runID, trace.EmailSend{To: msg.To, Subject: msg.Subject, MessageID: sent.MessageID}, repo.TraceOK, "")
	return sent, nil
}
