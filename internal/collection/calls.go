package collection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ar-collect/internal/agentmail"
	"ar-collect/internal/extract"
	"ar-collect/internal/money"
	"ar-collect/internal/repo"
	"ar-collect/internal/vapi"
)

// RecordTranscript stores one utterance of a call. Empty text is ignored.
func (s *Service) RecordTranscript(ctx context.Context, callID string, u vapi.Utterance, ts time.Time) error {
	if strings.TrimSpace(u.Text) == "" {
		return nil
	}
	if ts.IsZero() {
		ts = s.now()
	}
	err := s.store.InsertTranscript(ctx, repo.CallTranscript{
		ID:     uuid.NewString(),
		CallID: callID,
		Role:   u.Role,
		Kind:   u.Kind,
		Text:   u.Text,
		TS:     ts.UTC(),
	})
	if err != nil {
		return fmt.Errorf("record transcript: %w", err)
	}
	return nil
}

// RecordCallStatus tracks a status change reported for a call.
func (s *Service) RecordCallStatus(ctx context.Context, callID, status string, meta vapi.Metadata) error {
	rec := repo.CallRecord{CallID: callID, Status: status, UpdatedAt: s.now()}
	if meta.VendorID != "" {
		rec.VendorID = ptr(meta.VendorID)
	}
	if meta.InvoiceID != "" {
		rec.InvoiceID = ptr(meta.InvoiceID)
	}
	if status == "in-progress" {
		rec.StartedAt = ptr(rec.UpdatedAt)
	}
	if err := s.store.UpsertCallRecord(ctx, rec); err != nil {
		return fmt.Errorf("record call status: %w", err)
	}
	return nil
}

// RecordCallReport stores the end-of-call summary for a call.
func (s *Service) RecordCallReport(ctx context.Context, callID string, meta vapi.Metadata, report *vapi.Report) error {
	if report == nil {
		return invalidf("call report is required")
	}
	rec := repo.CallRecord{
		CallID:    callID,
		Status:    "ended",
		CostCents: report.CostCents,
		StartedAt: report.StartedAt,
		EndedAt:   report.EndedAt,
		UpdatedAt: s.now(),
	}
	optional := func(v string) *string {
		if v == "" {
			return nil
		}
		return ptr(v)
	}
	rec.VendorID = optional(meta.VendorID)
	rec.InvoiceID = optional(meta.InvoiceID)
	rec.EndedReason = optional(report.EndedReason)
	rec.PhoneNumber = optional(report.PhoneNumber)
	rec.RecordingURL = optional(report.RecordingURL)
	rec.Summary = optional(report.Summary)
	if err := s.store.UpsertCallRecord(ctx, rec); err != nil {
		return fmt.Errorf("record call report: %w", err)
	}
	s.logger.Info("call ended", "call_id", callID, "ended_reason", report.EndedReason,
		"duration", report.Duration().String())
	return nil
}

// PostCallEmail is the summary email sent after a call.
type PostCallEmail struct {
	MessageID   string         `json:"messageId"`
	PaymentURL  string         `json:"paymentUrl,omitempty"`
	Extraction  extract.Result `json:"extraction"`
	GenericBody bool           `json:"genericBody"`
}

// SendPostCallEmail emails the vendor a summary of what was agreed on the call and how
// to pay. When no amount can be read from the transcript the message stays generic.
func (s *Service) SendPostCallEmail(ctx context.Context, callID, invoiceID string, report *vapi.Report) (*PostCallEmail, error) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	vendor, err := s.store.GetVendor(ctx, inv.VendorID)
	if err != nil {
		return nil, fmt.Errorf("load vendor: %w", err)
	}
	to := strings.TrimSpace(deref(vendor.ContactEmail))
	if to == "" {
		return nil, invalidf("vendor %s has no email address", vendor.ID)
	}

	out := &PostCallEmail{
		Extraction: s.extractAmount(ctx, s.callTranscript(ctx, callID, report)),
		PaymentURL: s.paymentURL(ctx, callID),
	}
	out.GenericBody = out.Extraction.AmountCents == nil

	msg := postCallMessage(to, vendor.Name, s.companyName(ctx, inv.UserID), inv, out.Extraction.AmountCents, out.PaymentURL)
	sent, err := s.deliver(ctx, s.activeRunID(ctx, inv.ID), msg)
	if err != nil {
		return nil, err
	}
	out.MessageID = sent.MessageID
	return out, nil
}

// callTranscript prefers stored final transcript lines over the report's messages.
func (s *Service) callTranscript(ctx context.Context, callID string, report *vapi.Report) string {
	lines, err := s.store.ListTranscripts(ctx, callID)
	if err != nil {
		s.logger.Warn("failed loading transcript", "call_id", callID, "error", err)
	}
	var b strings.Builder
	for _, l := range lines {
		if l.Kind != vapi.KindFinal && l.Kind != vapi.KindConversation {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", l.Role, l.Text)
	}
	if b.Len() > 0 {
		return b.String()
	}
	return report.Transcript()
}

// extractAmount never fails: model errors fall back to pattern matching.
func (s *Service) extractAmount(ctx context.Context, transcript string) extract.Result {
	if strings.TrimSpace(transcript) == "" {
		return extract.Result{Confidence: extract.ConfidenceLow}
	}
	if s.extractor == nil {
		return extract.Fallback(transcript)
	}
	res, err := s.extractor.ExtractAmount(ctx, transcript)
	if err != nil {
		s.logger.Warn("amount extraction failed", "error", err)
		s.metrics.Error("extract")
		return extract.Fallback(transcript)
	}
	return res
}

// paymentURL is the accepted proposal's link, or the settlement portal for the call.
func (s *Service) paymentURL(ctx context.Context, callID string) string {
	if p, err := s.store.GetProposal(ctx, callID); err == nil && p.PaymentLinkURL != nil {
		return *p.PaymentLinkURL
	}
	if s.cfg.PortalURL == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.PortalURL, "/") + "/" + callID
}

func postCallMessage(to, vendorName, company string, inv *repo.Invoice, amountCents *int64, url string) agentmail.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\nThank you for speaking with us today about invoice %s.\n\n", vendorName, inv.InvoiceNo)
	if amountCents != nil {
		fmt.Fprintf(&b, "As agreed on the call, the payment amount is %s.\n\n", money.FormatUSD(*amountCents))
	} else {
		b.WriteString("As discussed on the call, please complete your payment at your earliest convenience.\n\n")
	}
	if url != "" {
		fmt.Fprintf(&b, "You can pay securely here:\n%s\n\n", url)
	}
	fmt.Fprintf(&b, "If you have any questions, just reply to this email.\n\nBest regards,\n%s", company)
	return agentmail.Message{
		To:      to,
		Subject: fmt.Sprintf("Payment details for invoice %s", inv.InvoiceNo),
		Text:    b.String(),
	}
}
