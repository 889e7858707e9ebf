// Package handlers turns inbound provider events into collection operations.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ar-collect/internal/collection"
	"ar-collect/internal/repo"
	"ar-collect/internal/settlement"
	"ar-collect/internal/vapi"
)

// Assistant function names.
const (
	FuncSendPaymentLink   = "send_payment_link"
	FuncScheduleCallback  = "schedule_callback"
	FuncUpdateInvoice     = "update_invoice_state"
	FuncGetPaymentOptions = "get_payment_options"
)

const (
	defaultCallbackReason = "Follow-up scheduled by AI"
	defaultStateMemo      = "Updated by AI during call"
	agreedMemo            = "Customer agreed to payment during call"
	assistantEnded        = "assistant-ended-call"
)

// FunctionResult is returned to the voice assistant for a function call.
type FunctionResult struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	URL     string              `json:"url,omitempty"`
	Options []settlement.Option `json:"options,omitempty"`
}

// ToolResult pairs a tool call with its result.
type ToolResult struct {
	ToolCallID string         `json:"toolCallId"`
	Result     FunctionResult `json:"result"`
}

// VoiceProcessor dispatches voice webhook events by type.
type VoiceProcessor struct {
	svc    *collection.Service
	logger *slog.Logger
}

// NewVoiceProcessor creates a VoiceProcessor.
func NewVoiceProcessor(svc *collection.Service, logger *slog.Logger) *VoiceProcessor {
	return &VoiceProcessor{svc: svc, logger: logger.With("component", "voice_events")}
}

// HandleVoiceEvent satisfies vapi.Processor.
func (p *VoiceProcessor) HandleVoiceEvent(ctx context.Context, evt vapi.Event) (any, error) {
	switch evt.Type {
	case vapi.EventTranscript, vapi.EventSpeechUpdate, vapi.EventConversationUpdate:
		if evt.Utterance == nil {
			return nil, nil
		}
		return nil, p.svc.RecordTranscript(ctx, evt.CallID, *evt.Utterance, evt.Timestamp)
	case vapi.EventStatusUpdate:
		if evt.Status == "" {
			return nil, nil
		}
		return nil, p.svc.RecordCallStatus(ctx, evt.CallID, evt.Status, evt.Metadata)
	case vapi.EventEndOfCallReport:
		return nil, p.callEnded(ctx, evt)
	case vapi.EventFunctionCall:
		if evt.FunctionCall == nil {
			return nil, nil
		}
		return p.dispatch(ctx, evt.Metadata, *evt.FunctionCall), nil
	case vapi.EventToolCalls:
		results := make([]ToolResult, 0, len(evt.ToolCalls))
		for _, call := range evt.ToolCalls {
			results = append(results, ToolResult{ToolCallID: call.ID, Result: p.dispatch(ctx, evt.Metadata, call)})
		}
		return results, nil
	default:
		p.logger.Debug("ignoring voice event", "type", evt.Type, "call_id", evt.CallID)
		return nil, nil
	}
}

// callEnded stores the report and closes out the call. Only the report itself is
// required to succeed; the follow-on steps are logged on failure.
func (p *VoiceProcessor) callEnded(ctx context.Context, evt vapi.Event) error {
	report := evt.Report
	if report == nil {
		return nil
	}
	if err := p.svc.RecordCallReport(ctx, evt.CallID, evt.Metadata, report); err != nil {
		return err
	}

	outcome := report.EndedReason
	if outcome == "" {
		outcome = "completed"
	}
	if vendorID := evt.Metadata.VendorID; vendorID != "" {
		if _, err := p.svc.RecordCallOutcome(ctx, vendorID, outcome, evt.CallID); err != nil {
			p.logger.Warn("failed recording call outcome", "call_id", evt.CallID, "vendor_id", vendorID, "error", err)
		}
	}

	invoiceID := evt.Metadata.InvoiceID
	if invoiceID == "" {
		return nil
	}
	if report.EndedReason == assistantEnded && agreedToPay(report.Messages) {
		_, err := p.svc.UpdateInvoiceState(ctx, collection.StateInput{
			InvoiceID: invoiceID,
			State:     string(repo.StatePromiseToPay),
			Memo:      agreedMemo,
		})
		if err != nil {
			p.logger.Warn("failed marking promise to pay", "invoice_id", invoiceID, "error", err)
		}
	}
	if view, err := p.svc.GetActiveRun(ctx, invoiceID); err == nil && view.Run.Active() {
		if err := p.svc.EndRun(ctx, view.Run.ID, outcome); err != nil {
			p.logger.Warn("failed ending run", "run_id", view.Run.ID, "error", err)
		}
	}
	if _, err := p.svc.SendPostCallEmail(ctx, evt.CallID, invoiceID, report); err != nil {
		p.logger.Warn("post-call email not sent", "call_id", evt.CallID, "invoice_id", invoiceID, "error", err)
	}
	return nil
}

// agreedToPay reports whether any line mentions both payment and sending.
func agreedToPay(lines []vapi.Utterance) bool {
	for _, l := range lines {
		text := strings.ToLower(l.Text)
		if strings.Contains(text, "payment") && strings.Contains(text, "send") {
			return true
		}
	}
	return false
}

type functionParams struct {
	VendorID     string `json:"vendorId"`
	InvoiceID    string `json:"invoiceId"`
	AmountCents  int64  `json:"amountCents"`
	Email        string `json:"email"`
	Date         string `json:"date"`
	FollowUpDate string `json:"followUpDate"`
	Reason       string `json:"reason"`
	State        string `json:"state"`
	Memo         string `json:"memo"`
	PromiseDate  string `json:"promiseDate"`
}

func (p *VoiceProcessor) dispatch(ctx context.Context, meta vapi.Metadata, call vapi.FunctionCall) FunctionResult {
	var params functionParams
	if len(call.Parameters) > 0 {
		if err := json.Unmarshal(call.Parameters, &params); err != nil {
			return FunctionResult{Message: fmt.Sprintf("Invalid parameters for %s", call.Name)}
		}
	}
	if params.VendorID == "" {
		params.VendorID = meta.VendorID
	}
	if params.InvoiceID == "" {
		params.InvoiceID = meta.InvoiceID
	}

	res, err := p.run(ctx, call.Name, params)
	if err != nil {
		p.logger.Warn("function call failed", "function", call.Name, "invoice_id", params.InvoiceID, "error", err)
		return FunctionResult{Message: err.Error()}
	}
	return res
}

func (p *VoiceProcessor) run(ctx context.Context, name string, params functionParams) (FunctionResult, error) {
	switch name {
	case FuncSendPaymentLink:
		link, err := p.svc.SendPaymentLink(ctx, collection.LinkInput{
			InvoiceID:   params.InvoiceID,
			AmountCents: params.AmountCents,
			Email:       params.Email,
		})
		if err != nil {
			return FunctionResult{}, err
		}
		msg := "Payment link created"
		if link.Emailed {
			msg = "Payment link sent by email"
		}
		return FunctionResult{Success: true, Message: msg, URL: link.URL}, nil

	case FuncScheduleCallback:
		date := params.Date
		if date == "" {
			date = params.FollowUpDate
		}
		reason := params.Reason
		if reason == "" {
			reason = defaultCallbackReason
		}
		state, err := p.svc.ScheduleFollowUp(ctx, collection.FollowUpInput{
			VendorID:    params.VendorID,
			InvoiceID:   params.InvoiceID,
			Date:        date,
			Reason:      reason,
			ScheduledBy: "ai",
		})
		if err != nil {
			return FunctionResult{}, err
		}
		at := ""
		if state.NextFollowUpAt != nil {
			at = state.NextFollowUpAt.Format(time.DateOnly)
		}
		return FunctionResult{Success: true, Message: "Follow-up scheduled for " + at}, nil

	case FuncUpdateInvoice:
		target := params.State
		if target == "" {
			target = string(repo.StateInProgress)
		}
		memo := params.Memo
		if memo == "" {
			memo = defaultStateMemo
		}
		inv, err := p.svc.UpdateInvoiceState(ctx, collection.StateInput{
			InvoiceID:   params.InvoiceID,
			State:       target,
			PromiseDate: params.PromiseDate,
			Memo:        memo,
		})
		if err != nil {
			return FunctionResult{}, err
		}
		return FunctionResult{Success: true, Message: "Invoice updated to " + string(inv.State)}, nil

	case FuncGetPaymentOptions:
		opts, err := p.svc.PaymentOptions(ctx, params.InvoiceID)
		if err != nil {
			return FunctionResult{}, err
		}
		return FunctionResult{Success: true, Message: fmt.Sprintf("%d payment options available", len(opts)), Options: opts}, nil

	default:
		return FunctionResult{Message: "Unknown function: " + name}, nil
	}
}
