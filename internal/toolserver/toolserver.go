// Package toolserver exposes the collection API as MCP tools so an LLM agent can
// drive follow-ups, state changes and negotiation.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"ar-collect/internal/collection"
	"ar-collect/internal/repo"
)

// Tools binds MCP tool handlers to a collection service.
type Tools struct {
	svc    *collection.Service
	logger *slog.Logger
}

// NewTools builds the tool handlers.
func NewTools(svc *collection.Service, logger *slog.Logger) *Tools {
	return &Tools{svc: svc, logger: logger.With("component", "toolserver")}
}

// NewServer registers every collection tool on a new MCP server.
func NewServer(svc *collection.Service, logger *slog.Logger, version string) *mcp.Server {
	t := NewTools(svc, logger)
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "ar-collect",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "can_contact",
		Description: "Check whether a vendor may be contacted right now (do-not-call, contact window, weekly attempt limit)",
	}, t.CanContact)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_overdue_invoices",
		Description: "List a user's invoices in the given states, most days late first",
	}, t.GetOverdueInvoices)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_follow_ups",
		Description: "Open a collection run for each invoice and move overdue invoices to in progress",
	}, t.StartFollowUps)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_invoice_state",
		Description: "Move an invoice to a new state, optionally recording a promise date and memo",
	}, t.UpdateInvoiceState)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "schedule_follow_up",
		Description: "Schedule the next follow-up date for a vendor",
	}, t.ScheduleFollowUp)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_negotiation_context",
		Description: "Return outstanding balance, minimum acceptable payment, payment options and vendor memory for an invoice",
	}, t.GetNegotiationContext)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_settlement_proposal",
		Description: "Update the live settlement proposal for a call",
	}, t.UpdateSettlementProposal)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_active_run",
		Description: "Return the latest collection run for an invoice with its trace",
	}, t.GetActiveRun)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_payment_status",
		Description: "Return the total paid and the payment links still pending for an invoice",
	}, t.GetPaymentStatus)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_live_transcript",
		Description: "Return the transcript captured so far for a call",
	}, t.GetLiveTranscript)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_invoice_metrics",
		Description: "Count a user's overdue, in-progress and paid invoices and the overdue balance",
	}, t.GetInvoiceMetrics)

	return server
}

// Serve runs the tool server on stdio until ctx is cancelled or the client disconnects.
func Serve(ctx context.Context, svc *collection.Service, logger *slog.Logger, version string) error {
	logger.Info("starting mcp tool server on stdio")
	return NewServer(svc, logger, version).Run(ctx, &mcp.StdioTransport{})
}

type CanContactInput struct {
	VendorID string `json:"vendor_id" jsonschema:"Vendor id (required)"`
}

func (t *Tools) CanContact(ctx context.Context, _ *mcp.CallToolRequest, input CanContactInput) (*mcp.CallToolResult, any, error) {
	if input.VendorID == "" {
		return nil, nil, fmt.Errorf("vendor_id is required")
	}
	decision, err := t.svc.CanContact(ctx, input.VendorID)
	if err != nil {
		return nil, nil, err
	}
	return nil, decision, nil
}

type OverdueInput struct {
	UserID string   `json:"user_id" jsonschema:"Owning user id (required)"`
	States []string `json:"states,omitempty" jsonschema:"Invoice states to include (default Overdue)"`
	Limit  int      `json:"limit,omitempty" jsonschema:"Maximum invoices to return"`
}

type OverdueOutput struct {
	Invoices []collection.OverdueInvoice `json:"invoices"`
	Count    int                         `json:"count"`
}

func (t *Tools) GetOverdueInvoices(ctx context.Context, _ *mcp.CallToolRequest, input OverdueInput) (*mcp.CallToolResult, any, error) {
	if input.UserID == "" {
		return nil, nil, fmt.Errorf("user_id is required")
	}
	states := make([]repo.InvoiceState, 0, len(input.States))
	for _, s := range input.States {
		states = append(states, repo.InvoiceState(strings.TrimSpace(s)))
	}
	list, err := t.svc.GetOverdueInvoices(ctx, input.UserID, states, input.Limit)
	if err != nil {
		return nil, nil, err
	}
	return nil, OverdueOutput{Invoices: list, Count: len(list)}, nil
}

type StartFollowUpsInput struct {
	InvoiceIDs []string `json:"invoice_ids" jsonschema:"Invoices to start following up (required)"`
}

func (t *Tools) StartFollowUps(ctx context.Context, _ *mcp.CallToolRequest, input StartFollowUpsInput) (*mcp.CallToolResult, any, error) {
	if len(input.InvoiceIDs) == 0 {
		return nil, nil, fmt.Errorf("invoice_ids is required")
	}
	batch, err := t.svc.StartFollowUps(ctx, input.InvoiceIDs)
	if err != nil {
		return nil, nil, err
	}
	return nil, batch, nil
}

type UpdateInvoiceStateInput struct {
	InvoiceID   string `json:"invoice_id" jsonschema:"Invoice id (required)"`
	State       string `json:"state" jsonschema:"Target state: Overdue, InProgress, PromiseToPay, Dispute, Reassign, Callback, DNC"`
	PromiseDate string `json:"promise_date,omitempty" jsonschema:"Promised payment date YYYY-MM-DD, used with PromiseToPay"`
	Memo        string `json:"memo,omitempty" jsonschema:"Free-form note stored on the invoice"`
}

func (t *Tools) UpdateInvoiceState(ctx context.Context, _ *mcp.CallToolRequest, input UpdateInvoiceStateInput) (*mcp.CallToolResult, any, error) {
	inv, err := t.svc.UpdateInvoiceState(ctx, collection.StateInput{
		InvoiceID:   input.InvoiceID,
		State:       input.State,
		PromiseDate: input.PromiseDate,
		Memo:        input.Memo,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, inv, nil
}

type ScheduleFollowUpInput struct {
	VendorID  string `json:"vendor_id" jsonschema:"Vendor id (required)"`
	InvoiceID string `json:"invoice_id,omitempty" jsonschema:"Invoice the follow-up is about"`
	Date      string `json:"date" jsonschema:"Follow-up date YYYY-MM-DD or RFC 3339 timestamp (required)"`
	Reason    string `json:"reason,omitempty" jsonschema:"Why the follow-up is needed"`
}

func (t *Tools) ScheduleFollowUp(ctx context.Context, _ *mcp.CallToolRequest, input ScheduleFollowUpInput) (*mcp.CallToolResult, any, error) {
	state, err := t.svc.ScheduleFollowUp(ctx, collection.FollowUpInput{
		VendorID:    input.VendorID,
		InvoiceID:   input.InvoiceID,
		Date:        input.Date,
		Reason:      input.Reason,
		ScheduledBy: "agent",
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, state, nil
}

type InvoiceInput struct {
	InvoiceID string `json:"invoice_id" jsonschema:"Invoice id (required)"`
}

func (t *Tools) GetNegotiationContext(ctx context.Context, _ *mcp.CallToolRequest, input InvoiceInput) (*mcp.CallToolResult, any, error) {
	view, err := t.svc.NegotiationContext(ctx, input.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	return nil, view, nil
}

func (t *Tools) GetActiveRun(ctx context.Context, _ *mcp.CallToolRequest, input InvoiceInput) (*mcp.CallToolResult, any, error) {
	view, err := t.svc.GetActiveRun(ctx, input.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	return nil, view, nil
}

type ProposalInput struct {
	CallID        string `json:"call_id" jsonschema:"Call id the proposal belongs to (required)"`
	InvoiceID     string `json:"invoice_id,omitempty" jsonschema:"Invoice id, needed only for the first proposal of a call"`
	ProposedCents int64  `json:"proposed_cents" jsonschema:"Amount the vendor offers to pay today, in cents"`
	DiscountBps   *int64 `json:"discount_bps,omitempty" jsonschema:"Full-payment discount in basis points (0-10000)"`
}

func (t *Tools) UpdateSettlementProposal(ctx context.Context, _ *mcp.CallToolRequest, input ProposalInput) (*mcp.CallToolResult, any, error) {
	proposal, err := t.svc.UpdateProposal(ctx, collection.ProposalInput{
		CallID:        input.CallID,
		InvoiceID:     input.InvoiceID,
		ProposedCents: input.ProposedCents,
		DiscountBps:   input.DiscountBps,
	})
	if err != nil {
		return nil, nil, err
	}
	t.logger.Info("proposal updated by agent", "call_id", proposal.CallID, "final_cents", proposal.FinalCents)
	return nil, proposal, nil
}

func (t *Tools) GetPaymentStatus(ctx context.Context, _ *mcp.CallToolRequest, input InvoiceInput) (*mcp.CallToolResult, any, error) {
	status, err := t.svc.PaymentStatus(ctx, input.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	return nil, status, nil
}

type CallInput struct {
	CallID string `json:"call_id" jsonschema:"Voice call id (required)"`
}

type TranscriptOutput struct {
	CallID     string                `json:"call_id"`
	Transcript []repo.CallTranscript `json:"transcript"`
}

func (t *Tools) GetLiveTranscript(ctx context.Context, _ *mcp.CallToolRequest, input CallInput) (*mcp.CallToolResult, any, error) {
	lines, err := t.svc.LiveTranscript(ctx, input.CallID)
	if err != nil {
		return nil, nil, err
	}
	return nil, TranscriptOutput{CallID: input.CallID, Transcript: lines}, nil
}

type MetricsInput struct {
	UserID string `json:"user_id" jsonschema:"Owning user id (required)"`
}

func (t *Tools) GetInvoiceMetrics(ctx context.Context, _ *mcp.CallToolRequest, input MetricsInput) (*mcp.CallToolResult, any, error) {
	m, err := t.svc.InvoiceMetrics(ctx, input.UserID)
	if err != nil {
		return nil, nil, err
	}
	return nil, m, nil
}
