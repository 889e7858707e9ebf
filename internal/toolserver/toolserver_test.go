package toolserver

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ar-collect/internal/collection"
	"ar-collect/internal/guardrail"
	"ar-collect/internal/repo"
	"ar-collect/internal/repo/repotest"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func setupTools(t *testing.T) (*Tools, *collection.Service, repo.Store) {
	t.Helper()
	ctx := context.Background()
	store := repotest.NewSQLite(t)
	require.NoError(t, store.InsertUser(ctx, repo.AppUser{
		ID: "u1", Email: "ops@example.com", Timezone: "UTC", ContactWindowStart: "09:00", ContactWindowEnd: "17:00",
		MaxAttemptsPerWeek: 3, MinPctBps: 4000, CreatedAt: now,
	}))
	require.NoError(t, store.InsertVendor(ctx, repo.Vendor{
		ID: "v1", UserID: "u1", Name: "Globex", PreferredChannel: repo.ChannelVoice, CreatedAt: now,
	}))
	require.NoError(t, store.InsertInvoice(ctx, repo.Invoice{
		ID: "i1", UserID: "u1", VendorID: "v1", InvoiceNo: "INV-1", AmountCents: 10000, DueDate: "2025-02-01",
		State: repo.StateOverdue, LastStateChangeAt: now, CreatedAt: now, UpdatedAt: now,
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := collection.New(store, collection.Dependencies{}, nil, logger, collection.Config{})
	svc.SetClock(func() time.Time { return now })
	return NewTools(svc, logger), svc, store
}

func TestToolHandlers(t *testing.T) {
	tools, _, store := setupTools(t)
	ctx := context.Background()

	t.Run("CanContact", func(t *testing.T) {
		_, out, err := tools.CanContact(ctx, &mcp.CallToolRequest{}, CanContactInput{VendorID: "v1"})
		require.NoError(t, err)
		decision, ok := out.(guardrail.Decision)
		require.True(t, ok)
		assert.True(t, decision.Allowed)

		_, _, err = tools.CanContact(ctx, &mcp.CallToolRequest{}, CanContactInput{})
		assert.Error(t, err)
	})

	t.Run("OverdueThenFollowUp", func(t *testing.T) {
		_, out, err := tools.GetOverdueInvoices(ctx, &mcp.CallToolRequest{}, OverdueInput{UserID: "u1"})
		require.NoError(t, err)
		list := out.(OverdueOutput)
		require.Equal(t, 1, list.Count)
		assert.Equal(t, "i1", list.Invoices[0].ID)

		_, _, err = tools.StartFollowUps(ctx, &mcp.CallToolRequest{}, StartFollowUpsInput{InvoiceIDs: []string{"i1"}})
		require.NoError(t, err)

		inv, err := store.GetInvoice(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, repo.StateInProgress, inv.State)

		_, out, err = tools.GetActiveRun(ctx, &mcp.CallToolRequest{}, InvoiceInput{InvoiceID: "i1"})
		require.NoError(t, err)
		view := out.(*collection.RunView)
		assert.True(t, view.Run.Active())
	})

	t.Run("PromiseToPay", func(t *testing.T) {
		_, out, err := tools.UpdateInvoiceState(ctx, &mcp.CallToolRequest{}, UpdateInvoiceStateInput{
			InvoiceID: "i1", State: "PromiseToPay", PromiseDate: "2025-03-20",
		})
		require.NoError(t, err)
		inv := out.(*repo.Invoice)
		assert.Equal(t, repo.StatePromiseToPay, inv.State)

		_, _, err = tools.UpdateInvoiceState(ctx, &mcp.CallToolRequest{}, UpdateInvoiceStateInput{InvoiceID: "i1", State: "Nope"})
		assert.ErrorIs(t, err, collection.ErrInvalidArgument)
	})

	t.Run("ScheduleFollowUp", func(t *testing.T) {
		_, out, err := tools.ScheduleFollowUp(ctx, &mcp.CallToolRequest{}, ScheduleFollowUpInput{
			VendorID: "v1", Date: "2025-03-14", Reason: "asked for Friday",
		})
		require.NoError(t, err)
		state := out.(*repo.VendorState)
		require.NotNil(t, state.ScheduledBy)
		assert.Equal(t, "agent", *state.ScheduledBy)
	})

	t.Run("Negotiation", func(t *testing.T) {
		_, out, err := tools.GetNegotiationContext(ctx, &mcp.CallToolRequest{}, InvoiceInput{InvoiceID: "i1"})
		require.NoError(t, err)
		view := out.(*collection.NegotiationView)
		assert.Equal(t, int64(4000), view.MinAcceptableCents)

		_, out, err = tools.UpdateSettlementProposal(ctx, &mcp.CallToolRequest{}, ProposalInput{
			CallID: "call-1", InvoiceID: "i1", ProposedCents: 3999,
		})
		require.NoError(t, err)
		proposal := out.(*repo.SettlementProposal)
		assert.False(t, proposal.MeetsMinimum)
	})

	t.Run("Reporting", func(t *testing.T) {
		_, out, err := tools.GetPaymentStatus(ctx, &mcp.CallToolRequest{}, InvoiceInput{InvoiceID: "i1"})
		require.NoError(t, err)
		status := out.(*collection.PaymentSummary)
		assert.Zero(t, status.TotalPaidCents)

		_, out, err = tools.GetLiveTranscript(ctx, &mcp.CallToolRequest{}, CallInput{CallID: "call-1"})
		require.NoError(t, err)
		assert.Empty(t, out.(TranscriptOutput).Transcript)

		_, out, err = tools.GetInvoiceMetrics(ctx, &mcp.CallToolRequest{}, MetricsInput{UserID: "u1"})
		require.NoError(t, err)
		m := out.(*collection.InvoiceMetrics)
		assert.Zero(t, m.Overdue)
		assert.Zero(t, m.TotalOutstandingCents)

		_, _, err = tools.GetInvoiceMetrics(ctx, &mcp.CallToolRequest{}, MetricsInput{})
		assert.ErrorIs(t, err, collection.ErrInvalidArgument)
	})
}

func TestServerListsTools(t *testing.T) {
	_, svc, _ := setupTools(t)
	ctx := context.Background()
	server := NewServer(svc, slog.New(slog.NewTextHandler(io.Discard, nil)), "test")

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	res, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"can_contact",
		"get_active_run",
		"get_invoice_metrics",
		"get_live_transcript",
		"get_negotiation_context",
		"get_overdue_invoices",
		"get_payment_status",
		"schedule_follow_up",
		"start_follow_ups",
		"update_invoice_state",
		"update_settlement_proposal",
	}, names)

	call, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "can_contact",
		Arguments: map[string]any{"vendor_id": "v1"},
	})
	require.NoError(t, err)
	assert.False(t, call.IsError)
}
