package collection_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ar-collect/internal/agentmail"
	"ar-collect/internal/billing"
	"ar-collect/internal/collection"
	"ar-collect/internal/guardrail"
	"ar-collect/internal/repo"
	"ar-collect/internal/repo/repotest"
	"ar-collect/internal/trace"
	"ar-collect/internal/vapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monday = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeVoice struct {
	mu    sync.Mutex
	calls []vapi.CallRequest
	err   error
}

func (f *fakeVoice) PlaceCall(_ context.Context, req vapi.CallRequest) (*vapi.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, req)
	return &vapi.Call{ID: fmt.Sprintf("call-%d", len(f.calls)), Status: "queued"}, nil
}

type fakeMail struct {
	mu   sync.Mutex
	sent []agentmail.Message
	err  error
}

func (f *fakeMail) Send(_ context.Context, msg agentmail.Message) (*agentmail.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &agentmail.SendResult{MessageID: fmt.Sprintf("msg-%d", len(f.sent))}, nil
}

type fakeBilling struct {
	mu       sync.Mutex
	requests []billing.LinkRequest
	err      error
}

func (f *fakeBilling) CreatePaymentLink(_ context.Context, req billing.LinkRequest) (*billing.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	n := len(f.requests)
	return &billing.Link{ID: fmt.Sprintf("cs_%d", n), URL: fmt.Sprintf("https://pay.example.com/cs_%d", n)}, nil
}

type fakeBroadcast struct {
	mu    sync.Mutex
	views []any
}

func (f *fakeBroadcast) PublishSettlement(_ context.Context, _ string, view any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views = append(f.views, view)
	return nil
}

type harness struct {
	svc       *collection.Service
	store     repo.Store
	voice     *fakeVoice
	mail      *fakeMail
	billing   *fakeBilling
	broadcast *fakeBroadcast
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     repotest.NewSQLite(t),
		voice:     &fakeVoice{},
		mail:      &fakeMail{},
		billing:   &fakeBilling{},
		broadcast: &fakeBroadcast{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = collection.New(h.store, collection.Dependencies{
		Voice:     h.voice,
		Mail:      h.mail,
		Billing:   h.billing,
		Broadcast: h.broadcast,
	}, nil, logger, collection.Config{PortalURL: "https://portal.example.com/settle", CompanyName: "Acme AP"})
	h.svc.SetClock(func() time.Time { return monday })
	return h
}

// seed creates user u1 with vendor v1 and one overdue invoice i1 of amountCents.
func (h *harness) seed(t *testing.T, amountCents int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.InsertUser(ctx, repo.AppUser{
		ID: "u1", Email: "ops@example.com", CompanyName: "Acme AP", Timezone: "UTC",
		ContactWindowStart: "09:00", ContactWindowEnd: "17:00",
		MaxAttemptsPerWeek: 3, MinPctBps: 4000, CreatedAt: monday,
	}))
	phone, email := "+15550100", "billing@globex.example.com"
	require.NoError(t, h.store.InsertVendor(ctx, repo.Vendor{
		ID: "v1", UserID: "u1", Name: "Globex", ContactPhone: &phone, ContactEmail: &email,
		PreferredChannel: repo.ChannelVoice, CreatedAt: monday,
	}))
	h.invoice(t, "i1", "INV-1", amountCents, "2025-02-01")
}

func (h *harness) invoice(t *testing.T, id, no string, amountCents int64, due string) {
	t.Helper()
	require.NoError(t, h.store.InsertInvoice(context.Background(), repo.Invoice{
		ID: id, UserID: "u1", VendorID: "v1", InvoiceNo: no, AmountCents: amountCents, DueDate: due,
		State: repo.StateOverdue, LastStateChangeAt: monday, CreatedAt: monday, UpdatedAt: monday,
	}))
}

func (h *harness) markDoNotCall(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	v, err := h.store.GetVendor(ctx, "v1")
	require.NoError(t, err)
	v.DoNotCall = true
	require.NoError(t, h.store.UpdateVendor(ctx, *v))
}

func TestEndToEndFollowUp(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	decision, err := h.svc.CanContact(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 3, decision.AttemptsRemaining)

	batch, err := h.svc.StartFollowUps(ctx, []string{"i1"})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Queued)
	require.Len(t, batch.Results, 1)
	assert.NotEmpty(t, batch.Results[0].RunID)

	inv, err := h.store.GetInvoice(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, repo.StateInProgress, inv.State)

	view, err := h.svc.GetActiveRun(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, view.Trace, 1)
	assert.Equal(t, trace.ToolStateTransition, view.Trace[0].Tool)
	assert.Equal(t, "Updated to InProgress", view.Trace[0].Summary)
}

func TestStartFollowUpsReportsPerItem(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	h.invoice(t, "i2", "INV-2", 5000, "2025-02-15")
	ctx := context.Background()

	_, err := h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i2", AmountCents: 5000})
	require.NoError(t, err)

	batch, err := h.svc.StartFollowUps(ctx, []string{"missing", "i2", "i1"})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Queued)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, collection.SkipMissing, batch.Results[0].Skipped)
	assert.Equal(t, collection.SkipTerminal, batch.Results[1].Skipped)
	assert.NotEmpty(t, batch.Results[2].RunID)
}

func TestCanContactBlocks(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	missing, err := h.svc.CanContact(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, missing.Allowed)
	assert.Equal(t, "Invalid data", missing.Reason)

	for i := 0; i < 3; i++ {
		_, err := h.svc.RecordAttempt(ctx, collection.AttemptInput{VendorID: "v1", InvoiceID: "i1", Channel: repo.ChannelEmail})
		require.NoError(t, err)
	}
	capped, err := h.svc.CanContact(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, capped.Allowed)
	assert.Equal(t, guardrail.RuleAttemptCap, capped.Rule)
	assert.Contains(t, capped.Reason, "3")

	h.markDoNotCall(t)
	dnc, err := h.svc.CanContact(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, guardrail.RuleDoNotCall, dnc.Rule)
}

func TestConcurrentAttemptsAreAllCounted(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.RecordAttempt(ctx, collection.AttemptInput{VendorID: "v1", Channel: repo.ChannelVoice})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	state, err := h.store.GetVendorState(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, workers, state.AttemptsThisWeek)
}

func TestRecordAttemptValidates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	_, err := h.svc.RecordAttempt(ctx, collection.AttemptInput{VendorID: "v1", Channel: "fax"})
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)

	_, err = h.svc.RecordAttempt(ctx, collection.AttemptInput{VendorID: "ghost", Channel: repo.ChannelVoice})
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestPartialThenFullPayment(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 5000)
	ctx := context.Background()

	first, err := h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i1", AmountCents: 2000})
	require.NoError(t, err)
	assert.Equal(t, repo.StatePartialPaid, first.Invoice.State)
	assert.Equal(t, int64(2000), first.Invoice.PaidCents)

	second, err := h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i1", AmountCents: 3000})
	require.NoError(t, err)
	assert.Equal(t, repo.StatePaid, second.Invoice.State)
	assert.Equal(t, int64(5000), second.Invoice.PaidCents)
	assert.True(t, second.FullyPaid)

	state, err := h.store.GetVendorState(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), state.TotalRecoveredCents)
	require.NotNil(t, state.HistoricalMode)
	assert.Equal(t, repo.ModeFullToday, *state.HistoricalMode)
}

func TestOverpaymentClampsToAmount(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 5000)
	ctx := context.Background()

	out, err := h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i1", AmountCents: 9000})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), out.Invoice.PaidCents)
	assert.Equal(t, int64(5000), out.AppliedCents)
	assert.Equal(t, repo.StatePaid, out.Invoice.State)

	again, err := h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i1", AmountCents: 1000})
	require.NoError(t, err)
	assert.Zero(t, again.AppliedCents)
	state, err := h.store.GetVendorState(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, state.LastPaidAmountCents)
	assert.Equal(t, int64(5000), *state.LastPaidAmountCents)
	assert.Equal(t, int64(5000), state.TotalRecoveredCents)

	_, err = h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i1", AmountCents: 0})
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
	_, err = h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "nope", AmountCents: 100})
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestUpdateInvoiceState(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	inv, err := h.svc.UpdateInvoiceState(ctx, collection.StateInput{
		InvoiceID: "i1", State: "PromiseToPay", PromiseDate: "2025-03-20", Memo: "will pay Friday",
	})
	require.NoError(t, err)
	assert.Equal(t, repo.StatePromiseToPay, inv.State)
	require.NotNil(t, inv.PromiseDate)
	assert.Equal(t, "2025-03-20", *inv.PromiseDate)

	state, err := h.store.GetVendorState(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, state.HistoricalMode)
	assert.Equal(t, repo.ModePromise, *state.HistoricalMode)

	view, err := h.svc.GetActiveRun(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, view.Trace, 1)
	assert.Equal(t, "Updated to PromiseToPay", view.Trace[0].Summary)

	_, err = h.svc.UpdateInvoiceState(ctx, collection.StateInput{InvoiceID: "i1", State: "Paid"})
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
	_, err = h.svc.UpdateInvoiceState(ctx, collection.StateInput{InvoiceID: "i1", State: "Closed"})
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
	_, err = h.svc.UpdateInvoiceState(ctx, collection.StateInput{InvoiceID: "i1", State: "Dispute", PromiseDate: "soon"})
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
	_, err = h.svc.UpdateInvoiceState(ctx, collection.StateInput{InvoiceID: "nope", State: "Dispute"})
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestProposalMinimumThreshold(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	p, err := h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-a", InvoiceID: "i1", ProposedCents: 3999})
	require.NoError(t, err)
	assert.False(t, p.MeetsMinimum)
	assert.Equal(t, int64(4000), p.MinAcceptableCents)

	p, err = h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-a", ProposedCents: 4000})
	require.NoError(t, err)
	assert.True(t, p.MeetsMinimum)

	p, err = h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-a", ProposedCents: 50000})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), p.ProposedCents)
	assert.Len(t, h.broadcast.views, 3)
}

func TestFullPaymentDiscount(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	discount := int64(200)
	p, err := h.svc.UpdateProposal(ctx, collection.ProposalInput{
		CallID: "call-d", InvoiceID: "i1", ProposedCents: 10000, DiscountBps: &discount,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.SavingsCents)
	assert.Equal(t, int64(9800), p.FinalCents)
}

func TestAcceptProposalOnlyOnce(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	_, err := h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-b", InvoiceID: "i1", ProposedCents: 6000})
	require.NoError(t, err)

	acc, err := h.svc.AcceptProposal(ctx, "call-b", "")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/cs_1", acc.PaymentURL)
	assert.True(t, acc.Proposal.Accepted)

	_, err = h.svc.AcceptProposal(ctx, "call-b", "")
	assert.ErrorIs(t, err, collection.ErrPreconditionFailed)
	assert.Len(t, h.billing.requests, 1)
	assert.Equal(t, int64(6000), h.billing.requests[0].AmountCents)

	_, err = h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-b", ProposedCents: 7000})
	assert.ErrorIs(t, err, collection.ErrPreconditionFailed)

	payments, err := h.store.ListPayments(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, repo.PaymentCreated, payments[0].Status)
}

func TestAcceptProposalRequotesAfterPayment(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	_, err := h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-x", InvoiceID: "i1", ProposedCents: 10000})
	require.NoError(t, err)
	_, err = h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i1", AmountCents: 9000})
	require.NoError(t, err)

	acc, err := h.svc.AcceptProposal(ctx, "call-x", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acc.Proposal.OutstandingCents)
	assert.Equal(t, int64(1000), acc.Proposal.ProposedCents)
	assert.Equal(t, int64(1000), acc.Proposal.FinalCents)
	assert.Equal(t, int64(1000), acc.Proposal.MinAcceptableCents)
	assert.True(t, acc.Proposal.MeetsMinimum)
	require.Len(t, h.billing.requests, 1)
	assert.Equal(t, int64(1000), h.billing.requests[0].AmountCents)

	stored, err := h.store.GetProposal(ctx, "call-x")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.FinalCents)
}

func TestAcceptProposalAfterFullPaymentFails(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	_, err := h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-y", InvoiceID: "i1", ProposedCents: 6000})
	require.NoError(t, err)
	_, err = h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i1", AmountCents: 10000})
	require.NoError(t, err)

	_, err = h.svc.AcceptProposal(ctx, "call-y", "")
	assert.ErrorIs(t, err, collection.ErrPreconditionFailed)
	assert.Empty(t, h.billing.requests)

	p, err := h.store.GetProposal(ctx, "call-y")
	require.NoError(t, err)
	assert.False(t, p.Accepted)
}

func TestAcceptProposalBelowMinimum(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	_, err := h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-c", InvoiceID: "i1", ProposedCents: 1000})
	require.NoError(t, err)
	_, err = h.svc.AcceptProposal(ctx, "call-c", "")
	assert.ErrorIs(t, err, collection.ErrPreconditionFailed)
	assert.Empty(t, h.billing.requests)
}

func TestAcceptProposalReleasesClaimOnBillingFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	_, err := h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-e", InvoiceID: "i1", ProposedCents: 5000})
	require.NoError(t, err)

	h.billing.err = errors.New("stripe down")
	_, err = h.svc.AcceptProposal(ctx, "call-e", "")
	assert.ErrorIs(t, err, collection.ErrAdapterFailure)

	p, err := h.store.GetProposal(ctx, "call-e")
	require.NoError(t, err)
	assert.False(t, p.Accepted)
	assert.Nil(t, p.AcceptedAt)

	h.billing.err = nil
	acc, err := h.svc.AcceptProposal(ctx, "call-e", "")
	require.NoError(t, err)
	assert.NotEmpty(t, acc.PaymentURL)
}

func TestPlaceCallRecordsAttemptAndTrace(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	res, err := h.svc.PlaceCall(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, "call-1", res.CallID)
	require.Len(t, h.voice.calls, 1)
	assert.Equal(t, "+15550100", h.voice.calls[0].Phone)
	assert.Equal(t, "INV-1", h.voice.calls[0].Variables["invoiceNo"])
	assert.Equal(t, int64(4000), h.voice.calls[0].Variables["minPaymentCents"])

	attempt, err := h.store.GetAttemptByTranscriptRef(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, repo.ChannelVoice, attempt.Channel)

	rec, err := h.store.GetCallRecord(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "queued", rec.Status)

	state, err := h.store.GetVendorState(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.AttemptsThisWeek)

	view, err := h.svc.GetActiveRun(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, view.Trace, 1)
	assert.Equal(t, "Calling +15550100", view.Trace[0].Summary)

	settlement, err := h.svc.GetSettlement(ctx, "call-1")
	require.NoError(t, err)
	assert.Nil(t, settlement.Proposal)
	assert.Equal(t, "i1", settlement.Context.InvoiceID)
}

func TestPlaceCallBlockedIsTracedNotDialled(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	h.markDoNotCall(t)
	ctx := context.Background()

	res, err := h.svc.PlaceCall(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.Empty(t, h.voice.calls)

	view, err := h.svc.GetActiveRun(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, view.Trace, 1)
	assert.Equal(t, repo.TraceBlocked, view.Trace[0].Status)
	require.NotNil(t, view.Trace[0].PolicyMsg)
	assert.Equal(t, "Vendor on Do Not Call list", *view.Trace[0].PolicyMsg)
}

func TestPlaceCallAdapterFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	h.voice.err = errors.New("vapi unavailable")
	ctx := context.Background()

	_, err := h.svc.PlaceCall(ctx, "i1")
	assert.ErrorIs(t, err, collection.ErrAdapterFailure)

	view, err := h.svc.GetActiveRun(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, view.Trace, 1)
	assert.Equal(t, repo.TraceError, view.Trace[0].Status)
}

func TestSendEmailCountsAttempt(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	res, err := h.svc.SendEmail(ctx, collection.EmailInput{InvoiceID: "i1", Subject: "Invoice INV-1", Text: "Please pay."})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", res.MessageID)
	require.Len(t, h.mail.sent, 1)
	assert.Equal(t, "billing@globex.example.com", h.mail.sent[0].To)

	memory, err := h.svc.GetVendorMemory(ctx, "v1", 10)
	require.NoError(t, err)
	require.Len(t, memory.Attempts, 1)
	assert.Equal(t, repo.ChannelEmail, memory.Attempts[0].Channel)

	_, err = h.svc.SendEmail(ctx, collection.EmailInput{InvoiceID: "i1"})
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
}

func TestRecordCallOutcomeCountsUnplacedCallsOnly(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	_, err := h.svc.PlaceCall(ctx, "i1")
	require.NoError(t, err)

	state, err := h.svc.RecordCallOutcome(ctx, "v1", "customer-ended-call", "call-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.AttemptsThisWeek)
	require.NotNil(t, state.LastOutcome)
	assert.Equal(t, "customer-ended-call", *state.LastOutcome)

	attempts, err := h.store.ListAttempts(ctx, "v1", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "customer-ended-call", attempts[0].Result)

	state, err = h.svc.RecordCallOutcome(ctx, "v1", "completed", "external-call")
	require.NoError(t, err)
	assert.Equal(t, 2, state.AttemptsThisWeek)

	n, err := h.svc.ResetWeeklyAttempts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	after, err := h.store.GetVendorState(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 0, after.AttemptsThisWeek)
}

func TestPaymentLinkStatusMovesForwardOnly(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	link, err := h.svc.SendPaymentLink(ctx, collection.LinkInput{InvoiceID: "i1", AmountCents: 2000})
	require.NoError(t, err)
	assert.True(t, link.Emailed)
	assert.Contains(t, h.mail.sent[0].Text, link.URL)

	payment, err := h.svc.UpdatePaymentStatus(ctx, billing.ProviderName, "cs_1", repo.PaymentSucceeded)
	require.NoError(t, err)
	assert.Equal(t, repo.PaymentSucceeded, payment.Status)

	inv, err := h.store.GetInvoice(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, repo.StatePartialPaid, inv.State)
	assert.Equal(t, int64(2000), inv.PaidCents)

	_, err = h.svc.UpdatePaymentStatus(ctx, billing.ProviderName, "cs_1", repo.PaymentFailed)
	assert.ErrorIs(t, err, collection.ErrPreconditionFailed)

	_, err = h.svc.UpdatePaymentStatus(ctx, billing.ProviderName, "cs_1", repo.PaymentSucceeded)
	require.NoError(t, err)
	inv, err = h.store.GetInvoice(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), inv.PaidCents)

	_, err = h.svc.UpdatePaymentStatus(ctx, billing.ProviderName, "cs_missing", repo.PaymentSucceeded)
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestScheduleFollowUp(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	_, err := h.svc.ScheduleFollowUp(ctx, collection.FollowUpInput{VendorID: "v1", Date: "next tuesday"})
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)

	state, err := h.svc.ScheduleFollowUp(ctx, collection.FollowUpInput{
		VendorID: "v1", InvoiceID: "i1", Date: "2025-03-14", Reason: "Asked to call back Friday", ScheduledBy: "ai",
	})
	require.NoError(t, err)
	require.NotNil(t, state.NextFollowUpAt)
	assert.Equal(t, "2025-03-14", state.NextFollowUpAt.Format("2006-01-02"))
	require.NotNil(t, state.LastOutcome)
	assert.Equal(t, "Asked to call back Friday", *state.LastOutcome)

	view, err := h.svc.GetActiveRun(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, view.Trace, 1)
	assert.Equal(t, "Follow-up scheduled for 2025-03-14", view.Trace[0].Summary)
}

func TestTraceTimestampsNeverGoBackwards(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	run, err := h.svc.OpenRun(ctx, "i1")
	require.NoError(t, err)

	clock := []time.Time{monday.Add(time.Minute), monday, monday.Add(-time.Hour)}
	for _, now := range clock {
		now := now
		h.svc.SetClock(func() time.Time { return now })
		_, err := h.svc.AppendTrace(ctx, run.ID, trace.EmailSend{To: "a@example.com"}, repo.TraceOK, nil)
		require.NoError(t, err)
	}

	items, err := h.store.ListTraceItems(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.False(t, items[i].TS.Before(items[i-1].TS))
	}

	_, err = h.svc.AppendTrace(ctx, run.ID, trace.EmailSend{}, "weird", nil)
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)

	require.NoError(t, h.svc.EndRun(ctx, run.ID, ""))
	assert.ErrorIs(t, h.svc.EndRun(ctx, run.ID, "again"), collection.ErrPreconditionFailed)
}

func TestGetOverdueInvoicesSortedByDaysLate(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	h.invoice(t, "i2", "INV-2", 2000, "2025-01-05")
	h.invoice(t, "i3", "INV-3", 3000, "2025-03-01")
	ctx := context.Background()

	list, err := h.svc.GetOverdueInvoices(ctx, "u1", nil, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"i2", "i1", "i3"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, 64, list[0].DaysLate)
	assert.Equal(t, "Globex", list[0].VendorName)

	_, err = h.svc.GetOverdueInvoices(ctx, "u1", []repo.InvoiceState{"Bogus"}, 0)
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
}

func TestNegotiationContext(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	view, err := h.svc.NegotiationContext(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), view.OutstandingCents)
	assert.Equal(t, int64(4000), view.MinAcceptableCents)
	assert.Equal(t, 37, view.DaysLate)
	assert.NotEmpty(t, view.Options)
}

func TestPostCallEmailFallsBackToGenericMessage(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	report := &vapi.Report{Messages: []vapi.Utterance{{Role: "user", Text: "I need to think about it."}}}
	out, err := h.svc.SendPostCallEmail(ctx, "call-z", "i1", report)
	require.NoError(t, err)
	assert.True(t, out.GenericBody)
	assert.Equal(t, "https://portal.example.com/settle/call-z", out.PaymentURL)
	require.Len(t, h.mail.sent, 1)
	assert.Contains(t, h.mail.sent[0].Text, "at your earliest convenience")

	require.NoError(t, h.svc.RecordTranscript(ctx, "call-y", vapi.Utterance{Role: "user", Kind: vapi.KindFinal, Text: "OK, I'll pay $50 today."}, monday))
	out, err = h.svc.SendPostCallEmail(ctx, "call-y", "i1", nil)
	require.NoError(t, err)
	require.NotNil(t, out.Extraction.AmountCents)
	assert.Equal(t, int64(5000), *out.Extraction.AmountCents)
	assert.Contains(t, h.mail.sent[1].Text, "$50.00")
}

func TestInvoiceMetrics(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	h.invoice(t, "i2", "INV-2", 4000, "2025-02-15")
	h.invoice(t, "i3", "INV-3", 3000, "2025-03-01")
	ctx := context.Background()

	_, err := h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i2", AmountCents: 1000})
	require.NoError(t, err)
	_, err = h.svc.UpdateInvoiceState(ctx, collection.StateInput{InvoiceID: "i3", State: "InProgress"})
	require.NoError(t, err)

	m, err := h.svc.InvoiceMetrics(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, collection.InvoiceMetrics{
		UserID: "u1", Overdue: 1, InProgress: 1, Paid: 1, TotalOutstandingCents: 10000,
	}, *m)

	all, err := h.svc.AllInvoiceMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, *m, all[0])

	_, err = h.svc.InvoiceMetrics(ctx, "nope")
	assert.ErrorIs(t, err, collection.ErrNotFound)
	_, err = h.svc.InvoiceMetrics(ctx, "")
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
}

func TestPaymentStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	empty, err := h.svc.PaymentStatus(ctx, "i1")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalPaidCents)
	assert.Empty(t, empty.Pending)
	assert.Nil(t, empty.LastPaymentAt)

	_, err = h.svc.RecordPayment(ctx, collection.PaymentInput{InvoiceID: "i1", AmountCents: 2500})
	require.NoError(t, err)
	_, err = h.svc.UpdateProposal(ctx, collection.ProposalInput{CallID: "call-p", InvoiceID: "i1", ProposedCents: 5000})
	require.NoError(t, err)
	_, err = h.svc.AcceptProposal(ctx, "call-p", "")
	require.NoError(t, err)

	status, err := h.svc.PaymentStatus(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), status.TotalPaidCents)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, int64(5000), status.Pending[0].AmountCents)
	require.NotNil(t, status.LastPaymentAt)
	assert.True(t, monday.Equal(*status.LastPaymentAt))

	_, err = h.svc.PaymentStatus(ctx, "nope")
	assert.ErrorIs(t, err, collection.ErrNotFound)
}

func TestLiveTranscript(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 10000)
	ctx := context.Background()

	lines, err := h.svc.LiveTranscript(ctx, "call-t")
	require.NoError(t, err)
	assert.Empty(t, lines)

	require.NoError(t, h.store.InsertTranscript(ctx, repo.CallTranscript{
		ID: "t1", CallID: "call-t", Role: "assistant", Kind: "final", Text: "Hi, this is Acme AP.", TS: monday,
	}))
	require.NoError(t, h.store.InsertTranscript(ctx, repo.CallTranscript{
		ID: "t2", CallID: "call-t", Role: "user", Kind: "final", Text: "I can pay 500 today.", TS: monday.Add(time.Second),
	}))

	lines, err = h.svc.LiveTranscript(ctx, "call-t")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "I can pay 500 today.", lines[1].Text)

	_, err = h.svc.LiveTranscript(ctx, " ")
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
}
