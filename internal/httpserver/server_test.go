package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ar-collect/internal/billing"
	"ar-collect/internal/collection"
	"ar-collect/internal/repo"
	"ar-collect/internal/repo/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type stubBilling struct{ n int }

func (b *stubBilling) CreatePaymentLink(_ context.Context, req billing.LinkRequest) (*billing.Link, error) {
	b.n++
	return &billing.Link{ID: fmt.Sprintf("cs_%d", b.n), URL: fmt.Sprintf("https://pay.example.com/cs_%d", b.n)}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, token, basePath string) (http.Handler, repo.Store) {
	t.Helper()
	ctx := context.Background()
	store := repotest.NewSQLite(t)
	require.NoError(t, store.InsertUser(ctx, repo.AppUser{
		ID: "u1", Email: "ops@example.com", CompanyName: "Acme", Timezone: "UTC",
		ContactWindowStart: "09:00", ContactWindowEnd: "17:00", MaxAttemptsPerWeek: 3, MinPctBps: 4000, CreatedAt: now,
	}))
	require.NoError(t, store.InsertVendor(ctx, repo.Vendor{
		ID: "v1", UserID: "u1", Name: "Globex", PreferredChannel: repo.ChannelEmail, CreatedAt: now,
	}))
	require.NoError(t, store.InsertInvoice(ctx, repo.Invoice{
		ID: "i1", UserID: "u1", VendorID: "v1", InvoiceNo: "INV-1", AmountCents: 10000, DueDate: "2025-02-01",
		State: repo.StateOverdue, LastStateChangeAt: now, CreatedAt: now, UpdatedAt: now,
	}))

	svc := collection.New(store, collection.Dependencies{Billing: &stubBilling{}}, nil, discardLogger(), collection.Config{})
	svc.SetClock(func() time.Time { return now })

	srv := New(":0", discardLogger(), nil, Handlers{}, Dependencies{Service: svc, Store: store, APIToken: token}, basePath)
	return srv.Handler(), store
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t, "", "")
	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestBasePath(t *testing.T) {
	h, _ := newTestServer(t, "", "/ar/")
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/ar/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/arx/healthz", "").Code)
}

func TestAPITokenRequired(t *testing.T) {
	h, _ := newTestServer(t, "s3cret", "")
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/vendors/v1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/vendors/v1", "", "Authorization", "Bearer wrong").Code)

	rec := do(t, h, http.MethodGet, "/api/vendors/v1", "", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Vendor repo.Vendor `json:"vendor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Globex", body.Vendor.Name)

	// The portal is public.
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/portal/settlements/nope", "").Code)
}

func TestErrorMapping(t *testing.T) {
	h, _ := newTestServer(t, "", "")

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/vendors/missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/invoices/i1/state", `{"state":"bogus"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/invoices/i1/payments", `{"amountCents":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/invoices/i1/payments", `{not json`).Code)

	rec := do(t, h, http.MethodPost, "/api/invoices/i1/payments", `{"amountCents":10000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/invoices/i1/payment-link", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "no outstanding balance")
}

func TestOverdueAndFollowUps(t *testing.T) {
	h, store := newTestServer(t, "", "")

	rec := do(t, h, http.MethodGet, "/api/invoices/overdue?user=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Invoices []collection.OverdueInvoice `json:"invoices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Invoices, 1)
	assert.Equal(t, "i1", list.Invoices[0].ID)

	rec = do(t, h, http.MethodPost, "/api/follow-ups", `{"invoiceIds":["i1"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	inv, err := store.GetInvoice(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, repo.StateInProgress, inv.State)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/invoices/i1/run", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/invoices/overdue?limit=x", "").Code)
}

func TestPortalProposalAndAccept(t *testing.T) {
	h, store := newTestServer(t, "", "")

	rec := do(t, h, http.MethodPost, "/portal/settlements/call-9/proposal", `{"invoiceId":"i1","proposedCents":5000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var proposal repo.SettlementProposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proposal))
	assert.Equal(t, int64(5000), proposal.FinalCents)
	assert.Equal(t, int64(4000), proposal.MinAcceptableCents)
	assert.True(t, proposal.MeetsMinimum)

	rec = do(t, h, http.MethodGet, "/portal/settlements/call-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view collection.SettlementView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotNil(t, view.Proposal)
	assert.Equal(t, "i1", view.Context.InvoiceID)

	rec = do(t, h, http.MethodPost, "/portal/settlements/call-9/accept", `{"email":"ap@globex.example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var acceptance collection.Acceptance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acceptance))
	assert.Equal(t, "https://pay.example.com/cs_1", acceptance.PaymentURL)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/portal/settlements/call-9/accept", `{}`).Code)

	stored, err := store.GetProposal(context.Background(), "call-9")
	require.NoError(t, err)
	assert.True(t, stored.Accepted)
}

func TestReportingEndpoints(t *testing.T) {
	h, _ := newTestServer(t, "", "")

	rec := do(t, h, http.MethodPost, "/api/invoices/i1/payments", `{"amountCents":2500}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/invoices/i1/payments", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status collection.PaymentSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, int64(2500), status.TotalPaidCents)
	assert.Empty(t, status.Pending)

	rec = do(t, h, http.MethodGet, "/api/users/u1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var m collection.InvoiceMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 1, m.Paid)
	assert.Zero(t, m.Overdue)

	rec = do(t, h, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"userId":"u1"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/users/nope/metrics", "").Code)

	rec = do(t, h, http.MethodGet, "/api/calls/call-9/transcript", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"callId":"call-9","transcript":[]}`, rec.Body.String())
}
