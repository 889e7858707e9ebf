package importer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"ar-collect/internal/repo"
	"ar-collect/internal/repo/repotest"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

const sheet = `vendor_name,contact_email,contact_phone,preferred_channel,do_not_call,vendor_min_pct_bps,invoice_no,amount,due_date,memo
Globex,ap@globex.example.com,+15550100,voice,no,5000,INV-1,"1,250.50",2025-02-01,first
Globex,,,,,,INV-2,300,2025-04-01,
Initech,billing@initech.example.com,,email,yes,,INV-3,$99.99,2025-03-01,
Bad Amount,,,,,,INV-4,12.345,2025-02-01,
Bad Date,,,,,,INV-5,10,03/01/2025,
`

func newImporter(t *testing.T) (*Importer, repo.Store) {
	t.Helper()
	store := repotest.NewSQLite(t)
	require.NoError(t, store.InsertUser(context.Background(), repo.AppUser{
		ID: "u1", Email: "ops@example.com", Timezone: "UTC", ContactWindowStart: "09:00", ContactWindowEnd: "17:00",
		MaxAttemptsPerWeek: 3, CreatedAt: now,
	}))
	im := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	im.SetClock(func() time.Time { return now })
	return im, store
}

func TestReadCSV(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader(sheet))
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "1,250.50", rows[0].Amount)
	assert.Equal(t, "first", rows[0].Memo)

	_, err = ReadCSV(strings.NewReader("name,amount\nx,1\n"))
	assert.ErrorIs(t, err, errMissingHeader)
}

func TestImportCreatesAndSkips(t *testing.T) {
	im, store := newImporter(t)
	ctx := context.Background()
	rows, err := ReadCSV(strings.NewReader(sheet))
	require.NoError(t, err)

	report, err := im.Import(ctx, "u1", rows)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Created)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, StatusFailed, report.Rows[3].Status)
	assert.Equal(t, StatusFailed, report.Rows[4].Status)

	inv, err := store.FindInvoiceByNumber(ctx, "u1", "INV-1")
	require.NoError(t, err)
	assert.Equal(t, int64(125050), inv.AmountCents)
	assert.Equal(t, repo.StateOverdue, inv.State)

	notDue, err := store.FindInvoiceByNumber(ctx, "u1", "INV-2")
	require.NoError(t, err)
	assert.Equal(t, repo.StateInProgress, notDue.State)
	assert.Equal(t, inv.VendorID, notDue.VendorID)

	vendor, err := store.GetVendor(ctx, inv.VendorID)
	require.NoError(t, err)
	require.NotNil(t, vendor.VendorMinPctBps)
	assert.Equal(t, int64(5000), *vendor.VendorMinPctBps)

	state, err := store.GetVendorState(ctx, inv.VendorID)
	require.NoError(t, err)
	assert.Equal(t, int64(125050+30000), state.TotalOutstandingCents)

	initech, err := store.FindVendorByName(ctx, "u1", "Initech")
	require.NoError(t, err)
	assert.True(t, initech.DoNotCall)
	assert.Equal(t, repo.ChannelEmail, initech.PreferredChannel)

	again, err := im.Import(ctx, "u1", rows[:3])
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 3, again.Skipped)

	state, err = store.GetVendorState(ctx, inv.VendorID)
	require.NoError(t, err)
	assert.Equal(t, int64(155050), state.TotalOutstandingCents)
}

func TestImportUnknownUser(t *testing.T) {
	im, _ := newImporter(t)
	_, err := im.Import(context.Background(), "nobody", nil)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestReadXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheetName := f.GetSheetName(0)
	records := [][]string{
		{"vendor_name", "invoice_no", "amount", "due_date"},
		{"Globex", "INV-9", "42", "2025-01-15"},
	}
	for r, rec := range records {
		for c, v := range rec {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheetName, cell, v))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	rows, err := ReadXLSX(&buf)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "INV-9", rows[0].InvoiceNo)
	assert.Equal(t, "42", rows[0].Amount)
}

func TestSeedDemoIsIdempotent(t *testing.T) {
	im, store := newImporter(t)
	ctx := context.Background()

	report, err := im.SeedDemo(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(demoInvoices), report.Created)

	vendors, err := store.ListVendors(ctx, DemoUserID)
	require.NoError(t, err)
	assert.Len(t, vendors, 5)

	report, err = im.SeedDemo(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Created)
}
