// Package importer loads vendors and invoices from CSV or XLSX sheets.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"ar-collect/internal/invoice"
	"ar-collect/internal/money"
	"ar-collect/internal/repo"
	"ar-collect/internal/vendormem"
)

// Columns are the recognised header names.
var Columns = []string{
	"vendor_name", "contact_email", "contact_phone", "preferred_channel", "do_not_call",
	"vendor_min_pct_bps", "invoice_no", "amount", "due_date", "memo",
}

// Row outcomes.
const (
	StatusCreated = "created"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

var errMissingHeader = errors.New("importer: vendor_name, invoice_no, amount and due_date columns are required")

// Row is one vendor/invoice line of an import sheet.
type Row struct {
	Line             int
	VendorName       string
	ContactEmail     string
	ContactPhone     string
	PreferredChannel string
	DoNotCall        string
	VendorMinPctBps  string
	InvoiceNo        string
	Amount           string
	DueDate          string
	Memo             string
}

// RowResult is the outcome of importing one row.
type RowResult struct {
	Line      int    `json:"line"`
	InvoiceNo string `json:"invoiceNo"`
	VendorID  string `json:"vendorId,omitempty"`
	InvoiceID string `json:"invoiceId,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Report summarises an import.
type Report struct {
	Created int         `json:"created"`
	Skipped int         `json:"skipped"`
	Failed  int         `json:"failed"`
	Rows    []RowResult `json:"rows"`
}

// Importer writes parsed rows into a store.
type Importer struct {
	store  repo.Store
	logger *slog.Logger
	now    func() time.Time
}

// New builds an Importer.
func New(store repo.Store, logger *slog.Logger) *Importer {
	return &Importer{
		store:  store,
		logger: logger.With("component", "importer"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the importer clock.
func (im *Importer) SetClock(now func() time.Time) {
	im.now = now
}

// ReadFile parses a .csv or .xlsx file by extension.
func ReadFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(f)
	case ".csv", "":
		return ReadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported import file type %q", filepath.Ext(path))
	}
}

// ReadCSV parses a CSV sheet with a header row.
func ReadCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rowsFromRecords(records)
}

// ReadXLSX parses the first worksheet of an XLSX workbook.
func ReadXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("xlsx workbook has no sheets")
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return rowsFromRecords(records)
}

func rowsFromRecords(records [][]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, nil
	}
	index := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		index[key] = i
	}
	for _, required := range []string{"vendor_name", "invoice_no", "amount", "due_date"} {
		if _, ok := index[required]; !ok {
			return nil, errMissingHeader
		}
	}

	var rows []Row
	for n, rec := range records[1:] {
		get := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		row := Row{
			Line:             n + 2,
			VendorName:       get("vendor_name"),
			ContactEmail:     get("contact_email"),
			ContactPhone:     get("contact_phone"),
			PreferredChannel: get("preferred_channel"),
			DoNotCall:        get("do_not_call"),
			VendorMinPctBps:  get("vendor_min_pct_bps"),
			InvoiceNo:        get("invoice_no"),
			Amount:           get("amount"),
			DueDate:          get("due_date"),
			Memo:             get("memo"),
		}
		if row.VendorName == "" && row.InvoiceNo == "" && row.Amount == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Import writes rows for userID. Each row commits on its own, so one bad row does not
// stop the rest.
func (im *Importer) Import(ctx context.Context, userID string, rows []Row) (*Report, error) {
	if _, err := im.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	report := &Report{}
	for _, row := range rows {
		res := im.importRow(ctx, userID, row)
		switch res.Status {
		case StatusCreated:
			report.Created++
		case StatusSkipped:
			report.Skipped++
		default:
			report.Failed++
			im.logger.Warn("import row failed", "line", row.Line, "invoice_no", row.InvoiceNo, "error", res.Error)
		}
		report.Rows = append(report.Rows, res)
	}
	im.logger.Info("import finished", "user_id", userID, "created", report.Created, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

func (im *Importer) importRow(ctx context.Context, userID string, row Row) RowResult {
	res := RowResult{Line: row.Line, InvoiceNo: row.InvoiceNo}
	fail := func(err error) RowResult {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	if row.VendorName == "" {
		return fail(errors.New("vendor_name is required"))
	}
	if row.InvoiceNo == "" {
		return fail(errors.New("invoice_no is required"))
	}
	amount, err := money.ParseCents(row.Amount)
	if err != nil {
		return fail(err)
	}
	if amount <= 0 {
		return fail(invoice.ErrNonPositiveAmount)
	}
	now := im.now()
	state, err := invoice.InitialState(row.DueDate, now)
	if err != nil {
		return fail(err)
	}
	candidate, err := vendorFromRow(userID, row, now)
	if err != nil {
		return fail(err)
	}

	err = im.store.WithTx(ctx, func(q repo.Queries) error {
		vendor, err := q.FindVendorByName(ctx, userID, row.VendorName)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if err := q.InsertVendor(ctx, candidate); err != nil {
				return fmt.Errorf("insert vendor: %w", err)
			}
			vendor = &candidate
		case err != nil:
			return fmt.Errorf("find vendor: %w", err)
		}
		res.VendorID = vendor.ID

		existing, err := q.FindInvoiceByNumber(ctx, userID, row.InvoiceNo)
		switch {
		case err == nil:
			res.InvoiceID = existing.ID
			res.Status = StatusSkipped
			return nil
		case !errors.Is(err, repo.ErrNotFound):
			return fmt.Errorf("find invoice: %w", err)
		}

		inv := repo.Invoice{
			ID:                uuid.NewString(),
			UserID:            userID,
			VendorID:          vendor.ID,
			InvoiceNo:         row.InvoiceNo,
			AmountCents:       amount,
			DueDate:           row.DueDate,
			State:             state,
			LastStateChangeAt: now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if row.Memo != "" {
			memo := row.Memo
			inv.Memo = &memo
		}
		if err := q.InsertInvoice(ctx, inv); err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}

		vs, err := q.GetOrCreateVendorState(ctx, userID, vendor.ID, now)
		if err != nil {
			return fmt.Errorf("load vendor state: %w", err)
		}
		vendormem.AddOutstanding(vs, amount, now)
		if err := q.UpdateVendorState(ctx, *vs); err != nil {
			return fmt.Errorf("update vendor state: %w", err)
		}
		res.InvoiceID = inv.ID
		res.Status = StatusCreated
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return res
}

func vendorFromRow(userID string, row Row, now time.Time) (repo.Vendor, error) {
	v := repo.Vendor{
		ID:               uuid.NewString(),
		UserID:           userID,
		Name:             row.VendorName,
		PreferredChannel: repo.ChannelVoice,
		CreatedAt:        now,
	}
	if row.ContactEmail != "" {
		email := row.ContactEmail
		v.ContactEmail = &email
	}
	if row.ContactPhone != "" {
		phone := row.ContactPhone
		v.ContactPhone = &phone
	}
	switch ch := repo.Channel(strings.ToLower(row.PreferredChannel)); ch {
	case "":
	case repo.ChannelVoice, repo.ChannelEmail:
		v.PreferredChannel = ch
	default:
		return v, fmt.Errorf("unknown preferred_channel %q", row.PreferredChannel)
	}
	if row.DoNotCall != "" {
		dnc, err := parseBool(row.DoNotCall)
		if err != nil {
			return v, err
		}
		v.DoNotCall = dnc
	}
	if row.VendorMinPctBps != "" {
		bps, err := strconv.ParseInt(row.VendorMinPctBps, 10, 64)
		if err != nil || bps < 0 || bps > money.BpsDenominator {
			return v, fmt.Errorf("vendor_min_pct_bps must be between 0 and %d, got %q", money.BpsDenominator, row.VendorMinPctBps)
		}
		v.VendorMinPctBps = &bps
	}
	return v, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("do_not_call: invalid boolean %q", s)
	}
	return b, nil
}
