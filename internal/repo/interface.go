package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	UserID   string
	VendorID string
	States   []InvoiceState
	Limit    int
}

// Queries defines the data operations available both on a Store and inside a transaction.
type Queries interface {
	// Users
	InsertUser(ctx context.Context, u AppUser) error
	GetUser(ctx context.Context, id string) (*AppUser, error)
	ListUsers(ctx context.Context) ([]AppUser, error)

	// Vendors
	InsertVendor(ctx context.Context, v Vendor) error
	GetVendor(ctx context.Context, id string) (*Vendor, error)
	FindVendorByName(ctx context.Context, userID, name string) (*Vendor, error)
	ListVendors(ctx context.Context, userID string) ([]Vendor, error)
	UpdateVendor(ctx context.Context, v Vendor) error

	// Vendor state
	GetOrCreateVendorState(ctx context.Context, userID, vendorID string, now time.Time) (*VendorState, error)
	GetVendorState(ctx context.Context, vendorID string) (*VendorState, error)
	UpdateVendorState(ctx context.Context, s VendorState) error
	ResetWeeklyAttempts(ctx context.Context, now time.Time) (int64, error)

	// Invoices
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id string) (*Invoice, error)
	FindInvoiceByNumber(ctx context.Context, userID, invoiceNo string) (*Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice) error

	// Payments
	InsertPayment(ctx context.Context, p Payment) error
	GetPaymentByProviderRef(ctx context.Context, provider, ref string) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, id string, status PaymentStatus, now time.Time) error
	ListPayments(ctx context.Context, invoiceID string) ([]Payment, error)

	// Attempts
	InsertAttempt(ctx context.Context, a Attempt) error
	GetAttemptByTranscriptRef(ctx context.Context, ref string) (*Attempt, error)
	UpdateAttemptResult(ctx context.Context, id, result string) error
	ListAttempts(ctx context.Context, vendorID string, limit int) ([]Attempt, error)

	// Runs and trace
	InsertRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	LatestRun(ctx context.Context, invoiceID string) (*Run, error)
	EndRun(ctx context.Context, id, outcome string, now time.Time) error
	InsertTraceItem(ctx context.Context, item TraceItem) error
	LastTraceTS(ctx context.Context, runID string) (*time.Time, error)
	ListTraceItems(ctx context.Context, runID string) ([]TraceItem, error)

	// Settlement proposals
	GetProposal(ctx context.Context, callID string) (*SettlementProposal, error)
	GetProposalForUpdate(ctx context.Context, callID string) (*SettlementProposal, error)
	UpsertProposal(ctx context.Context, p SettlementProposal) error

	// Calls
	UpsertCallRecord(ctx context.Context, c CallRecord) error
	GetCallRecord(ctx context.Context, callID string) (*CallRecord, error)
	InsertTranscript(ctx context.Context, t CallTranscript) error
	ListTranscripts(ctx context.Context, callID string) ([]CallTranscript, error)
}

// Store is a transactional persistence backend.
type Store interface {
	Queries

	// WithTx runs fn inside a single transaction; returning an error rolls it back.
	WithTx(ctx context.Context, fn func(q Queries) error) error

	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error
}
