package repo

import (
	"encoding/json"
	"time"
)

// Channel is a contact channel for a vendor.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelEmail Channel = "email"
)

// InvoiceState enumerates the collection lifecycle of an invoice.
type InvoiceState string

const (
	StateOverdue      InvoiceState = "Overdue"
	StateInProgress   InvoiceState = "InProgress"
	StatePromiseToPay InvoiceState = "PromiseToPay"
	StatePartialPaid  InvoiceState = "PartialPaid"
	StatePaid         InvoiceState = "Paid"
	StateDispute      InvoiceState = "Dispute"
	StateReassign     InvoiceState = "Reassign"
	StateCallback     InvoiceState = "Callback"
	StateDNC          InvoiceState = "DNC"
)

// PaymentStatus is the provider-reported status of a payment.
type PaymentStatus string

const (
	PaymentCreated   PaymentStatus = "created"
	PaymentSent      PaymentStatus = "sent"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// TraceStatus marks the outcome of a traced tool action.
type TraceStatus string

const (
	TraceOK      TraceStatus = "ok"
	TraceBlocked TraceStatus = "blocked"
	TraceError   TraceStatus = "error"
)

// PaymentMode records how a vendor last settled.
type PaymentMode string

const (
	ModeFullToday    PaymentMode = "full_today"
	ModePartialToday PaymentMode = "partial_today"
	ModePromise      PaymentMode = "promise"
)

// AppUser is the tenant that owns vendors and invoices.
type AppUser struct {
	ID                         string    `json:"id"`
	Email                      string    `json:"email"`
	CompanyName                string    `json:"companyName"`
	Timezone                   string    `json:"timezone"`
	ContactWindowStart         string    `json:"contactWindowStart"`
	ContactWindowEnd           string    `json:"contactWindowEnd"`
	MaxAttemptsPerWeek         int       `json:"maxAttemptsPerWeek"`
	MinPctBps                  int64     `json:"minPctBps"`
	DiscountIfFullTodayBps     int64     `json:"discountIfFullTodayBps"`
	AllowZeroTodayIfDaysLateLt int       `json:"allowZeroTodayIfDaysLateLt"`
	VoiceNumber                *string   `json:"voiceNumber,omitempty"`
	CreatedAt                  time.Time `json:"createdAt"`
}

// Vendor is a counterparty owing money to an AppUser.
type Vendor struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	Name               string    `json:"name"`
	ContactEmail       *string   `json:"contactEmail,omitempty"`
	ContactPhone       *string   `json:"contactPhone,omitempty"`
	PreferredChannel   Channel   `json:"preferredChannel"`
	DoNotCall          bool      `json:"doNotCall"`
	ContactWindowStart *string   `json:"contactWindowStart,omitempty"`
	ContactWindowEnd   *string   `json:"contactWindowEnd,omitempty"`
	VendorMinPctBps    *int64    `json:"vendorMinPctBps,omitempty"`
	Notes              *string   `json:"notes,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// VendorState is the per-vendor operational memory.
type VendorState struct {
	ID                    string       `json:"id"`
	UserID                string       `json:"userId"`
	VendorID              string       `json:"vendorId"`
	LastOutcome           *string      `json:"lastOutcome,omitempty"`
	AttemptsThisWeek      int          `json:"attemptsThisWeek"`
	LastAttemptAt         *time.Time   `json:"lastAttemptAt,omitempty"`
	NextFollowUpAt        *time.Time   `json:"nextFollowUpAt,omitempty"`
	FollowUpReason        *string      `json:"followUpReason,omitempty"`
	ScheduledBy           *string      `json:"scheduledBy,omitempty"`
	LastPromiseDate       *string      `json:"lastPromiseDate,omitempty"`
	LastPaidAt            *time.Time   `json:"lastPaidAt,omitempty"`
	LastPaidAmountCents   *int64       `json:"lastPaidAmountCents,omitempty"`
	HistoricalMode        *PaymentMode `json:"historicalMode,omitempty"`
	TotalOutstandingCents int64        `json:"totalOutstandingCents"`
	TotalRecoveredCents   int64        `json:"totalRecoveredCents"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
}

// Invoice is a single receivable.
type Invoice struct {
	ID                string       `json:"id"`
	UserID            string       `json:"userId"`
	VendorID          string       `json:"vendorId"`
	InvoiceNo         string       `json:"invoiceNo"`
	AmountCents       int64        `json:"amountCents"`
	PaidCents         int64        `json:"paidCents"`
	DueDate           string       `json:"dueDate"`
	State             InvoiceState `json:"state"`
	PromiseDate       *string      `json:"promiseDate,omitempty"`
	Memo              *string      `json:"memo,omitempty"`
	LastStateChangeAt time.Time    `json:"lastStateChangeAt"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Payment is a payment record against an invoice.
type Payment struct {
	ID          string        `json:"id"`
	InvoiceID   string        `json:"invoiceId"`
	Provider    string        `json:"provider"`
	ProviderRef string        `json:"providerRef"`
	AmountCents int64         `json:"amountCents"`
	Status      PaymentStatus `json:"status"`
	URL         *string       `json:"url,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Attempt is a single contact attempt.
type Attempt struct {
	ID            string    `json:"id"`
	VendorID      string    `json:"vendorId"`
	InvoiceID     *string   `json:"invoiceId,omitempty"`
	Channel       Channel   `json:"channel"`
	Result        string    `json:"result"`
	TranscriptRef *string   `json:"transcriptRef,omitempty"`
	CreatedBy     string    `json:"createdBy"`
	At            time.Time `json:"at"`
}

// Run groups the actions taken for one invoice collection effort.
type Run struct {
	ID        string     `json:"id"`
	InvoiceID string     `json:"invoiceId"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Outcome   *string    `json:"outcome,omitempty"`
}

// Active reports whether the run has not been ended.
func (r Run) Active() bool {
	return r.EndedAt == nil
}

// TraceItem is one append-only audit entry within a run.
type TraceItem struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	TS        time.Time       `json:"ts"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	Status    TraceStatus     `json:"status"`
	PolicyMsg *string         `json:"policyMsg,omitempty"`
}

// SettlementProposal is the live negotiated offer for a call.
type SettlementProposal struct {
	ID                 string     `json:"id"`
	CallID             string     `json:"callId"`
	VendorID           string     `json:"vendorId"`
	InvoiceID          string     `json:"invoiceId"`
	OutstandingCents   int64      `json:"outstandingCents"`
	ProposedCents      int64      `json:"proposedCents"`
	DiscountBps        int64      `json:"discountBps"`
	SavingsCents       int64      `json:"savingsCents"`
	FinalCents         int64      `json:"finalCents"`
	MinAcceptableCents int64      `json:"minAcceptableCents"`
	MeetsMinimum       bool       `json:"meetsMinimum"`
	Accepted           bool       `json:"accepted"`
	AcceptedAt         *time.Time `json:"acceptedAt,omitempty"`
	PaymentLinkURL     *string    `json:"paymentLinkUrl,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// CallRecord tracks the lifecycle of a voice call.
type CallRecord struct {
	CallID       string     `json:"callId"`
	VendorID     *string    `json:"vendorId,omitempty"`
	InvoiceID    *string    `json:"invoiceId,omitempty"`
	Status       string     `json:"status"`
	EndedReason  *string    `json:"endedReason,omitempty"`
	PhoneNumber  *string    `json:"phoneNumber,omitempty"`
	RecordingURL *string    `json:"recordingUrl,omitempty"`
	Summary      *string    `json:"summary,omitempty"`
	CostCents    *int64     `json:"costCents,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// CallTranscript is one utterance captured during a call.
type CallTranscript struct {
	ID     string    `json:"id"`
	CallID string    `json:"callId"`
	Role   string    `json:"role"`
	Kind   string    `json:"kind"`
	Text   string    `json:"text"`
	TS     time.Time `json:"ts"`
}
