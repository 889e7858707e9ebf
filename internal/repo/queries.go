package repo

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// queries implements Queries on top of a conn for a given dialect.
type queries struct {
	c conn
	d dialect
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	return q.c.exec(ctx, q.d.bind(query), args...)
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return q.c.queryRow(ctx, q.d.bind(query), args...)
}

func (q *queries) query(ctx context.Context, query string, args ...any) (rowsScanner, error) {
	return q.c.query(ctx, q.d.bind(query), args...)
}

// affected turns an exec result into ErrNotFound when no row matched.
func affected(what string) func(int64, error) error {
	return func(n int64, err error) error {
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil
	}
}

// ---- users ----

const userColumns = `id, email, company_name, timezone, contact_window_start, contact_window_end,
max_attempts_per_week, min_pct_bps, discount_if_full_today_bps, allow_zero_today_if_days_late_lt,
voice_number, created_at`

func scanUser(row rowScanner) (*AppUser, error) {
	var u AppUser
	if err := row.Scan(&u.ID, &u.Email, &u.CompanyName, &u.Timezone, &u.ContactWindowStart, &u.ContactWindowEnd,
		&u.MaxAttemptsPerWeek, &u.MinPctBps, &u.DiscountIfFullTodayBps, &u.AllowZeroTodayIfDaysLateLt,
		&u.VoiceNumber, &millis{&u.CreatedAt}); err != nil {
		return nil, err
	}
	return &u, nil
}

func (q *queries) InsertUser(ctx context.Context, u AppUser) error {
	const stmt = `INSERT INTO app_users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.exec(ctx, stmt, u.ID, u.Email, u.CompanyName, u.Timezone, u.ContactWindowStart, u.ContactWindowEnd,
		u.MaxAttemptsPerWeek, u.MinPctBps, u.DiscountIfFullTodayBps, u.AllowZeroTodayIfDaysLateLt,
		u.VoiceNumber, ms(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (q *queries) GetUser(ctx context.Context, id string) (*AppUser, error) {
	u, err := scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM app_users WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (q *queries) ListUsers(ctx context.Context) ([]AppUser, error) {
	rows, err := q.query(ctx, `SELECT `+userColumns+` FROM app_users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []AppUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// ---- vendors ----

const vendorColumns = `id, user_id, name, contact_email, contact_phone, preferred_channel, do_not_call,
contact_window_start, contact_window_end, vendor_min_pct_bps, notes, created_at`

func scanVendor(row rowScanner) (*Vendor, error) {
	var (
		v       Vendor
		channel string
	)
	if err := row.Scan(&v.ID, &v.UserID, &v.Name, &v.ContactEmail, &v.ContactPhone, &channel, &v.DoNotCall,
		&v.ContactWindowStart, &v.ContactWindowEnd, &v.VendorMinPctBps, &v.Notes, &millis{&v.CreatedAt}); err != nil {
		return nil, err
	}
	v.PreferredChannel = Channel(channel)
	return &v, nil
}

func (q *queries) InsertVendor(ctx context.Context, v Vendor) error {
	const stmt = `INSERT INTO vendors (` + vendorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.exec(ctx, stmt, v.ID, v.UserID, v.Name, v.ContactEmail, v.ContactPhone, string(v.PreferredChannel), v.DoNotCall,
		v.ContactWindowStart, v.ContactWindowEnd, v.VendorMinPctBps, v.Notes, ms(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert vendor: %w", err)
	}
	return nil
}

func (q *queries) GetVendor(ctx context.Context, id string) (*Vendor, error) {
	v, err := scanVendor(q.queryRow(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get vendor: %w", err)
	}
	return v, nil
}

func (q *queries) FindVendorByName(ctx context.Context, userID, name string) (*Vendor, error) {
	v, err := scanVendor(q.queryRow(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE user_id = ? AND name = ?`, userID, name))
	if err != nil {
		return nil, fmt.Errorf("find vendor: %w", err)
	}
	return v, nil
}

func (q *queries) ListVendors(ctx context.Context, userID string) ([]Vendor, error) {
	rows, err := q.query(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}
	defer rows.Close()
	var out []Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vendor: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (q *queries) UpdateVendor(ctx context.Context, v Vendor) error {
	const stmt = `UPDATE vendors SET name = ?, contact_email = ?, contact_phone = ?, preferred_channel = ?, do_not_call = ?,
contact_window_start = ?, contact_window_end = ?, vendor_min_pct_bps = ?, notes = ? WHERE id = ?`
	return affected("update vendor")(q.exec(ctx, stmt, v.Name, v.ContactEmail, v.ContactPhone, string(v.PreferredChannel), v.DoNotCall,
		v.ContactWindowStart, v.ContactWindowEnd, v.VendorMinPctBps, v.Notes, v.ID))
}

// ---- vendor state ----

const vendorStateColumns = `id, user_id, vendor_id, last_outcome, attempts_this_week, last_attempt_at, next_follow_up_at,
follow_up_reason, scheduled_by, last_promise_date, last_paid_at, last_paid_amount_cents, historical_mode,
total_outstanding_cents, total_recovered_cents, created_at, updated_at`

func scanVendorState(row rowScanner) (*VendorState, error) {
	var (
		s    VendorState
		mode *string
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.VendorID, &s.LastOutcome, &s.AttemptsThisWeek,
		&nullMillis{&s.LastAttemptAt}, &nullMillis{&s.NextFollowUpAt},
		&s.FollowUpReason, &s.ScheduledBy, &s.LastPromiseDate, &nullMillis{&s.LastPaidAt}, &s.LastPaidAmountCents, &mode,
		&s.TotalOutstandingCents, &s.TotalRecoveredCents, &millis{&s.CreatedAt}, &millis{&s.UpdatedAt}); err != nil {
		return nil, err
	}
	if mode != nil {
		m := PaymentMode(*mode)
		s.HistoricalMode = &m
	}
	return &s, nil
}

func (q *queries) GetOrCreateVendorState(ctx context.Context, userID, vendorID string, now time.Time) (*VendorState, error) {
	const insert = `INSERT INTO vendor_state (id, user_id, vendor_id, attempts_this_week, total_outstanding_cents,
total_recovered_cents, created_at, updated_at)
VALUES (?, ?, ?, 0, 0, 0, ?, ?)
ON CONFLICT (vendor_id) DO NOTHING`
	if _, err := q.exec(ctx, insert, newID(), userID, vendorID, ms(now), ms(now)); err != nil {
		return nil, fmt.Errorf("ensure vendor state: %w", err)
	}
	s, err := scanVendorState(q.queryRow(ctx, `SELECT `+vendorStateColumns+` FROM vendor_state WHERE vendor_id = ?`+q.d.forUpdate, vendorID))
	if err != nil {
		return nil, fmt.Errorf("load vendor state: %w", err)
	}
	return s, nil
}

func (q *queries) GetVendorState(ctx context.Context, vendorID string) (*VendorState, error) {
	s, err := scanVendorState(q.queryRow(ctx, `SELECT `+vendorStateColumns+` FROM vendor_state WHERE vendor_id = ?`, vendorID))
	if err != nil {
		return nil, fmt.Errorf("get vendor state: %w", err)
	}
	return s, nil
}

func (q *queries) UpdateVendorState(ctx context.Context, s VendorState) error {
	const stmt = `UPDATE vendor_state SET last_outcome = ?, attempts_this_week = ?, last_attempt_at = ?, next_follow_up_at = ?,
follow_up_reason = ?, scheduled_by = ?, last_promise_date = ?, last_paid_at = ?, last_paid_amount_cents = ?,
historical_mode = ?, total_outstanding_cents = ?, total_recovered_cents = ?, updated_at = ?
WHERE vendor_id = ?`
	var mode *string
	if s.HistoricalMode != nil {
		m := string(*s.HistoricalMode)
		mode = &m
	}
	return affected("update vendor state")(q.exec(ctx, stmt, s.LastOutcome, s.AttemptsThisWeek, msPtr(s.LastAttemptAt), msPtr(s.NextFollowUpAt),
		s.FollowUpReason, s.ScheduledBy, s.LastPromiseDate, msPtr(s.LastPaidAt), s.LastPaidAmountCents,
		mode, s.TotalOutstandingCents, s.TotalRecoveredCents, ms(s.UpdatedAt), s.VendorID))
}

func (q *queries) ResetWeeklyAttempts(ctx context.Context, now time.Time) (int64, error) {
	n, err := q.exec(ctx, `UPDATE vendor_state SET attempts_this_week = 0, updated_at = ? WHERE attempts_this_week <> 0`, ms(now))
	if err != nil {
		return 0, fmt.Errorf("reset weekly attempts: %w", err)
	}
	return n, nil
}

// ---- invoices ----

const invoiceColumns = `id, user_id, vendor_id, invoice_no, amount_cents, paid_cents, due_date, state, promise_date, memo,
last_state_change_at, created_at, updated_at`

func scanInvoice(row rowScanner) (*Invoice, error) {
	var (
		inv   Invoice
		state string
	)
	if err := row.Scan(&inv.ID, &inv.UserID, &inv.VendorID, &inv.InvoiceNo, &inv.AmountCents, &inv.PaidCents, &inv.DueDate,
		&state, &inv.PromiseDate, &inv.Memo, &millis{&inv.LastStateChangeAt}, &millis{&inv.CreatedAt}, &millis{&inv.UpdatedAt}); err != nil {
		return nil, err
	}
	inv.State = InvoiceState(state)
	return &inv, nil
}

func (q *queries) InsertInvoice(ctx context.Context, inv Invoice) error {
	const stmt = `INSERT INTO invoices (` + invoiceColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.exec(ctx, stmt, inv.ID, inv.UserID, inv.VendorID, inv.InvoiceNo, inv.AmountCents, inv.PaidCents, inv.DueDate,
		string(inv.State), inv.PromiseDate, inv.Memo, ms(inv.LastStateChangeAt), ms(inv.CreatedAt), ms(inv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (q *queries) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := scanInvoice(q.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (q *queries) GetInvoiceForUpdate(ctx context.Context, id string) (*Invoice, error) {
	inv, err := scanInvoice(q.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`+q.d.forUpdate, id))
	if err != nil {
		return nil, fmt.Errorf("lock invoice: %w", err)
	}
	return inv, nil
}

func (q *queries) FindInvoiceByNumber(ctx context.Context, userID, invoiceNo string) (*Invoice, error) {
	inv, err := scanInvoice(q.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE user_id = ? AND invoice_no = ?`, userID, invoiceNo))
	if err != nil {
		return nil, fmt.Errorf("find invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices returns invoices ordered by due date ascending, i.e. most days late first.
func (q *queries) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.VendorID != "" {
		where = append(where, "vendor_id = ?")
		args = append(args, filter.VendorID)
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, s := range filter.States {
			args = append(args, string(s))
		}
	}
	stmt := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY due_date ASC, invoice_no ASC"
	if filter.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (q *queries) UpdateInvoice(ctx context.Context, inv Invoice) error {
	const stmt = `UPDATE invoices SET paid_cents = ?, state = ?, promise_date = ?, memo = ?, last_state_change_at = ?, updated_at = ?
WHERE id = ?`
	return affected("update invoice")(q.exec(ctx, stmt, inv.PaidCents, string(inv.State), inv.PromiseDate, inv.Memo,
		ms(inv.LastStateChangeAt), ms(inv.UpdatedAt), inv.ID))
}

// ---- payments ----

const paymentColumns = `id, invoice_id, provider, provider_ref, amount_cents, status, url, created_at, updated_at`

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p      Payment
		status string
	)
	if err := row.Scan(&p.ID, &p.InvoiceID, &p.Provider, &p.ProviderRef, &p.AmountCents, &status, &p.URL,
		&millis{&p.CreatedAt}, &millis{&p.UpdatedAt}); err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	return &p, nil
}

func (q *queries) InsertPayment(ctx context.Context, p Payment) error {
	const stmt = `INSERT INTO payments (` + paymentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.exec(ctx, stmt, p.ID, p.InvoiceID, p.Provider, p.ProviderRef, p.AmountCents, string(p.Status), p.URL,
		ms(p.CreatedAt), ms(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (q *queries) GetPaymentByProviderRef(ctx context.Context, provider, ref string) (*Payment, error) {
	p, err := scanPayment(q.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider = ? AND provider_ref = ?`+q.d.forUpdate, provider, ref))
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (q *queries) UpdatePaymentStatus(ctx context.Context, id string, status PaymentStatus, now time.Time) error {
	return affected("update payment status")(q.exec(ctx, `UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`, string(status), ms(now), id))
}

func (q *queries) ListPayments(ctx context.Context, invoiceID string) ([]Payment, error) {
	rows, err := q.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id = ? ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---- attempts ----

const attemptColumns = `id, vendor_id, invoice_id, channel, result, transcript_ref, created_by, at`

func scanAttempt(row rowScanner) (*Attempt, error) {
	var (
		a       Attempt
		channel string
	)
	if err := row.Scan(&a.ID, &a.VendorID, &a.InvoiceID, &channel, &a.Result, &a.TranscriptRef, &a.CreatedBy, &millis{&a.At}); err != nil {
		return nil, err
	}
	a.Channel = Channel(channel)
	return &a, nil
}

func (q *queries) InsertAttempt(ctx context.Context, a Attempt) error {
	const stmt = `INSERT INTO attempts (` + attemptColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.exec(ctx, stmt, a.ID, a.VendorID, a.InvoiceID, string(a.Channel), a.Result, a.TranscriptRef, a.CreatedBy, ms(a.At))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (q *queries) GetAttemptByTranscriptRef(ctx context.Context, ref string) (*Attempt, error) {
	a, err := scanAttempt(q.queryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE transcript_ref = ? ORDER BY at DESC LIMIT 1`, ref))
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (q *queries) UpdateAttemptResult(ctx context.Context, id, result string) error {
	return affected("update attempt")(q.exec(ctx, `UPDATE attempts SET result = ? WHERE id = ?`, result, id))
}

func (q *queries) ListAttempts(ctx context.Context, vendorID string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.query(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE vendor_id = ? ORDER BY at DESC LIMIT ?`, vendorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ---- runs and trace ----

const runColumns = `id, invoice_id, started_at, ended_at, outcome`

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	if err := row.Scan(&r.ID, &r.InvoiceID, &millis{&r.StartedAt}, &nullMillis{&r.EndedAt}, &r.Outcome); err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *queries) InsertRun(ctx context.Context, r Run) error {
	_, err := q.exec(ctx, `INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.InvoiceID, ms(r.StartedAt), msPtr(r.EndedAt), r.Outcome)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (q *queries) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(q.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (q *queries) LatestRun(ctx context.Context, invoiceID string) (*Run, error) {
	r, err := scanRun(q.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE invoice_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, invoiceID))
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return r, nil
}

func (q *queries) EndRun(ctx context.Context, id, outcome string, now time.Time) error {
	return affected("end run")(q.exec(ctx, `UPDATE runs SET ended_at = ?, outcome = ? WHERE id = ? AND ended_at IS NULL`, ms(now), outcome, id))
}

const traceColumns = `id, run_id, ts, tool, input, output, status, policy_msg`

func scanTraceItem(row rowScanner) (*TraceItem, error) {
	var (
		item          TraceItem
		input, output string
		status        string
	)
	if err := row.Scan(&item.ID, &item.RunID, &millis{&item.TS}, &item.Tool, &input, &output, &status, &item.PolicyMsg); err != nil {
		return nil, err
	}
	item.Input = []byte(input)
	item.Output = []byte(output)
	item.Status = TraceStatus(status)
	return &item, nil
}

func (q *queries) InsertTraceItem(ctx context.Context, item TraceItem) error {
	input, output := string(item.Input), string(item.Output)
	if input == "" {
		input = "{}"
	}
	if output == "" {
		output = "{}"
	}
	_, err := q.exec(ctx, `INSERT INTO trace_items (`+traceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RunID, ms(item.TS), item.Tool, input, output, string(item.Status), item.PolicyMsg)
	if err != nil {
		return fmt.Errorf("insert trace item: %w", err)
	}
	return nil
}

func (q *queries) LastTraceTS(ctx context.Context, runID string) (*time.Time, error) {
	var last *time.Time
	if err := q.queryRow(ctx, `SELECT MAX(ts) FROM trace_items WHERE run_id = ?`, runID).Scan(&nullMillis{&last}); err != nil {
		return nil, fmt.Errorf("last trace ts: %w", err)
	}
	return last, nil
}

func (q *queries) ListTraceItems(ctx context.Context, runID string) ([]TraceItem, error) {
	rows, err := q.query(ctx, `SELECT `+traceColumns+` FROM trace_items WHERE run_id = ? ORDER BY ts ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list trace items: %w", err)
	}
	defer rows.Close()
	var out []TraceItem
	for rows.Next() {
		item, err := scanTraceItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace item: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// ---- settlement proposals ----

const proposalColumns = `id, call_id, vendor_id, invoice_id, outstanding_cents, proposed_cents, discount_bps, savings_cents,
final_cents, min_acceptable_cents, meets_minimum, accepted, accepted_at, payment_link_url, created_at, updated_at`

func scanProposal(row rowScanner) (*SettlementProposal, error) {
	var p SettlementProposal
	if err := row.Scan(&p.ID, &p.CallID, &p.VendorID, &p.InvoiceID, &p.OutstandingCents, &p.ProposedCents, &p.DiscountBps,
		&p.SavingsCents, &p.FinalCents, &p.MinAcceptableCents, &p.MeetsMinimum, &p.Accepted, &nullMillis{&p.AcceptedAt},
		&p.PaymentLinkURL, &millis{&p.CreatedAt}, &millis{&p.UpdatedAt}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) GetProposal(ctx context.Context, callID string) (*SettlementProposal, error) {
	p, err := scanProposal(q.queryRow(ctx, `SELECT `+proposalColumns+` FROM settlement_proposals WHERE call_id = ?`, callID))
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (q *queries) GetProposalForUpdate(ctx context.Context, callID string) (*SettlementProposal, error) {
	p, err := scanProposal(q.queryRow(ctx, `SELECT `+proposalColumns+` FROM settlement_proposals WHERE call_id = ?`+q.d.forUpdate, callID))
	if err != nil {
		return nil, fmt.Errorf("lock proposal: %w", err)
	}
	return p, nil
}

func (q *queries) UpsertProposal(ctx context.Context, p SettlementProposal) error {
	const stmt = `INSERT INTO settlement_proposals (` + proposalColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (call_id) DO UPDATE SET
    outstanding_cents = excluded.outstanding_cents,
    proposed_cents = excluded.proposed_cents,
    discount_bps = excluded.discount_bps,
    savings_cents = excluded.savings_cents,
    final_cents = excluded.final_cents,
    min_acceptable_cents = excluded.min_acceptable_cents,
    meets_minimum = excluded.meets_minimum,
    accepted = excluded.accepted,
    accepted_at = excluded.accepted_at,
    payment_link_url = excluded.payment_link_url,
    updated_at = excluded.updated_at`
	_, err := q.exec(ctx, stmt, p.ID, p.CallID, p.VendorID, p.InvoiceID, p.OutstandingCents, p.ProposedCents, p.DiscountBps,
		p.SavingsCents, p.FinalCents, p.MinAcceptableCents, p.MeetsMinimum, p.Accepted, msPtr(p.AcceptedAt),
		p.PaymentLinkURL, ms(p.CreatedAt), ms(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert proposal: %w", err)
	}
	return nil
}

// ---- calls ----

const callColumns = `call_id, vendor_id, invoice_id, status, ended_reason, phone_number, recording_url, summary, cost_cents,
started_at, ended_at, updated_at`

func (q *queries) UpsertCallRecord(ctx context.Context, c CallRecord) error {
	const stmt = `INSERT INTO call_records (` + callColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (call_id) DO UPDATE SET
    vendor_id = COALESCE(excluded.vendor_id, call_records.vendor_id),
    invoice_id = COALESCE(excluded.invoice_id, call_records.invoice_id),
    status = excluded.status,
    ended_reason = COALESCE(excluded.ended_reason, call_records.ended_reason),
    phone_number = COALESCE(excluded.phone_number, call_records.phone_number),
    recording_url = COALESCE(excluded.recording_url, call_records.recording_url),
    summary = COALESCE(excluded.summary, call_records.summary),
    cost_cents = COALESCE(excluded.cost_cents, call_records.cost_cents),
    started_at = COALESCE(call_records.started_at, excluded.started_at),
    ended_at = COALESCE(excluded.ended_at, call_records.ended_at),
    updated_at = excluded.updated_at`
	_, err := q.exec(ctx, stmt, c.CallID, c.VendorID, c.InvoiceID, c.Status, c.EndedReason, c.PhoneNumber, c.RecordingURL,
		c.Summary, c.CostCents, msPtr(c.StartedAt), msPtr(c.EndedAt), ms(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert call record: %w", err)
	}
	return nil
}

func (q *queries) GetCallRecord(ctx context.Context, callID string) (*CallRecord, error) {
	var c CallRecord
	err := q.queryRow(ctx, `SELECT `+callColumns+` FROM call_records WHERE call_id = ?`, callID).Scan(
		&c.CallID, &c.VendorID, &c.InvoiceID, &c.Status, &c.EndedReason, &c.PhoneNumber, &c.RecordingURL, &c.Summary,
		&c.CostCents, &nullMillis{&c.StartedAt}, &nullMillis{&c.EndedAt}, &millis{&c.UpdatedAt})
	if err != nil {
		return nil, fmt.Errorf("get call record: %w", err)
	}
	return &c, nil
}

func (q *queries) InsertTranscript(ctx context.Context, t CallTranscript) error {
	_, err := q.exec(ctx, `INSERT INTO call_transcripts (id, call_id, role, kind, text, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.CallID, t.Role, t.Kind, t.Text, ms(t.TS))
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (q *queries) ListTranscripts(ctx context.Context, callID string) ([]CallTranscript, error) {
	rows, err := q.query(ctx, `SELECT id, call_id, role, kind, text, ts FROM call_transcripts WHERE call_id = ? ORDER BY ts ASC, id ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()
	var out []CallTranscript
	for rows.Next() {
		var t CallTranscript
		if err := rows.Scan(&t.ID, &t.CallID, &t.Role, &t.Kind, &t.Text, &millis{&t.TS}); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
