package invoice

import (
	"testing"
	"time"

	"ar-collect/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newInvoice(amount int64) *repo.Invoice {
	return &repo.Invoice{
		ID:          "i1",
		AmountCents: amount,
		DueDate:     "2025-02-01",
		State:       repo.StateOverdue,
	}
}

func TestPartialThenFullPayment(t *testing.T) {
	inv := newInvoice(10000)

	res, err := ApplyPayment(inv, 2000, now)
	require.NoError(t, err)
	assert.Equal(t, repo.StatePartialPaid, inv.State)
	assert.Equal(t, int64(2000), inv.PaidCents)
	assert.Equal(t, repo.StateOverdue, res.From)
	assert.True(t, res.Changed())
	assert.Equal(t, now, inv.LastStateChangeAt)

	res, err = ApplyPayment(inv, 8000, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, repo.StatePaid, inv.State)
	assert.Equal(t, int64(10000), inv.PaidCents)
	assert.True(t, res.FullyPaid)
}

func TestOverpaymentIsClamped(t *testing.T) {
	inv := newInvoice(10000)
	inv.PaidCents = 9000

	res, err := ApplyPayment(inv, 5000, now)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), inv.PaidCents)
	assert.Equal(t, int64(1000), res.AppliedCents)
	assert.Equal(t, repo.StatePaid, inv.State)
	assert.Equal(t, int64(0), Outstanding(inv))
}

func TestNonPositivePaymentRejected(t *testing.T) {
	inv := newInvoice(10000)
	_, err := ApplyPayment(inv, 0, now)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)
	assert.Equal(t, repo.StateOverdue, inv.State)
}

func TestTransitionRejectsPaymentStates(t *testing.T) {
	inv := newInvoice(10000)
	_, err := Transition(inv, repo.StatePaid, nil, now)
	assert.ErrorIs(t, err, ErrPaymentDriven)
	_, err = Transition(inv, repo.StatePartialPaid, nil, now)
	assert.ErrorIs(t, err, ErrPaymentDriven)
	_, err = Transition(inv, repo.InvoiceState("Lost"), nil, now)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestTransitionToPromiseStoresDate(t *testing.T) {
	inv := newInvoice(10000)
	date := "2025-03-20"
	change, err := Transition(inv, repo.StatePromiseToPay, &date, now)
	require.NoError(t, err)
	assert.Equal(t, Change{From: repo.StateOverdue, To: repo.StatePromiseToPay}, change)
	require.NotNil(t, inv.PromiseDate)
	assert.Equal(t, date, *inv.PromiseDate)
	assert.Equal(t, now, inv.LastStateChangeAt)

	bad := "20/03/2025"
	_, err = Transition(inv, repo.StatePromiseToPay, &bad, now)
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestMinPartialCentsUsesStricterRate(t *testing.T) {
	assert.Equal(t, int64(4000), MinPartialCents(10000, 4000, nil))
	vendor := int64(5000)
	assert.Equal(t, int64(5000), MinPartialCents(10000, 4000, &vendor))
	lower := int64(1000)
	assert.Equal(t, int64(4000), MinPartialCents(10000, 4000, &lower))
	assert.Equal(t, int64(3333), MinPartialCents(9999, 3334, nil))
}

func TestDaysLateAndInitialState(t *testing.T) {
	late, err := DaysLate("2025-02-01", now)
	require.NoError(t, err)
	assert.Equal(t, 37, late)

	st, err := InitialState("2025-02-01", now)
	require.NoError(t, err)
	assert.Equal(t, repo.StateOverdue, st)

	st, err = InitialState("2025-03-10", now)
	require.NoError(t, err)
	assert.Equal(t, repo.StateInProgress, st)

	_, err = DaysLate("soon", now)
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestParseState(t *testing.T) {
	for _, s := range States() {
		got, err := ParseState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	assert.True(t, IsTerminal(repo.StateDNC))
	assert.False(t, IsTerminal(repo.StateCallback))
}
