package handlers

import (
	"context"
	"errors"
	"log/slog"

	"ar-collect/internal/billing"
	"ar-collect/internal/collection"
	"ar-collect/internal/repo"
)

// BillingProcessor applies checkout webhooks to payments.
type BillingProcessor struct {
	svc    *collection.Service
	logger *slog.Logger
}

// NewBillingProcessor creates a BillingProcessor.
func NewBillingProcessor(svc *collection.Service, logger *slog.Logger) *BillingProcessor {
	return &BillingProcessor{svc: svc, logger: logger.With("component", "billing_events")}
}

// HandleBillingEvent satisfies billing.Processor. Unknown sessions and stale status
// updates are acknowledged so the provider stops redelivering them.
func (p *BillingProcessor) HandleBillingEvent(ctx context.Context, evt billing.Event) error {
	var status repo.PaymentStatus
	switch evt.Type {
	case billing.EventCheckoutCompleted:
		if evt.Status != "" && evt.Status != "paid" {
			p.logger.Info("checkout completed without payment", "session_id", evt.SessionID, "payment_status", evt.Status)
			return nil
		}
		status = repo.PaymentSucceeded
	case billing.EventCheckoutExpired:
		status = repo.PaymentFailed
	default:
		return nil
	}

	_, err := p.svc.UpdatePaymentStatus(ctx, billing.ProviderName, evt.SessionID, status)
	switch {
	case errors.Is(err, collection.ErrNotFound):
		p.logger.Warn("billing event for unknown session", "session_id", evt.SessionID, "invoice_id", evt.InvoiceID)
		return nil
	case errors.Is(err, collection.ErrPreconditionFailed):
		p.logger.Info("ignoring stale payment status", "session_id", evt.SessionID, "status", status)
		return nil
	}
	return err
}
