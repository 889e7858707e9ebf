package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ar-collect/internal/billing"
	"ar-collect/internal/events"
	"ar-collect/internal/invoice"
	"ar-collect/internal/repo"
	"ar-collect/internal/settlement"
)

// minAcceptable is the smallest payment the vendor may settle for today.
func (s *Service) minAcceptable(user *repo.AppUser, vendor *repo.Vendor, inv *repo.Invoice) int64 {
	bps := user.MinPctBps
	if bps <= 0 {
		bps = s.cfg.DefaultMinPctBps
	}
	return settlement.MinAcceptable(inv.AmountCents, invoice.Outstanding(inv), bps, vendor.VendorMinPctBps)
}

// NegotiationView is what a negotiator needs to know about an invoice.
type NegotiationView struct {
	InvoiceID          string              `json:"invoiceId"`
	InvoiceNo          string              `json:"invoiceNo"`
	VendorID           string              `json:"vendorId"`
	VendorName         string              `json:"vendorName"`
	CompanyName        string              `json:"companyName"`
	State              repo.InvoiceState   `json:"state"`
	DueDate            string              `json:"dueDate"`
	DaysLate           int                 `json:"daysLate"`
	AmountCents        int64               `json:"amountCents"`
	OutstandingCents   int64               `json:"outstandingCents"`
	MinAcceptableCents int64               `json:"minAcceptableCents"`
	DiscountBps        int64               `json:"discountBps"`
	AllowZeroToday     bool                `json:"allowZeroToday"`
	Options            []settlement.Option `json:"options"`
	Memory             *repo.VendorState   `json:"memory,omitempty"`
}

// NegotiationContext loads the negotiation parameters for an invoice.
func (s *Service) NegotiationContext(ctx context.Context, invoiceID string) (*NegotiationView, error) {
	c, err := s.loadContact(ctx, s.store, invoiceID)
	if err != nil {
		return nil, err
	}
	return s.negotiationView(c), nil
}

func (s *Service) negotiationView(c *contactContext) *NegotiationView {
	outstanding := invoice.Outstanding(c.invoice)
	minimum := s.minAcceptable(c.user, c.vendor, c.invoice)
	daysLate, _ := invoice.DaysLate(c.invoice.DueDate, s.now())
	return &NegotiationView{
		InvoiceID:          c.invoice.ID,
		InvoiceNo:          c.invoice.InvoiceNo,
		VendorID:           c.vendor.ID,
		VendorName:         c.vendor.Name,
		CompanyName:        c.user.CompanyName,
		State:              c.invoice.State,
		DueDate:            c.invoice.DueDate,
		DaysLate:           daysLate,
		AmountCents:        c.invoice.AmountCents,
		OutstandingCents:   outstanding,
		MinAcceptableCents: minimum,
		DiscountBps:        c.user.DiscountIfFullTodayBps,
		AllowZeroToday:     daysLate < c.user.AllowZeroTodayIfDaysLateLt,
		Options:            settlement.PaymentOptions(outstanding, c.user.DiscountIfFullTodayBps, minimum, s.cfg.MaxInstallments),
		Memory:             c.state,
	}
}

// PaymentOptions lists the arrangements the voice agent may offer for an invoice.
func (s *Service) PaymentOptions(ctx context.Context, invoiceID string) ([]settlement.Option, error) {
	view, err := s.NegotiationContext(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return view.Options, nil
}

// SettlementView is the live negotiation state for a call.
type SettlementView struct {
	CallID   string                   `json:"callId"`
	Proposal *repo.SettlementProposal `json:"proposal,omitempty"`
	Context  *NegotiationView         `json:"context"`
}

// callInvoice resolves the invoice a call is about: from its proposal, the attempt
// recorded at placement, or the call record.
func callInvoice(ctx context.Context, q repo.Queries, callID string) (string, error) {
	if p, err := q.GetProposal(ctx, callID); err == nil {
		return p.InvoiceID, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	if a, err := q.GetAttemptByTranscriptRef(ctx, callID); err == nil && a.InvoiceID != nil {
		return *a.InvoiceID, nil
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	if rec, err := q.GetCallRecord(ctx, callID); err == nil && rec.InvoiceID != nil {
		return *rec.InvoiceID, nil
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	return "", fmt.Errorf("call %s: %w", callID, repo.ErrNotFound)
}

// GetSettlement returns the current proposal for a call, if any, with its invoice context.
func (s *Service) GetSettlement(ctx context.Context, callID string) (*SettlementView, error) {
	if callID == "" {
		return nil, invalidf("call id is required")
	}
	invoiceID, err := callInvoice(ctx, s.store, callID)
	if err != nil {
		return nil, err
	}
	c, err := s.loadContact(ctx, s.store, invoiceID)
	if err != nil {
		return nil, err
	}
	view := &SettlementView{CallID: callID, Context: s.negotiationView(c)}
	p, err := s.store.GetProposal(ctx, callID)
	switch {
	case err == nil:
		view.Proposal = p
	case !errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	return view, nil
}

// ProposalInput is a negotiator's current offer on a call. InvoiceID is needed only
// for the first proposal of a call that was not placed through this service.
// A nil DiscountBps keeps the proposal's discount, or the user's default.
type ProposalInput struct {
	CallID        string
	InvoiceID     string
	ProposedCents int64
	DiscountBps   *int64
}

// UpdateProposal recomputes and stores the live proposal for a call, then broadcasts it.
func (s *Service) UpdateProposal(ctx context.Context, in ProposalInput) (*repo.SettlementProposal, error) {
	if strings.TrimSpace(in.CallID) == "" {
		return nil, invalidf("call id is required")
	}
	if in.DiscountBps != nil && (*in.DiscountBps < 0 || *in.DiscountBps > 10000) {
		return nil, invalidf("discount must be between 0 and 10000 bps")
	}

	var proposal *repo.SettlementProposal
	err := s.store.WithTx(ctx, func(q repo.Queries) error {
		existing, err := q.GetProposalForUpdate(ctx, in.CallID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("load proposal: %w", err)
		}
		invoiceID := in.InvoiceID
		if existing != nil {
			invoiceID = existing.InvoiceID
		} else if invoiceID == "" {
			if invoiceID, err = callInvoice(ctx, q, in.CallID); err != nil {
				return err
			}
		}
		c, err := s.loadContact(ctx, q, invoiceID)
		if err != nil {
			return err
		}

		now := s.now()
		discount := c.user.DiscountIfFullTodayBps
		if in.DiscountBps != nil {
			discount = *in.DiscountBps
		} else if existing != nil {
			discount = existing.DiscountBps
		}
		quote := settlement.Compute(invoice.Outstanding(c.invoice), in.ProposedCents, discount, s.minAcceptable(c.user, c.vendor, c.invoice))

		proposal = existing
		if proposal == nil {
			proposal = &repo.SettlementProposal{
				ID:        uuid.NewString(),
				CallID:    in.CallID,
				VendorID:  c.vendor.ID,
				InvoiceID: c.invoice.ID,
				CreatedAt: now,
			}
		}
		if err := settlement.Apply(proposal, quote, now); err != nil {
			return precondition(err)
		}
		return q.UpsertProposal(ctx, *proposal)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Proposal("update")
	s.broadcastProposal(ctx, proposal)
	return proposal, nil
}

func (s *Service) broadcastProposal(ctx context.Context, p *repo.SettlementProposal) {
	if s.broadcast == nil {
		return
	}
	if err := s.broadcast.PublishSettlement(ctx, p.CallID, p); err != nil {
		s.logger.Warn("failed broadcasting proposal", "call_id", p.CallID, "error", err)
		s.metrics.Error("broadcast")
	}
}

// Acceptance is the result of accepting a proposal.
type Acceptance struct {
	Proposal   *repo.SettlementProposal `json:"proposal"`
	PaymentURL string                   `json:"paymentUrl"`
}

// AcceptProposal accepts the live proposal for a call and creates a payment link for
// its final amount, requoted against the invoice's current outstanding balance.
// The proposal is claimed before billing is called so a concurrent
// or repeated acceptance fails with ErrPreconditionFailed; a billing failure releases
// the claim.
func (s *Service) AcceptProposal(ctx context.Context, callID, email string) (*Acceptance, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, invalidf("call id is required")
	}

	var proposal *repo.SettlementProposal
	err := s.store.WithTx(ctx, func(q repo.Queries) error {
		var err error
		proposal, err = q.GetProposalForUpdate(ctx, callID)
		if err != nil {
			return fmt.Errorf("load proposal: %w", err)
		}
		if proposal.Accepted {
			return precondition(settlement.ErrAlreadyAccepted)
		}
		// Payments may have landed since the last update; quote against today's balance.
		inv, err := q.GetInvoiceForUpdate(ctx, proposal.InvoiceID)
		if err != nil {
			return fmt.Errorf("load invoice: %w", err)
		}
		c, err := s.loadContact(ctx, q, inv.ID)
		if err != nil {
			return err
		}
		now := s.now()
		quote := settlement.Compute(invoice.Outstanding(inv), proposal.ProposedCents, proposal.DiscountBps, s.minAcceptable(c.user, c.vendor, inv))
		if err := settlement.Apply(proposal, quote, now); err != nil {
			return precondition(err)
		}
		if err := settlement.CheckAcceptable(proposal); err != nil {
			return precondition(err)
		}
		if proposal.FinalCents <= 0 {
			return precondition(errors.New("proposal has nothing to pay"))
		}
		proposal.Accepted = true
		proposal.AcceptedAt = &now
		proposal.UpdatedAt = now
		return q.UpsertProposal(ctx, *proposal)
	})
	if err != nil {
		return nil, err
	}

	runID := s.activeRunID(ctx, proposal.InvoiceID)
	link, err := s.linkForProposal(ctx, runID, proposal, email)
	if err != nil {
		s.releaseClaim(ctx, callID)
		return nil, err
	}

	err = s.store.WithTx(ctx, func(q repo.Queries) error {
		now := s.now()
		proposal.PaymentLinkURL = ptr(link.URL)
		proposal.UpdatedAt = now
		if err := q.UpsertProposal(ctx, *proposal); err != nil {
			return err
		}
		return q.InsertPayment(ctx, repo.Payment{
			ID:          uuid.NewString(),
			InvoiceID:   proposal.InvoiceID,
			Provider:    billing.ProviderName,
			ProviderRef: link.ID,
			AmountCents: proposal.FinalCents,
			Status:      repo.PaymentCreated,
			URL:         ptr(link.URL),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store payment link: %w", err)
	}

	s.metrics.Proposal("accept")
	s.publish(ctx, events.SettlementAccepted, map[string]any{
		"callId":     callID,
		"invoiceId":  proposal.InvoiceID,
		"vendorId":   proposal.VendorID,
		"finalCents": proposal.FinalCents,
		"paymentUrl": link.URL,
	}, proposal.InvoiceID)
	s.broadcastProposal(ctx, proposal)
	return &Acceptance{Proposal: proposal, PaymentURL: link.URL}, nil
}

func (s *Service) linkForProposal(ctx context.Context, runID string, p *repo.SettlementProposal, email string) (*billing.Link, error) {
	inv, err := s.store.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	if email == "" {
		if vendor, err := s.store.GetVendor(ctx, p.VendorID); err == nil {
			email = deref(vendor.ContactEmail)
		}
	}
	return s.createLink(ctx, runID, inv, p.FinalCents, email)
}

// releaseClaim undoes an acceptance whose payment link could not be created.
func (s *Service) releaseClaim(ctx context.Context, callID string) {
	err := s.store.WithTx(ctx, func(q repo.Queries) error {
		p, err := q.GetProposalForUpdate(ctx, callID)
		if err != nil {
			return err
		}
		p.Accepted = false
		p.AcceptedAt = nil
		p.UpdatedAt = s.now()
		return q.UpsertProposal(ctx, *p)
	})
	if err != nil {
		s.logger.Error("failed releasing proposal claim", "call_id", callID, "error", err)
		s.metrics.Error("settlement")
	}
}
