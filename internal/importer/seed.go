package importer

import (
	"context"
	"errors"
	"fmt"

	"ar-collect/internal/invoice"
	"ar-collect/internal/money"
	"ar-collect/internal/repo"
)

// DemoUserID owns the demo tenant created by SeedDemo.
const DemoUserID = "demo-user"

type demoInvoice struct {
	vendor      string
	email       string
	phone       string
	channel     string
	invoiceNo   string
	amountCents int64
	daysOverdue int
}

var demoInvoices = []demoInvoice{
	{"ABC Supply Co.", "ap@abcsupply.example.com", "+15550100", "voice", "INV-2024-001", 250000, 45},
	{"Tech Solutions Inc.", "billing@techsolutions.example.com", "+15550101", "email", "INV-2024-002", 420000, 30},
	{"Global Logistics LLC", "accounts@globallogistics.example.com", "+15550102", "voice", "INV-2024-003", 890000, 60},
	{"Prime Materials Corp", "finance@primematerials.example.com", "+15550103", "voice", "INV-2024-004", 175000, 15},
	{"Metro Services", "billing@metroservices.example.com", "+15550104", "email", "INV-2024-005", 95000, 7},
	{"ABC Supply Co.", "ap@abcsupply.example.com", "+15550100", "voice", "INV-2024-006", 175000, 20},
	{"Global Logistics LLC", "accounts@globallogistics.example.com", "+15550102", "voice", "INV-2024-007", 225000, -10},
}

// SeedDemo creates a demo tenant with vendors and invoices. It does nothing when the
// demo user already exists.
func (im *Importer) SeedDemo(ctx context.Context) (*Report, error) {
	_, err := im.store.GetUser(ctx, DemoUserID)
	switch {
	case err == nil:
		im.logger.Info("demo data already present, skipping seed")
		return &Report{}, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("load demo user: %w", err)
	}

	now := im.now()
	voice := "+15550000"
	if err := im.store.InsertUser(ctx, repo.AppUser{
		ID:                         DemoUserID,
		Email:                      "collections@example.com",
		CompanyName:                "Test Company",
		Timezone:                   "America/Los_Angeles",
		ContactWindowStart:         "09:00",
		ContactWindowEnd:           "17:00",
		MaxAttemptsPerWeek:         5,
		MinPctBps:                  5000,
		DiscountIfFullTodayBps:     200,
		AllowZeroTodayIfDaysLateLt: 7,
		VoiceNumber:                &voice,
		CreatedAt:                  now,
	}); err != nil {
		return nil, fmt.Errorf("insert demo user: %w", err)
	}

	rows := make([]Row, 0, len(demoInvoices))
	for i, d := range demoInvoices {
		rows = append(rows, Row{
			Line:             i + 1,
			VendorName:       d.vendor,
			ContactEmail:     d.email,
			ContactPhone:     d.phone,
			PreferredChannel: d.channel,
			InvoiceNo:        d.invoiceNo,
			Amount:           money.FormatPlain(d.amountCents),
			DueDate:          now.AddDate(0, 0, -d.daysOverdue).Format(invoice.DateLayout),
		})
	}
	return im.Import(ctx, DemoUserID, rows)
}
