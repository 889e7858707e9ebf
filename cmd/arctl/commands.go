package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ar-collect/internal/app"
	"ar-collect/internal/collection"
	"ar-collect/internal/importer"
	"ar-collect/internal/money"
	"ar-collect/internal/repo"
	"ar-collect/internal/toolserver"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			store.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create a demo tenant with vendors and overdue invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := importer.New(a.Store, a.Logger).SeedDemo(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func importCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "import <file.csv|file.xlsx>",
		Short: "Import vendors and invoices from a CSV or XLSX sheet",
		Long: `Import vendors and invoices for one user.

Recognised columns: vendor_name, contact_email, contact_phone, preferred_channel,
do_not_call, vendor_min_pct_bps, invoice_no, amount, due_date, memo.

Vendors are matched by name and invoices by invoice number; existing invoices are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := importer.ReadFile(args[0])
			if err != nil {
				return err
			}
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := importer.New(a.Store, a.Logger).Import(cmd.Context(), userID, rows)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "owning user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func resetAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-attempts",
		Short: "Zero every vendor's weekly attempt counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Service.ResetWeeklyAttempts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d vendor counters\n", n)
			return nil
		},
	}
}

func overdueCmd() *cobra.Command {
	var (
		userID string
		states []string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List a user's invoices in collection, most days late first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			filter := make([]repo.InvoiceState, 0, len(states))
			for _, s := range states {
				filter = append(filter, repo.InvoiceState(s))
			}
			list, err := a.Service.GetOverdueInvoices(cmd.Context(), userID, filter, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, list)
			}
			out := cmd.OutOrStdout()
			for _, inv := range list {
				fmt.Fprintf(out, "%-14s %-28s %5dd %14s  %s\n",
					inv.InvoiceNo, inv.VendorName, inv.DaysLate, money.FormatUSD(inv.OutstandingCents), inv.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "owning user id (required)")
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "invoice states to include (default Overdue)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum invoices")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func metricsCmd() *cobra.Command {
	var (
		userID string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Count invoices by collection stage, for one user or all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var list []collection.InvoiceMetrics
			if userID != "" {
				m, err := a.Service.InvoiceMetrics(cmd.Context(), userID)
				if err != nil {
					return err
				}
				list = append(list, *m)
			} else if list, err = a.Service.AllInvoiceMetrics(cmd.Context()); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, list)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %8s %11s %5s %16s\n", "USER", "OVERDUE", "IN PROGRESS", "PAID", "OUTSTANDING")
			for _, m := range list {
				fmt.Fprintf(out, "%-20s %8d %11d %5d %16s\n",
					m.UserID, m.Overdue, m.InProgress, m.Paid, money.FormatUSD(m.TotalOutstandingCents))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "owning user id (default all users)")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the collection API as MCP tools on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return toolserver.Serve(cmd.Context(), a.Service, a.Logger, Version)
		},
	}
}
