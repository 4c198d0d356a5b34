package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zombor/receipt-ledger/internal/scanning"
)

func newInitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the database and seed categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			categories, _, err := opts.seed()
			if err != nil {
				return err
			}
			added, err := db.SeedCategories(ctx, categories)
			if err != nil {
				return fmt.Errorf("seeding categories: %w", err)
			}

			cmd.Printf("Database ready (%s: %s)\n", opts.dbDriver, opts.dbDSN)
			cmd.Printf("Categories added: %d\n", added)
			return nil
		},
	}
}

func newInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show database information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := db.CountReceipts(ctx)
			if err != nil {
				return err
			}
			categories, err := db.ListCategories(ctx)
			if err != nil {
				return err
			}

			cmd.Printf("Driver:     %s\n", opts.dbDriver)
			cmd.Printf("Database:   %s\n", opts.dbDSN)
			cmd.Printf("Receipts:   %d\n", count)
			cmd.Printf("Categories: %d\n", len(categories))
			return nil
		},
	}
}

func newSeedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the sample receipts",
		Long:  `Runs each built-in sample receipt text through extraction and classification and stores the result.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, db, err := opts.service(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			for _, text := range scanning.Samples() {
				r, err := svc.RecordText(ctx, &scanning.Recognition{
					Text:       text,
					Confidence: scanning.FallbackConfidence,
					Source:     scanning.SourceFallback,
					Tier:       "seed",
				})
				if err != nil {
					return err
				}
				cmd.Printf("Added #%d %s %s %d (%s)\n", r.ID, r.Date, r.Merchant, r.Amount, r.Category)
			}
			return nil
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List receipts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			receipts, err := db.ListReceipts(ctx, limit, 0)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDATE\tMERCHANT\tAMOUNT\tTAX\tCATEGORY\tSOURCE")
			var total int64
			for _, r := range receipts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n", r.ID, r.Date, r.Merchant, r.Amount, r.TaxAmount, r.Category, r.OCRSource)
				total += r.Amount
			}
			if err := w.Flush(); err != nil {
				return err
			}
			cmd.Printf("%d receipts, total %d\n", len(receipts), total)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum receipts to show (0 shows all)")
	return cmd
}

func newCategoriesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List stored categories in match order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			categories, err := db.ListCategories(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tACCOUNT\tDEDUCTIBLE\tAPPROVAL LIMIT\tKEYWORDS")
			for _, c := range categories {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", c.Name, c.AccountCode, c.TaxDeductible, c.ApprovalLimit, strings.Join(c.Keywords, ","))
			}
			return w.Flush()
		},
	}
}

func newExtractCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "extract [file]",
		Short: "Extract and classify receipt text without storing it",
		Long:  `Reads OCR text from a file, or from stdin when the file is "-" or omitted, and prints the extracted fields as JSON.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				text []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("reading text: %w", err)
			}

			ctx := cmd.Context()
			svc, db, err := opts.service(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(svc.Analyze(ctx, scanning.Normalize(string(text))))
		},
	}
}

func newExportCmd(opts *options) *cobra.Command {
	var (
		year  int
		month int
		out   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write receipts to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, db, err := opts.service(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			data, err := svc.ExportXLSX(ctx, year, month)
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("receipts-%04d.xlsx", year)
				if month != 0 {
					out = fmt.Sprintf("receipts-%04d-%02d.xlsx", year, month)
				}
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("writing workbook: %w", err)
			}
			cmd.Printf("Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", time.Now().Year(), "Year to export")
	cmd.Flags().IntVar(&month, "month", 0, "Month to export (0 exports the whole year)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file")
	return cmd
}
