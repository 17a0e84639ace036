package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-ledger/pkg/simpleledger/config"
	"github.com/tendant/simple-ledger/pkg/simpleledger/credential"
	"github.com/tendant/simple-ledger/pkg/simpleledger/reconcile"
	"github.com/tendant/simple-ledger/pkg/simpleledger/repo/postgres"
)

func NewRootCommand() *cobra.Command {
	var envFile string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operator tooling for the ledger publish pipeline",
		Long: `ledgerctl inspects and maintains the ledger publish pipeline.

Configuration is read from the environment, the same variables the server
uses. A .env file in the working directory is loaded when present.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("loading %s: %w", envFile, err)
				}
			} else {
				_ = godotenv.Load()
			}
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "environment file to load (default .env when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(NewOrphansCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewWalletCommand())

	return rootCmd
}

func NewOrphansCommand() *cobra.Command {
	var since string
	var asJSON, toS3 bool

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Report uploads no record references",
		Long: `Scan the upload journal against metadata records and report
orphaned uploads, references to uploads that never completed and uploads
left pending. Nothing is modified.`,
		Example: `  ledgerctl orphans --since 72h
  ledgerctl orphans --since 2026-01-01T00:00:00Z --json
  ledgerctl orphans --s3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			from, err := reconcile.ParseSince(since, time.Now(), 24*time.Hour)
			if err != nil {
				return err
			}

			rt, err := config.Build(cmd.Context(), cfg, slog.Default())
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.Scanner.Scan(cmd.Context(), from)
			if err != nil {
				return err
			}

			if toS3 {
				if rt.ReportWriter == nil {
					return errors.New("--s3 requires REPORT_S3_BUCKET")
				}
				if err := rt.ReportWriter.WriteReport(cmd.Context(), report); err != nil {
					return err
				}
			}
			if asJSON {
				return reconcile.JSONWriter(cmd.OutOrStdout()).WriteReport(cmd.Context(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "24h", "RFC3339 time or duration to look back")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&toS3, "s3", false, "also store the report in REPORT_S3_BUCKET")
	return cmd
}

func printReport(w io.Writer, report *reconcile.Report) {
	fmt.Fprintf(w, "Window: %s to %s\n", report.Since.Format(time.RFC3339), report.Cutoff.Format(time.RFC3339))
	if report.Empty() {
		fmt.Fprintln(w, "Nothing to reconcile.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if len(report.Orphans) > 0 {
		fmt.Fprintf(tw, "\nOrphaned uploads (%d)\nCONTENT ID\tSIZE\tTYPE\tFINISHED\n", len(report.Orphans))
		for _, o := range report.Orphans {
			finished := ""
			if o.FinishedAt != nil {
				finished = o.FinishedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", o.ContentID, o.DataSize, o.ContentType, finished)
		}
	}
	if len(report.OrphanedReferences) > 0 {
		fmt.Fprintf(tw, "\nOrphaned references (%d)\nRECORD\tKIND\tOWNER\tMEDIA REF\tUPLOAD\n", len(report.OrphanedReferences))
		for _, r := range report.OrphanedReferences {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.RecordID, r.Kind, r.OwnerID, r.MediaRef, r.JournalStatus)
		}
	}
	if len(report.StalePending) > 0 {
		fmt.Fprintf(tw, "\nStale pending uploads (%d)\nCONTENT ID\tSIZE\tSTARTED\n", len(report.StalePending))
		for _, p := range report.StalePending {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", p.ContentID, p.DataSize, p.StartedAt.Format(time.RFC3339))
		}
	}
	tw.Flush()
}

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				return errors.New("migrate requires a postgres DATABASE_URL")
			}

			pool, err := postgres.NewPool(cmd.Context(), cfg.DB.URL, cfg.DB.Schema)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool, cfg.DB.Schema); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied to schema %q\n", cfg.DB.Schema)
			return nil
		},
	}
}

func NewWalletCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Create or inspect the signing wallet",
	}

	var bits int
	var out string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a wallet and write it as a JWK file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			w, err := credential.Generate(bits)
			if err != nil {
				return err
			}
			blob, err := w.MarshalJWK()
			if err != nil {
				return err
			}
			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return err
			}
			if _, err := f.Write(blob); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wallet %s written to %s\n", w.Address(), out)
			return nil
		},
	}
	newCmd.Flags().IntVar(&bits, "bits", 4096, "RSA key size")
	newCmd.Flags().StringVar(&out, "out", "", "file to write (must not exist)")

	addressCmd := &cobra.Command{
		Use:   "address",
		Short: "Print the address of the configured wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := credential.Load(os.Getenv("LEDGER_WALLET"), os.Getenv("LEDGER_WALLET_FILE"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), w.Address())
			return nil
		},
	}

	cmd.AddCommand(newCmd, addressCmd)
	return cmd
}
