package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/retail-bank-web/realtime/internal/audit"
	"github.com/retail-bank-web/realtime/internal/capability"
	"github.com/retail-bank-web/realtime/internal/config"
	"github.com/retail-bank-web/realtime/internal/db"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen [name]",
	Short: "Generate a realtime transport API key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "main"
		if len(args) == 1 {
			name = args[0]
		}
		key, err := capability.GenerateKey(name)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var auditSince time.Duration

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Summarise recent token requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.Audit.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		repo := audit.NewRepository(database)
		ctx := cmd.Context()
		since := time.Now().UTC().Add(-auditSince)

		issued, err := repo.CountByOutcome(ctx, audit.OutcomeIssued, since)
		if err != nil {
			return err
		}
		rejected, err := repo.CountByOutcome(ctx, audit.OutcomeRejected, since)
		if err != nil {
			return err
		}
		anomalies, err := repo.CountAnomalies(ctx, since)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "since %s\n", since.Format(time.RFC3339))
		fmt.Fprintf(out, "  issued:     %d\n", issued)
		fmt.Fprintf(out, "  rejected:   %d\n", rejected)
		fmt.Fprintf(out, "  mismatches: %d\n", anomalies)
		return nil
	},
}

func init() {
	auditCmd.Flags().DurationVar(&auditSince, "since", 24*time.Hour, "look-back window")
}
