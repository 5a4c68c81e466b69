package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/replay"
)

func replayCmd() *cobra.Command {
	var (
		baseURL  string
		email    string
		password string
		keyed    bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "replay FILE.csv",
		Short: "Submit a CSV of transactions to a running server and report the verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			rows, err := replay.ReadCSV(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			if limit > 0 && len(rows) > limit {
				rows = rows[:limit]
			}

			client := replay.NewClient(baseURL, nil)
			if err := client.Health(ctx); err != nil {
				return fmt.Errorf("kestrel not reachable at %s: %w", baseURL, err)
			}
			if err := client.Login(ctx, email, password); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			var prefix string
			if keyed {
				prefix = "replay-" + strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			cmd.Printf("Replaying %d transactions to %s...\n", len(rows), baseURL)
			s := replay.Run(ctx, client, rows, prefix)

			cmd.Printf("\nSubmitted: %d\n", s.Submitted)
			cmd.Printf("  pending: %d\n", s.Pending)
			cmd.Printf("  flagged: %d\n", s.Flagged)
			cmd.Printf("Failed:    %d\n", s.Failed)
			for reason, n := range s.Reasons {
				cmd.Printf("  %-20s %d\n", reason, n)
			}
			for _, e := range s.Errors {
				cmd.PrintErrln(e)
			}
			cmd.Printf("Duration:  %s\n", s.Duration.Round(time.Millisecond))

			if s.Failed > 0 {
				return fmt.Errorf("%d of %d transactions failed", s.Failed, len(rows))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	cmd.Flags().StringVar(&email, "email", "", "account to submit as (required)")
	cmd.Flags().StringVar(&password, "password", "", "account password (required)")
	cmd.Flags().BoolVar(&keyed, "idempotent", true, "send a per-row Idempotency-Key so re-runs are safe")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to submit (0 = all)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}
