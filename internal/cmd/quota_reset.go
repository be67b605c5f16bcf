package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stridemirror/stridemirror/internal/core/store"
	"github.com/stridemirror/stridemirror/internal/output"
)

var (
	quotaResetAll     bool
	quotaResetAccount string
	quotaResetYes     bool
	quotaResetDryRun  bool
	quotaResetOutput  string
	quotaResetOut     string
	quotaResetOutDir  string
)

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored quota counters",
	Long: `Zero the persisted window counters for matching accounts. The next
admission check starts fresh windows. Use this after the upstream
quota has been raised, or to recover from counters corrupted by a
misbehaving deployment sharing the account.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(quotaResetOutput)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		query := store.RateLimitQuery{
			All:       quotaResetAll,
			AccountID: strings.TrimSpace(quotaResetAccount),
		}
		if err := query.Validate(); err != nil {
			return err
		}

		if query.All && !quotaResetYes && !quotaResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matching, err := db.ListRateLimitStatus(cmd.Context(), query)
		if err != nil {
			return err
		}
		matched := len(matching)

		sink, err := resolveSink(quotaResetOut, quotaResetOutDir, "quota.reset", format)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if quotaResetDryRun {
			return writeQuotaResetResult(format, sink.writer, matched, 0, true)
		}

		reset, err := db.ResetRateLimitStatus(cmd.Context(), query, time.Now())
		if err != nil {
			return err
		}

		return writeQuotaResetResult(format, sink.writer, matched, reset, false)
	},
}

func writeQuotaResetResult(format output.Format, w io.Writer, matched int, reset int64, dryRun bool) error {
	result := map[string]any{
		"matched": matched,
		"reset":   reset,
		"dry_run": dryRun,
	}

	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	if dryRun {
		_, err := fmt.Fprintf(w, "Would reset %d quota account(s)\n", matched)
		return err
	}
	_, err := fmt.Fprintf(w, "Reset %d/%d quota account(s)\n", reset, matched)
	return err
}

func init() {
	quotaResetCmd.Flags().BoolVar(&quotaResetAll, "all", false, "Reset all accounts")
	quotaResetCmd.Flags().StringVar(&quotaResetAccount, "account", "", "Reset a single account")
	quotaResetCmd.Flags().BoolVar(&quotaResetYes, "yes", false, "Confirm destructive reset")
	quotaResetCmd.Flags().BoolVar(&quotaResetDryRun, "dry-run", false, "Show what would be reset")
	quotaResetCmd.Flags().StringVar(&quotaResetOutput, "output-format", string(output.FormatTable), "Output format: table|json")
	quotaResetCmd.Flags().StringVar(&quotaResetOut, "out", "", "Write output to a file (default stdout)")
	quotaResetCmd.Flags().StringVar(&quotaResetOutDir, "out-dir", "", "Write output to a directory")
}
