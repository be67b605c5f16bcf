package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stridemirror/stridemirror/internal/observability"
	"github.com/stridemirror/stridemirror/internal/output"
)

var (
	drainBudget int
	drainUser   string
	drainOutput string
	drainOut    string
	drainOutDir string
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain the retry queue",
	Long: `Run one drain pass over the retry queue: claim pending entries in
priority order (quota-deferred work first) and re-fetch each one,
respecting the quota windows. The pass stops as soon as admission is
denied and releases the unprocessed claims.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(drainOutput)
		if err != nil {
			return err
		}

		components, err := buildSync(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer components.close() // nolint:errcheck // best-effort cleanup

		userID := strings.TrimSpace(drainUser)
		budget := drainBudget
		if budget <= 0 {
			budget = components.cfg.Sync.DrainBudget
		}

		summary, err := components.queue.Drain(cmd.Context(), userID, budget)
		if err != nil {
			return err
		}

		observability.CLILogger.Debug("Drain pass finished",
			zap.Int("claimed", summary.Claimed),
			zap.Int("done", summary.Done),
			zap.Int("requeued", summary.Requeued),
			zap.Int("failed", summary.Failed),
			zap.Bool("stopped", summary.Stopped))

		sink, err := resolveSink(drainOut, drainOutDir, "drain", format)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		label := userID
		if label == "" {
			label = "(all users)"
		}
		rendered, err := output.NewFormatter(format).FormatDrain(label, summary)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sink.writer, rendered)
		return err
	},
}

func init() {
	rootCmd.AddCommand(drainCmd)

	drainCmd.Flags().IntVar(&drainBudget, "budget", 0, "Maximum entries to process (default from config)")
	drainCmd.Flags().StringVar(&drainUser, "user", "", "Drain only this user's entries")
	drainCmd.Flags().StringVar(&drainOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	drainCmd.Flags().StringVar(&drainOut, "out", "", "Write output to a file (default stdout)")
	drainCmd.Flags().StringVar(&drainOutDir, "out-dir", "", "Write output to a directory")
}
