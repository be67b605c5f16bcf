package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stridemirror/stridemirror/internal/core"
	"github.com/stridemirror/stridemirror/internal/observability"
	"github.com/stridemirror/stridemirror/internal/output"
)

var (
	gatherOutput string
	gatherOut    string
	gatherOutDir string
)

var gatherCmd = &cobra.Command{
	Use:   "gather <user-id>",
	Short: "Run a gather cycle for one user",
	Long: `Run a full gather cycle: walk the user's activity pages from the
upstream API and store them locally. The cycle stops early when the
quota window fills or the upstream rejects a call, parking the
remaining work on the retry queue.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := strings.TrimSpace(args[0])

		format, err := output.ParseFormat(gatherOutput)
		if err != nil {
			return err
		}

		components, err := buildSync(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer components.close() // nolint:errcheck // best-effort cleanup

		summary, err := components.gatherer.Gather(cmd.Context(), userID)
		if err != nil {
			if errors.Is(err, core.ErrSyncAlreadyRunning) {
				return fmt.Errorf("a gather cycle is already running for user %s", userID)
			}
			return err
		}

		observability.CLILogger.Debug("Gather cycle finished",
			zap.String("user_id", userID),
			zap.String("state", string(summary.State)),
			zap.Int("pages", summary.Pages),
			zap.Int("stored", summary.Stored),
			zap.Int("enqueued", summary.Enqueued))

		sink, err := resolveSink(gatherOut, gatherOutDir, "gather", format)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		rendered, err := output.NewFormatter(format).FormatGather(userID, summary)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sink.writer, rendered)
		return err
	},
}

func init() {
	rootCmd.AddCommand(gatherCmd)

	gatherCmd.Flags().StringVar(&gatherOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	gatherCmd.Flags().StringVar(&gatherOut, "out", "", "Write output to a file (default stdout)")
	gatherCmd.Flags().StringVar(&gatherOutDir, "out-dir", "", "Write output to a directory")
}
