package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stridemirror/stridemirror/internal/output"
)

var (
	statusUser   string
	statusOutput string
	statusOut    string
	statusOutDir string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show quota and queue status",
	Long: `Show the current state of both quota windows, the retry queue
depth, and whether a gather cycle is running. The window counts shown
are exactly what the next admission check will see.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(statusOutput)
		if err != nil {
			return err
		}

		components, err := buildSync(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer components.close() // nolint:errcheck // best-effort cleanup

		report, err := components.reporter.Report(cmd.Context(),
			components.cfg.Upstream.AccountID, strings.TrimSpace(statusUser))
		if err != nil {
			return err
		}

		sink, err := resolveSink(statusOut, statusOutDir, "status", format)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		rendered, err := output.NewFormatter(format).FormatReport(report)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sink.writer, rendered)
		return err
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusUser, "user", "", "Also report whether this user's sync is running")
	statusCmd.Flags().StringVar(&statusOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	statusCmd.Flags().StringVar(&statusOut, "out", "", "Write output to a file (default stdout)")
	statusCmd.Flags().StringVar(&statusOutDir, "out-dir", "", "Write output to a directory")
}
