package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stridemirror/stridemirror/internal/output"
)

var (
	queueListOutput string
	queueListOut    string
	queueListOutDir string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the retry queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List queue entries for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := strings.TrimSpace(args[0])

		format, err := output.ParseFormat(queueListOutput)
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		entries, err := db.ListQueueEntries(cmd.Context(), userID)
		if err != nil {
			return err
		}

		sink, err := resolveSink(queueListOut, queueListOutDir, "queue.list", format)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		rendered, err := output.NewFormatter(format).FormatQueue(userID, entries)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sink.writer, rendered)
		return err
	},
}

func init() {
	queueListCmd.Flags().StringVar(&queueListOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	queueListCmd.Flags().StringVar(&queueListOut, "out", "", "Write output to a file (default stdout)")
	queueListCmd.Flags().StringVar(&queueListOutDir, "out-dir", "", "Write output to a directory")

	queueCmd.AddCommand(queueListCmd)
	rootCmd.AddCommand(queueCmd)
}
