package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/stridemirror/stridemirror/internal/core/store"
	"github.com/stridemirror/stridemirror/internal/output"
)

var (
	quotaListOutput  string
	quotaListOut     string
	quotaListOutDir  string
	quotaListAll     bool
	quotaListAccount string
)

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored quota state",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(quotaListOutput)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		query := store.RateLimitQuery{
			All:       quotaListAll,
			AccountID: strings.TrimSpace(quotaListAccount),
		}
		if !query.All && query.AccountID == "" {
			query.All = true
		}

		entries, err := db.ListRateLimitStatus(cmd.Context(), query)
		if err != nil {
			return err
		}

		sink, err := resolveSink(quotaListOut, quotaListOutDir, "quota.list", format)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if format == output.FormatJSON {
			payload, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(sink.writer, string(payload))
			return err
		}

		lines := []string{"Quota State", ""}
		if len(entries) == 0 {
			lines = append(lines, "(no stored quota state)")
			_, _ = fmt.Fprint(sink.writer, ascii.DrawBox(strings.Join(lines, "\n"), 0))
			return nil
		}

		for _, entry := range entries {
			lines = append(lines, fmt.Sprintf("%s: 15min=%d since %s, daily=%d since %s",
				entry.AccountID,
				entry.Count15Min, entry.WindowStart15Min.UTC().Format(time.RFC3339),
				entry.CountDaily, entry.WindowStartDaily.UTC().Format(time.RFC3339)))
		}

		_, _ = fmt.Fprint(sink.writer, ascii.DrawBox(strings.Join(lines, "\n"), 0))
		return nil
	},
}

func init() {
	quotaListCmd.Flags().StringVar(&quotaListOutput, "output-format", string(output.FormatTable), "Output format: table|json")
	quotaListCmd.Flags().StringVar(&quotaListOut, "out", "", "Write output to a file (default stdout)")
	quotaListCmd.Flags().StringVar(&quotaListOutDir, "out-dir", "", "Write output to a directory")
	quotaListCmd.Flags().BoolVar(&quotaListAll, "all", false, "List all accounts")
	quotaListCmd.Flags().StringVar(&quotaListAccount, "account", "", "List one account")
}
