package cmd

import "github.com/spf13/cobra"

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Manage persisted quota state",
}

func init() {
	quotaCmd.AddCommand(quotaListCmd)
	quotaCmd.AddCommand(quotaResetCmd)
	rootCmd.AddCommand(quotaCmd)
}
