package cmd

import "github.com/spf13/cobra"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage timebridge configuration file values.",
	Long: `Create and display the timebridge configuration file.

The configuration stores the primary and secondary service credentials, the
ledger and backup store locations, retry-queue tuning, retention, and the
mirror defaults applied to created projects.`,
	Example: `
  # Create default config in $HOME/.timebridge.yaml
  timebridge config create

  # Show active config and source file
  timebridge config show
`,
}

func init() {
	rootCmd.AddCommand(configCmd)
}
