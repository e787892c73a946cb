package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"timebridge/cleanup"
	"timebridge/config"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Expire backup rows past the retention window",
	Long: `Run one retention sweep over the backup archive. Rows whose age meets
or exceeds retention.days are deleted; rows that fail to delete are queued
for retry. The sweep outcome is posted to the notification webhook.`,
	Example: `
  # One retention sweep
  timebridge cleanup
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAndValidate()
		if err != nil {
			return err
		}

		b, err := openBridge(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		sweeper := &cleanup.Sweeper{
			Store:         b.archive,
			Queue:         b.queue,
			Notifier:      b.notifier,
			RetentionDays: cfg.Retention.Days,
			Log:           b.log,
		}
		result, err := sweeper.Run(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Sweep completed. Examined: %d, Deleted: %d, Requeued: %d\n",
			result.Examined, result.Deleted, result.Requeued)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
