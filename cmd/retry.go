package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"timebridge/config"
)

var (
	retryWatch    bool
	retryInterval time.Duration
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Drain due items from the retry queue",
	Long: `Process retry-queue items whose backoff has elapsed. Items that fail
again with a transient fault are re-queued with a longer delay; items whose
attempt budget is spent are reported and dead-lettered.`,
	Example: `
  # Drain once and exit
  timebridge retry

  # Keep draining on an interval
  timebridge retry --watch --interval 1m
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

		worker := b.worker()
		if retryWatch {
			err := worker.Run(cmd.Context(), retryInterval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		processed, err := worker.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Retry pass completed. Items processed: %d, still queued: %d\n", processed, b.queue.Depth())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)

	retryCmd.Flags().BoolVar(&retryWatch, "watch", false, "Keep draining on an interval instead of exiting")
	retryCmd.Flags().DurationVar(&retryInterval, "interval", 30*time.Second, "Drain cadence in watch mode")
}
