package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"timebridge/config"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Mirror secondary jobs and clients into primary projects",
	Long: `Run one mirror pass: list the secondary's clients and jobs, create
primary mirrors for unseen ones, update mirrors whose revision moved, and
archive mirrors of closed or vanished jobs. An unchanged listing makes no
primary writes, so the command is safe to run on a tight schedule.`,
	Example: `
  # One mirror pass
  timebridge poll
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

		result, err := b.poller().Run(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Mirror pass completed. Clients created: %d, Projects created: %d, updated: %d, archived: %d\n",
			result.ClientsCreated, result.ProjectsCreated, result.ProjectsUpdated, result.ProjectsArchived)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)
}
