package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"timebridge/config"
	"timebridge/reconcile"
)

var reconcileRebuild bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Audit the entry ledger against the backup archive",
	Long: `Cross-check live entry links with archived backup rows and report any
divergence. With --rebuild, backup rows without a live link are matched
against the secondary's timesheet listing and re-linked when exactly one
timesheet fits; ambiguous rows are reported and left alone.`,
	Example: `
  # Report divergence only
  timebridge reconcile

  # Also rebuild links lost to a ledger restore
  timebridge reconcile --rebuild
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

		auditor := &reconcile.Auditor{
			Ledger:    b.ledger,
			Backup:    b.archive,
			Secondary: b.secondary,
			Log:       b.log,
		}
		report, err := auditor.Run(cmd.Context(), reconcileRebuild)
		if err != nil {
			return err
		}

		fmt.Printf("Audit completed. Links: %d, Rows: %d\n", report.LinksChecked, report.RowsChecked)
		for _, id := range report.MissingBackups {
			fmt.Printf("link %d has no backup row\n", id)
		}
		for _, id := range report.UnlinkedRows {
			fmt.Printf("backup row %d has no live link\n", id)
		}
		for _, id := range report.Relinked {
			fmt.Printf("backup row %d relinked from secondary\n", id)
		}
		for _, id := range report.Unmatched {
			fmt.Printf("backup row %d could not be matched\n", id)
		}
		if report.Clean() {
			fmt.Println("Stores agree.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().BoolVar(&reconcileRebuild, "rebuild", false, "Re-link unlinked backup rows from the secondary's timesheet listing")
}
