package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"timebridge/config"
	"timebridge/seedimport"
)

var (
	seedInputs []string
	seedFormat string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Import label to task mappings from CSV/Excel",
	Long: `Import (label id, task name) pairs into the ledger's task links.
Links are append-only: labels that already have a mapping keep it, file
content never overwrites.

Expected columns: "Label ID" and "Task Name" (case and separators are
ignored when matching headers).`,
	Example: `
  # Import mappings from an Excel sheet
  timebridge seed -i mappings.xlsx

  # Import from CSV with an explicit format
  timebridge seed -i mappings.dat --format csv
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAndValidate()
		if err != nil {
			return err
		}

		store, err := openLedger(cfg.Ledger)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := seedimport.Run(store, seedInputs, seedFormat, newLogger())
		if err != nil {
			return err
		}

		fmt.Printf("Seed import completed. Files: %d, Rows: %d, Imported: %d, Existing: %d, Skipped: %d\n",
			result.FilesProcessed, result.RowsRead, result.RowsImported, result.RowsExisting, result.RowsSkipped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().StringArrayVarP(&seedInputs, "input", "i", nil, "Mapping file to import (repeatable)")
	seedCmd.Flags().StringVarP(&seedFormat, "format", "f", "", "Input format: csv|excel (optional, inferred from extension)")

	_ = seedCmd.MarkFlagRequired("input")
}
