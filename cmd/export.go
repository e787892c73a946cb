package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"timebridge/backup"
	"timebridge/config"
	"timebridge/output"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the backup archive to CSV/Excel",
	Long: `Export every archived backup row to a file for disaster-recovery
review.

Output format can be selected explicitly via --format or inferred from the
--output extension.`,
	Example: `
  # Export to CSV
  timebridge export --output ./archive.csv

  # Export to Excel
  timebridge export --output ./archive.xlsx

  # Force Excel format independent of extension
  timebridge export --format excel --output ./archive.out
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAndValidate()
		if err != nil {
			return err
		}

		format := exportFormat
		if strings.TrimSpace(format) == "" {
			format = detectExportFormat(exportOutput)
		}
		writer, err := output.WriterForFormat(format)
		if err != nil {
			return err
		}

		archive, err := backup.Open(cfg.Backup.Path)
		if err != nil {
			return err
		}
		defer archive.Close()

		rows, err := archive.List()
		if err != nil {
			return err
		}
		if err := writer.Write(exportOutput, rows); err != nil {
			return err
		}

		fmt.Printf("Export completed. Rows: %d, Format: %s, File: %s\n", len(rows), format, exportOutput)
		return nil
	},
}

func detectExportFormat(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "xlsx", "xlsm", "xls":
		return "excel"
	default:
		return "csv"
	}
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "", "Output format: csv|excel (optional, inferred from output extension)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file path")

	_ = exportCmd.MarkFlagRequired("output")
}
