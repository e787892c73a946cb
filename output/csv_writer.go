package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"timebridge/entry"
)

type CSVWriter struct{}

func (w *CSVWriter) Write(path string, rows []entry.BackupRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv output %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(exportHeaders); err != nil {
		return fmt.Errorf("write csv headers: %w", err)
	}

	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.PrimaryID, 10),
			row.UserName,
			row.ProjectName,
			row.ClientName,
			strconv.Itoa(row.Hours),
			strconv.Itoa(row.Minutes),
			row.Note,
			strconv.FormatInt(row.LabelID, 10),
			strconv.FormatInt(row.UpdatedAt, 10),
			row.CapturedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv output: %w", err)
	}

	return nil
}
