package output

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"timebridge/entry"
)

type ExcelWriter struct{}

func (w *ExcelWriter) Write(path string, rows []entry.BackupRow) error {
	file := excelize.NewFile()
	defer file.Close()

	sheet := file.GetSheetName(0)
	for col, header := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := file.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("set excel header %s: %w", cell, err)
		}
	}

	for i, row := range rows {
		values := []any{
			row.PrimaryID,
			row.UserName,
			row.ProjectName,
			row.ClientName,
			row.Hours,
			row.Minutes,
			row.Note,
			row.LabelID,
			row.UpdatedAt,
			row.CapturedAt.UTC().Format(time.RFC3339),
		}

		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := file.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("set excel value %s: %w", cell, err)
			}
		}
	}

	if err := file.SaveAs(path); err != nil {
		return fmt.Errorf("save excel output %s: %w", path, err)
	}

	return nil
}
