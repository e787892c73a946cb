// Package output writes the backup archive to reviewable files.
package output

import (
	"fmt"
	"strings"

	"timebridge/entry"
)

type Writer interface {
	Write(path string, rows []entry.BackupRow) error
}

func WriterForFormat(format string) (Writer, error) {
	switch normalizeFormat(format) {
	case "csv":
		return &CSVWriter{}, nil
	case "excel", "xlsx":
		return &ExcelWriter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

func normalizeFormat(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}

var exportHeaders = []string{"PrimaryID", "UserName", "ProjectName", "ClientName", "Hours", "Minutes", "Note", "LabelID", "UpdatedAt", "CapturedAt"}
