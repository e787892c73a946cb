package seedimport

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"timebridge/ledger"
)

// Result counts what one import run did with the source rows.
type Result struct {
	FilesProcessed int
	RowsRead       int
	RowsImported   int
	RowsExisting   int
	RowsSkipped    int
}

// Run imports (label id, task name) pairs from the given files into the
// ledger's task links. Existing links win over file content. Rows without a
// usable label id or task name are skipped and logged with their row number.
func Run(store ledger.Store, paths []string, format string, log *slog.Logger) (*Result, error) {
	result := &Result{}
	for _, path := range paths {
		sourceFormat, err := inferFormat(path, format)
		if err != nil {
			return nil, err
		}
		reader, err := ReaderForFormat(sourceFormat)
		if err != nil {
			return nil, err
		}

		records, err := reader.Read(path)
		if err != nil {
			return nil, err
		}

		result.FilesProcessed++
		result.RowsRead += len(records)
		for _, record := range records {
			link, ok := mapRecord(record, path, log)
			if !ok {
				result.RowsSkipped++
				continue
			}

			switch _, err := store.GetTaskLink(link.LabelID); {
			case err == nil:
				result.RowsExisting++
				continue
			case !errors.Is(err, ledger.ErrNotFound):
				return nil, fmt.Errorf("look up task link for label %d: %w", link.LabelID, err)
			}

			if err := store.PutTaskLink(link); err != nil {
				return nil, fmt.Errorf("store task link for label %d: %w", link.LabelID, err)
			}
			result.RowsImported++
		}
	}

	log.Info("task mapping import finished",
		"files", result.FilesProcessed,
		"read", result.RowsRead,
		"imported", result.RowsImported,
		"existing", result.RowsExisting,
		"skipped", result.RowsSkipped)
	return result, nil
}

func mapRecord(record Record, path string, log *slog.Logger) (ledger.TaskLink, bool) {
	rawID := record.Get("label id", "label", "id label")
	taskName := record.Get("task name", "task")

	if rawID == "" || taskName == "" {
		log.Warn("row skipped, missing label id or task name",
			"file", path, "row", record.RowNumber)
		return ledger.TaskLink{}, false
	}

	labelID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || labelID <= 0 {
		log.Warn("row skipped, label id is not a positive integer",
			"file", path, "row", record.RowNumber, "value", rawID)
		return ledger.TaskLink{}, false
	}

	return ledger.TaskLink{LabelID: labelID, TaskName: taskName}, true
}
