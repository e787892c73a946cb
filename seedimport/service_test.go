package seedimport

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"timebridge/ledger"
)

func openTestLedger(t *testing.T) ledger.Store {
	t.Helper()
	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunImportsCSVMappings(t *testing.T) {
	t.Parallel()

	store := openTestLedger(t)
	path := writeCSV(t, "Label ID,Task Name\n90,Design\n91,Development\n")

	result, err := Run(store, []string{path}, "", discard())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RowsRead != 2 || result.RowsImported != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	link, err := store.GetTaskLink(91)
	if err != nil {
		t.Fatalf("get task link: %v", err)
	}
	if link.TaskName != "Development" {
		t.Fatalf("unexpected link: %+v", link)
	}
}

func TestRunLeavesExistingLinksUntouched(t *testing.T) {
	t.Parallel()

	store := openTestLedger(t)
	if err := store.PutTaskLink(ledger.TaskLink{LabelID: 90, TaskName: "Design"}); err != nil {
		t.Fatalf("seed link: %v", err)
	}
	path := writeCSV(t, "label_id,task_name\n90,Renamed\n")

	result, err := Run(store, []string{path}, "csv", discard())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RowsExisting != 1 || result.RowsImported != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	link, err := store.GetTaskLink(90)
	if err != nil {
		t.Fatalf("get task link: %v", err)
	}
	if link.TaskName != "Design" {
		t.Fatalf("existing link must win: %+v", link)
	}
}

func TestRunSkipsUnusableRows(t *testing.T) {
	t.Parallel()

	store := openTestLedger(t)
	path := writeCSV(t, "Label ID,Task Name\n,Design\nnot-a-number,QA\n-4,Ops\n92,\n93,Research\n")

	result, err := Run(store, []string{path}, "", discard())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RowsSkipped != 4 || result.RowsImported != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := store.GetTaskLink(93); err != nil {
		t.Fatalf("valid row must import: %v", err)
	}
}

func TestRunImportsExcelMappings(t *testing.T) {
	t.Parallel()

	store := openTestLedger(t)
	path := filepath.Join(t.TempDir(), "mappings.xlsx")

	file := excelize.NewFile()
	sheet := file.GetSheetName(0)
	for i, row := range [][]any{{"Label ID", "Task Name"}, {90, "Design"}, {"91", "Development"}} {
		for col, value := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+1)
			if err := file.SetCellValue(sheet, cell, value); err != nil {
				t.Fatalf("set cell: %v", err)
			}
		}
	}
	if err := file.SaveAs(path); err != nil {
		t.Fatalf("save workbook: %v", err)
	}
	file.Close()

	result, err := Run(store, []string{path}, "", discard())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RowsImported != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	store := openTestLedger(t)
	if _, err := Run(store, []string{"mappings.dat"}, "", discard()); err == nil {
		t.Fatal("expected format inference error")
	}
}
