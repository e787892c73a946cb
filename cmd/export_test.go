package cmd

import "testing"

func TestDetectExportFormat(t *testing.T) {
	cases := map[string]string{
		"./archive.csv":  "csv",
		"./archive.xlsx": "excel",
		"./archive.XLSM": "excel",
		"./archive.out":  "csv",
		"":               "csv",
	}
	for path, want := range cases {
		if got := detectExportFormat(path); got != want {
			t.Fatalf("detectExportFormat(%q) = %q, want %q", path, got, want)
		}
	}
}
