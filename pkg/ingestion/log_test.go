package ingestion

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestParseScanList tests dataset list parsing.
func TestParseScanList(t *testing.T) {
	data := "scan1\n  # comment\n\nscan2 detector/a detector/b   \nsce\u0301n\nscan1\n"
	expected := []Scan{
		{Name: "scan2", Paths: []string{"detector/a", "detector/b"}},
		{Name: "sc\u00e9n"},
		{Name: "scan1"},
	}
	if diff := cmp.Diff(expected, ParseScanList([]byte(data))); diff != "" {
		t.Error("unexpected scans (-want +got):\n", diff)
	}
}

// TestReadMissingScanList tests that a missing list is empty.
func TestReadMissingScanList(t *testing.T) {
	scans, err := ReadScanList(filepath.Join(t.TempDir(), "missing.lst"))
	if err != nil {
		t.Fatal("unable to read missing list:", err)
	} else if len(scans) != 0 {
		t.Error("missing list not empty:", scans)
	}
}

// TestParseRecord tests ingested log line parsing.
func TestParseRecord(t *testing.T) {
	tests := []struct {
		line     string
		expected Record
	}{
		{"scan1", Record{Scan: "scan1"}},
		{"scan1 1650000000.5", Record{Scan: "scan1", Timestamp: 1650000000.5}},
		{
			"scan1 1650000000.5 1649999999.25 1649999998 abc def",
			Record{Scan: "scan1", Timestamp: 1650000000.5, ScanMTime: 1649999999.25, DatablockMTime: 1649999998, ScanSHA1: "abc", DatablockSHA1: "def"},
		},
		{
			"scan1 1 2 3 - def 99001234/scan1/2",
			Record{Scan: "scan1", Timestamp: 1, ScanMTime: 2, DatablockMTime: 3, DatablockSHA1: "def", PID: "99001234/scan1/2"},
		},
	}
	for _, test := range tests {
		record, ok := ParseRecord(test.line)
		if !ok {
			t.Error("unable to parse", test.line)
			continue
		}
		if diff := cmp.Diff(test.expected, record); diff != "" {
			t.Error("unexpected record for", test.line, "(-want +got):\n", diff)
		}
	}
	if _, ok := ParseRecord("   "); ok {
		t.Error("blank line parsed as record")
	}
}

// TestParseIngestedLogSupersedes tests that later records win.
func TestParseIngestedLogSupersedes(t *testing.T) {
	records := ParseIngestedLog([]byte("scan1 0\nscan2 5\nscan1 7 1 2\n"))
	expected := []Record{
		{Scan: "scan1", Timestamp: 7, ScanMTime: 1, DatablockMTime: 2},
		{Scan: "scan2", Timestamp: 5},
	}
	if diff := cmp.Diff(expected, records); diff != "" {
		t.Error("unexpected records (-want +got):\n", diff)
	}
}

// TestIngestedLogAppend tests that appends only grow the log and leave no
// temporary file behind.
func TestIngestedLogAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scicat-ingested-datasets-99001234.lst")
	log := NewIngestedLog(path, nil)

	var previous string
	for _, record := range []Record{
		{Scan: "scan1", Timestamp: 1650000000.125, ScanSHA1: "abc", DatablockSHA1: "def"},
		{Scan: "scan2", Timestamp: 1650000001},
		{Scan: "scan1", Timestamp: 1650000002, PID: "99001234/scan1/2"},
	} {
		if err := log.Append(record); err != nil {
			t.Fatal("unable to append record:", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal("unable to read log:", err)
		}
		if !strings.HasPrefix(string(data), previous) || len(data) <= len(previous) {
			t.Error("log not appended to")
		}
		previous = string(data)
	}
	if _, err := os.Stat(path + temporarySuffix); !os.IsNotExist(err) {
		t.Error("temporary log left behind")
	}

	records, err := log.Read()
	if err != nil {
		t.Fatal("unable to read records:", err)
	}
	expected := []Record{
		{Scan: "scan1", Timestamp: 1650000002, PID: "99001234/scan1/2"},
		{Scan: "scan2", Timestamp: 1650000001},
	}
	if diff := cmp.Diff(expected, records); diff != "" {
		t.Error("unexpected records (-want +got):\n", diff)
	}
}

// TestClearTmpfile tests removal of stale temporary logs.
func TestClearTmpfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.lst")
	log := NewIngestedLog(path, nil)
	if err := os.WriteFile(path+temporarySuffix, []byte("partial"), 0644); err != nil {
		t.Fatal("unable to write temporary log:", err)
	}
	if err := log.ClearTmpfile(); err != nil {
		t.Fatal("unable to clear temporary log:", err)
	}
	if _, err := os.Stat(path + temporarySuffix); !os.IsNotExist(err) {
		t.Error("temporary log not removed")
	}
	if err := log.ClearTmpfile(); err != nil {
		t.Error("clearing a missing temporary log failed:", err)
	}
	if err := log.updateFromTmpfile(); err != nil {
		t.Error("updating without temporary log failed:", err)
	}
}

// TestChangedFields tests semantic comparison of dataset metadata.
func TestChangedFields(t *testing.T) {
	local := document{
		"pid":                "99001234/scan1",
		"datasetName":        "scan1",
		"size":               "10",
		"keywords":           []interface{}{},
		"scientificMetadata": map[string]interface{}{"energy": json.Number("1.0")},
	}
	remote := document{
		"pid":                "10.3204/99001234/scan1",
		"datasetName":        "scan1",
		"size":               "20",
		"scientificMetadata": map[string]interface{}{"energy": json.Number("1")},
		"createdAt":          "2022-01-01",
	}
	if changed := changedFields(local, remote, map[string]bool{"size": true}); len(changed) != 0 {
		t.Error("unexpected changes:", changed)
	}
	local["datasetName"] = "renamed"
	if diff := cmp.Diff([]string{"datasetName", "size"}, changedFields(local, remote, nil)); diff != "" {
		t.Error("unexpected changes (-want +got):\n", diff)
	}
}
