package configuration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestLoadBeamtime tests beamtime loading and derived values.
func TestLoadBeamtime(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "beamtime-metadata-99001234.json")
	document := `{"beamtimeId": "99001234", "proposalId": "99001234", "beamline": "p00", "corePath": "/asap3/petra3/gpfs/p00/2022/data/99001234", "pi": {"email": "pi@example.org"}}`
	if err := os.WriteFile(path, []byte(document), 0644); err != nil {
		t.Fatal("unable to write beamtime file:", err)
	}

	configuration := Default()
	configuration.IngestorVarDirectory = "/var/scingestor/{beamtimeid}"
	beamtime, err := LoadBeamtime(configuration, path)
	if err != nil {
		t.Fatal("unable to load beamtime:", err)
	}
	if beamtime.ID != "99001234" || beamtime.Beamline != "p00" {
		t.Error("unexpected beamtime fields:", beamtime.ID, beamtime.Beamline)
	}
	if beamtime.DatasetListName != "scicat-datasets-99001234.lst" {
		t.Error("unexpected dataset list name:", beamtime.DatasetListName)
	}
	if beamtime.IngestedLogName != "scicat-ingested-datasets-99001234.lst" {
		t.Error("unexpected ingested log name:", beamtime.IngestedLogName)
	}
	if beamtime.VarDirectory != "/var/scingestor/99001234" {
		t.Error("unexpected var directory:", beamtime.VarDirectory)
	}
	if beamtime.ScanDirectory(configuration) != directory {
		t.Error("unexpected scan directory:", beamtime.ScanDirectory(configuration))
	}
	configuration.UseCorepathAsScandir = true
	if beamtime.ScanDirectory(configuration) != "/asap3/petra3/gpfs/p00/2022/data/99001234" {
		t.Error("core path not used:", beamtime.ScanDirectory(configuration))
	}
	expectedGroups := []string{"99001234-clbt", "99001234-part", "p00dmgt", "p00staff"}
	if diff := cmp.Diff(expectedGroups, beamtime.AccessGroups()); diff != "" {
		t.Error("unexpected access groups (-want +got):\n", diff)
	}
}

// TestLoadBeamtimeWithoutID tests that beamtime files without identifiers
// are rejected.
func TestLoadBeamtimeWithoutID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beamtime-metadata-1.json")
	if err := os.WriteFile(path, []byte(`{"beamline": "p00"}`), 0644); err != nil {
		t.Fatal("unable to write beamtime file:", err)
	}
	if _, err := LoadBeamtime(Default(), path); err == nil {
		t.Error("beamtime without identifier accepted")
	}
}

// TestExpand tests template expansion.
func TestExpand(t *testing.T) {
	result := Expand("{scanpath}/{scanname}{scpostfix} {unknown}", map[string]string{
		PlaceholderScanPath:    "/gpfs/raw",
		PlaceholderScanName:    "myscan_00001",
		PlaceholderScanPostfix: ".scan.json",
	})
	if result != "/gpfs/raw/myscan_00001.scan.json {unknown}" {
		t.Error("unexpected expansion:", result)
	}
}
