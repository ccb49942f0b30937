package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// writeConfiguration writes YAML to a temporary configuration file.
func writeConfiguration(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "scingestor.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal("unable to write configuration:", err)
	}
	return path
}

// TestLoadDefaults tests that unspecified keys keep their defaults.
func TestLoadDefaults(t *testing.T) {
	path := writeConfiguration(t, `
beamtime_dirs:
  - /gpfs/current
scicat_url: http://scicat.example.org/api/v3
request_headers:
  Host: scicat.example.org
`)
	configuration, err := Load(path)
	if err != nil {
		t.Fatal("unable to load configuration:", err)
	}
	if configuration.ScicatURL != "http://scicat.example.org/api/v3" {
		t.Error("unexpected SciCat URL:", configuration.ScicatURL)
	}
	if configuration.BeamtimeFilenamePrefix != "beamtime-metadata-" {
		t.Error("unexpected beamtime prefix:", configuration.BeamtimeFilenamePrefix)
	}
	if configuration.DatasetUpdateStrategy != UpdateStrategyPatch {
		t.Error("unexpected update strategy:", configuration.DatasetUpdateStrategy)
	}
	if configuration.MaxRequestTriesNumber != 10 {
		t.Error("unexpected request tries:", configuration.MaxRequestTriesNumber)
	}
	if configuration.RequestHeaders["Host"] != "scicat.example.org" {
		t.Error("request headers not loaded:", configuration.RequestHeaders)
	}
	if configuration.GetEventTimeoutDuration() != 100*time.Millisecond {
		t.Error("unexpected event timeout:", configuration.GetEventTimeoutDuration())
	}
}

// TestLoadNoBeamtimeDirectories tests validation of beamtime directories.
func TestLoadNoBeamtimeDirectories(t *testing.T) {
	path := writeConfiguration(t, "scicat_url: http://localhost\n")
	if _, err := Load(path); errors.Cause(err) != ErrNoBeamtimeDirectories {
		t.Error("expected missing beamtime directories error, got:", err)
	}
}

// TestLoadInvalidYAML tests that malformed files are rejected.
func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfiguration(t, "beamtime_dirs: [unterminated\n")
	if _, err := Load(path); err == nil {
		t.Error("malformed configuration accepted")
	}
}

// TestLoadMissingFile tests that missing files are rejected.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("missing configuration accepted")
	}
}

// TestLoadVarDirectoryAlias tests the ingestor_log_dir alias.
func TestLoadVarDirectoryAlias(t *testing.T) {
	path := writeConfiguration(t, `
beamtime_dirs: [/gpfs/current]
ingestor_log_dir: /var/log/scingestor/{beamtimeid}
`)
	configuration, err := Load(path)
	if err != nil {
		t.Fatal("unable to load configuration:", err)
	}
	if configuration.IngestorVarDirectory != "/var/log/scingestor/{beamtimeid}" {
		t.Error("alias not applied:", configuration.IngestorVarDirectory)
	}
}

// TestInvalidStrategy tests strategy validation.
func TestInvalidStrategy(t *testing.T) {
	configuration := Default()
	configuration.BeamtimeDirectories = []string{"/gpfs/current"}
	configuration.DatasetUpdateStrategy = "overwrite"
	if configuration.Validate() == nil {
		t.Error("invalid strategy accepted")
	}
}

// TestJSONFileMode tests chmod_json_files parsing.
func TestJSONFileMode(t *testing.T) {
	testCases := []struct {
		value    string
		expected os.FileMode
		valid    bool
	}{
		{"", 0, true},
		{"0o662", 0662, true},
		{"0662", 0662, true},
		{"644", 0644, true},
		{"0o999", 0, false},
		{"rw", 0, false},
	}
	for _, testCase := range testCases {
		configuration := &Configuration{ChmodJSONFiles: testCase.value}
		mode, err := configuration.JSONFileMode()
		if (err == nil) != testCase.valid {
			t.Errorf("validity mismatch for %q: %v", testCase.value, err)
		} else if mode != testCase.expected {
			t.Errorf("mode mismatch for %q: %o != %o", testCase.value, mode, testCase.expected)
		}
	}
}

// TestBeamtimeAllowed tests blacklist and whitelist handling.
func TestBeamtimeAllowed(t *testing.T) {
	configuration := &Configuration{
		BeamtimeIDBlacklist: []string{"99000001"},
	}
	if configuration.BeamtimeAllowed("99000001") {
		t.Error("blacklisted beamtime allowed")
	}
	if !configuration.BeamtimeAllowed("99001234") {
		t.Error("beamtime rejected without whitelist")
	}
	configuration.BeamtimeIDWhitelist = []string{"99001234"}
	if configuration.BeamtimeAllowed("99005678") {
		t.Error("non-whitelisted beamtime allowed")
	}
	if !configuration.BeamtimeAllowed("99001234") {
		t.Error("whitelisted beamtime rejected")
	}
}

// TestBeamtimeFileID tests beamtime file name matching.
func TestBeamtimeFileID(t *testing.T) {
	configuration := Default()
	if id, ok := configuration.BeamtimeFileID("beamtime-metadata-99001234.json"); !ok || id != "99001234" {
		t.Error("unexpected match result:", id, ok)
	}
	for _, name := range []string{"beamtime-metadata-.json", "beamtime-metadata-1.txt", "other.json", "x"} {
		if _, ok := configuration.BeamtimeFileID(name); ok {
			t.Error("unexpected match for", name)
		}
	}
}
