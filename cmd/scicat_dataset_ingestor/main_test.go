package main

import (
	"testing"
)

// TestRootFlags tests that the daemon's flags parse in both their short and
// long forms.
func TestRootFlags(t *testing.T) {
	for _, arguments := range [][]string{
		{"--configuration", "ingestor.yaml", "--runtime", "2.5"},
		{"-c", "ingestor.yaml", "-r", "2.5"},
	} {
		rootConfiguration.configuration = ""
		rootConfiguration.runtime = 0
		if err := rootCommand.ParseFlags(arguments); err != nil {
			t.Fatal("unable to parse flags:", err)
		}
		if rootConfiguration.configuration != "ingestor.yaml" {
			t.Error("unexpected configuration path:", rootConfiguration.configuration)
		}
		if rootConfiguration.runtime != 2.5 {
			t.Error("unexpected runtime:", rootConfiguration.runtime)
		}
	}
}

// TestRootRejectsArguments tests that positional arguments are rejected
// during argument validation rather than by the entry point.
func TestRootRejectsArguments(t *testing.T) {
	if rootCommand.ValidateArgs([]string{"extra"}) == nil {
		t.Error("positional argument accepted")
	}
	if err := rootCommand.ValidateArgs(nil); err != nil {
		t.Error("empty arguments rejected:", err)
	}
}
