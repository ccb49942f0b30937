package cmd

import (
	"testing"

	"github.com/spf13/pflag"

	"github.com/scingestor/scingestor/pkg/logging"
)

// TestLoggingFlags tests that logging flags parse level names.
func TestLoggingFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	loggingFlags := &LoggingFlags{}
	loggingFlags.Register(flags)

	if err := flags.Parse([]string{"-l", "warning", "-f", "/tmp/ingestor.log"}); err != nil {
		t.Fatal("unable to parse flags:", err)
	}
	if loggingFlags.Level.Level != logging.LevelWarning {
		t.Error("unexpected level:", loggingFlags.Level.Level)
	}
	if loggingFlags.File != "/tmp/ingestor.log" {
		t.Error("unexpected log file:", loggingFlags.File)
	}
}

// TestLoggingFlagsInvalidLevel tests that invalid level names are rejected.
func TestLoggingFlagsInvalidLevel(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	(&LoggingFlags{}).Register(flags)
	if flags.Parse([]string{"--log", "verbose"}) == nil {
		t.Error("invalid level accepted")
	}
}
