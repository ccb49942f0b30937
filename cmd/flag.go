package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/scingestor/scingestor/pkg/logging"
)

// LevelFlag is a pflag.Value that accepts log level names.
type LevelFlag struct {
	// Level is the parsed level.
	Level logging.Level
}

// NewLevelFlag creates a level flag with the specified default.
func NewLevelFlag(level logging.Level) *LevelFlag {
	return &LevelFlag{Level: level}
}

// String implements pflag.Value.String.
func (f *LevelFlag) String() string {
	return f.Level.String()
}

// Set implements pflag.Value.Set.
func (f *LevelFlag) Set(value string) error {
	level, ok := logging.NameToLevel(value)
	if !ok || level == logging.LevelDisabled {
		return errors.Errorf("invalid log level: %s", value)
	}
	f.Level = level
	return nil
}

// Type implements pflag.Value.Type.
func (f *LevelFlag) Type() string {
	return "level"
}

// LoggingFlags are the logging flags shared by both ingestor commands.
type LoggingFlags struct {
	// Level is the log level.
	Level *LevelFlag
	// File is the optional rotating log file path.
	File string
}

// Register registers the logging flags with a flag set.
func (f *LoggingFlags) Register(flags *pflag.FlagSet) {
	f.Level = NewLevelFlag(logging.LevelInfo)
	flags.VarP(f.Level, "log", "l", "Log level (debug, info, warning, error, critical)")
	flags.StringVarP(&f.File, "log-file", "f", "", "Rotating log file path")
}
