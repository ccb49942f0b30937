package cmd

import (
	"io"
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/logging"
)

// nopCloser is an io.Closer that does nothing.
type nopCloser struct{}

// Close implements io.Closer.Close.
func (nopCloser) Close() error {
	return nil
}

// ConfigureLogging applies the logging flags to the process-wide logger. It
// returns a closer for the log file (if any), which callers should defer.
func ConfigureLogging(flags *LoggingFlags) (io.Closer, error) {
	// Set the level.
	logging.SetLevel(flags.Level.Level)

	// Use timestamps in the same format regardless of destination.
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// If no file was requested, then log to standard error.
	if flags.File == "" {
		logging.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	// Otherwise log to a rotating file.
	writer, err := logging.NewRotatingWriter(flags.File, 0)
	if err != nil {
		return nil, errors.Wrap(err, "unable to set up log file")
	}
	logging.SetOutput(writer)
	return writer, nil
}
