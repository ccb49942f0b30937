// Package must provides best-effort variants of cleanup operations whose
// failures can only be logged.
package must

import (
	"io"
	"os"

	"github.com/scingestor/scingestor/pkg/logging"
)

// Close closes a resource, logging any failure as a warning.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("Unable to close: %v", err)
	}
}

// OSRemove removes a path, logging any failure other than a missing path as a
// warning.
func OSRemove(name string, logger *logging.Logger) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Unable to remove %s: %v", name, err)
	}
}

// Chmod changes a path's permissions, logging any failure as a warning.
func Chmod(name string, mode os.FileMode, logger *logging.Logger) {
	if err := os.Chmod(name, mode); err != nil {
		logger.Warnf("Unable to change permissions of %s to %o: %v", name, mode, err)
	}
}
