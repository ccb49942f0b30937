package filesystem

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/scingestor/scingestor/pkg/logging"
	"github.com/scingestor/scingestor/pkg/must"
)

// atomicWritePattern is the name pattern of intermediate files used for
// atomic writes. The leading dot keeps them out of generator file lists.
const atomicWritePattern = ".scingestor-atomic-*"

// logger is the logger used for best-effort cleanup failures.
var logger = logging.RootLogger.Sublogger("filesystem")

// WriteFileAtomic replaces a file's contents by writing them to a temporary
// file in the same directory, syncing it, and renaming it over the target.
// Readers thus observe either the previous or the new contents in full.
func WriteFileAtomic(path string, data []byte, permissions os.FileMode) (err error) {
	temporary, err := os.CreateTemp(filepath.Dir(path), atomicWritePattern)
	if err != nil {
		return errors.Wrap(err, "unable to create temporary file")
	}
	committed := false
	defer func() {
		if !committed {
			must.OSRemove(temporary.Name(), logger)
		}
	}()

	if _, err := temporary.Write(data); err != nil {
		must.Close(temporary, logger)
		return errors.Wrap(err, "unable to write temporary file")
	}
	if err := temporary.Sync(); err != nil {
		must.Close(temporary, logger)
		return errors.Wrap(err, "unable to sync temporary file")
	}
	if err := temporary.Close(); err != nil {
		return errors.Wrap(err, "unable to close temporary file")
	}
	if err := os.Chmod(temporary.Name(), permissions); err != nil {
		return errors.Wrap(err, "unable to set file permissions")
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		return errors.Wrap(err, "unable to rename temporary file")
	}
	committed = true
	return nil
}
