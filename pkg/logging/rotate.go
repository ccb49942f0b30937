package logging

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	// DefaultRotationSize is the size after which a RotatingWriter rotates its
	// file.
	DefaultRotationSize = 10 * 1024 * 1024
	// rotatedSuffix is the suffix appended to the rotated log file.
	rotatedSuffix = ".1"
)

// RotatingWriter is an io.WriteCloser that writes to a file and moves it to
// "<path>.1" once it exceeds a size limit, keeping a single backup. It is safe
// for concurrent usage.
type RotatingWriter struct {
	// path is the log file path.
	path string
	// limit is the rotation size.
	limit int64
	// lock serializes writes and rotation.
	lock sync.Mutex
	// file is the current log file.
	file *os.File
	// size is the current size of file.
	size int64
}

// NewRotatingWriter opens (or creates) the log file at path for appending. A
// non-positive limit selects DefaultRotationSize.
func NewRotatingWriter(path string, limit int64) (*RotatingWriter, error) {
	if limit <= 0 {
		limit = DefaultRotationSize
	}
	w := &RotatingWriter{path: path, limit: limit}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// open opens the log file and records its current size.
func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "unable to open log file")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrap(err, "unable to query log file")
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// rotate moves the current file to its backup name and reopens a fresh file.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "unable to close log file")
	}
	if err := os.Rename(w.path, w.path+rotatedSuffix); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "unable to rotate log file")
	}
	return w.open()
}

// Write implements io.Writer.Write.
func (w *RotatingWriter) Write(data []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(data)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(data)
	w.size += int64(n)
	return n, err
}

// Close implements io.Closer.Close.
func (w *RotatingWriter) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
