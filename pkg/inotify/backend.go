package inotify

import (
	"time"
)

// rawEvent is an event as read from the OS, before fan-out.
type rawEvent struct {
	// wd is the watch descriptor.
	wd int
	// mask is the event mask.
	mask uint32
	// name is the entry name, if any.
	name string
}

// backend abstracts the OS inotify instance owned by a SafeNotifier's run
// loop. Its methods are only invoked from the run loop, except for wake,
// which may be invoked concurrently.
type backend interface {
	// addWatch adds (or extends, if mask includes InMaskAdd) an OS watch.
	addWatch(path string, mask uint32) (int, error)
	// rmWatch removes an OS watch.
	rmWatch(wd int) error
	// read waits up to timeout for events. It returns early if wake is
	// invoked.
	read(timeout time.Duration) ([]rawEvent, error)
	// wake interrupts a pending read.
	wake()
	// close releases the OS resources.
	close() error
}
