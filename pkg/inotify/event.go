package inotify

import (
	"strings"
)

// Event is a single inotify event delivered to a subscription.
type Event struct {
	// Name is the name of the affected entry relative to the watched
	// directory. It is empty for events concerning the watched path itself.
	Name string
	// WatchDescriptor is the underlying OS watch descriptor.
	WatchDescriptor int
	// Mask is the pipe-separated description of the event mask.
	Mask string
}

// NewEvent creates an event from a raw mask.
func NewEvent(name string, wd int, mask uint32) Event {
	return Event{Name: name, WatchDescriptor: wd, Mask: MaskString(mask)}
}

// Has returns whether the event's mask description contains the specified
// flag name, e.g. "IN_CREATE".
func (e Event) Has(flag string) bool {
	return strings.Contains(e.Mask, flag)
}

// IsDir returns whether the event concerns a directory.
func (e Event) IsDir() bool {
	return e.Has("IN_ISDIR")
}

// Notifier is the interface implemented by inotify multiplexers. AddWatch and
// RmWatch are asynchronous: they enqueue requests that are carried out by the
// notifier's run loop.
type Notifier interface {
	// AddWatch subscribes to events for a path. It returns the subscription's
	// event queue and its identifier.
	AddWatch(path string, mask uint32) (<-chan Event, int)
	// RmWatch removes a subscription.
	RmWatch(id int)
	// Stop terminates the notifier. It is idempotent.
	Stop()
}
