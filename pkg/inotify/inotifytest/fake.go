// Package inotifytest provides a fake inotify.Notifier that lets tests inject
// synthetic events without touching the OS.
package inotifytest

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/scingestor/scingestor/pkg/inotify"
)

// subscription is a fake subscription.
type subscription struct {
	// path is the watched path.
	path string
	// mask is the requested mask.
	mask uint32
	// queue is the event queue.
	queue chan inotify.Event
}

// Fake is an in-memory inotify.Notifier. Events injected with Emit are
// delivered to every subscription on the path whose mask matches. It is safe
// for concurrent usage.
type Fake struct {
	// lock guards the fields below.
	lock sync.Mutex
	// nextID is the next subscription identifier.
	nextID int
	// subscriptions maps identifiers to subscriptions.
	subscriptions map[int]*subscription
	// stopped indicates whether Stop has been called.
	stopped bool
}

// NewFake creates a new fake notifier.
func NewFake() *Fake {
	return &Fake{
		nextID:        1,
		subscriptions: make(map[int]*subscription),
	}
}

// AddWatch implements inotify.Notifier.AddWatch.
func (f *Fake) AddWatch(path string, mask uint32) (<-chan inotify.Event, int) {
	f.lock.Lock()
	defer f.lock.Unlock()

	id := f.nextID
	f.nextID++
	queue := make(chan inotify.Event, inotify.QueueCapacity)
	f.subscriptions[id] = &subscription{path: filepath.Clean(path), mask: mask, queue: queue}
	return queue, id
}

// RmWatch implements inotify.Notifier.RmWatch.
func (f *Fake) RmWatch(id int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.subscriptions, id)
}

// Stop implements inotify.Notifier.Stop.
func (f *Fake) Stop() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.stopped = true
}

// Stopped returns whether Stop has been called.
func (f *Fake) Stopped() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.stopped
}

// Emit delivers an event for a watched path. It returns the number of
// subscriptions that received it.
func (f *Fake) Emit(path, name string, mask uint32) int {
	f.lock.Lock()
	defer f.lock.Unlock()

	path = filepath.Clean(path)
	delivered := 0
	for id, subscription := range f.subscriptions {
		if subscription.path != path {
			continue
		}
		if mask&(subscription.mask|inotify.InIgnored) == 0 {
			continue
		}
		subscription.queue <- inotify.NewEvent(name, id, mask)
		delivered++
	}
	return delivered
}

// Subscriptions returns the number of active subscriptions on a path.
func (f *Fake) Subscriptions(path string) int {
	f.lock.Lock()
	defer f.lock.Unlock()

	path = filepath.Clean(path)
	count := 0
	for _, subscription := range f.subscriptions {
		if subscription.path == path {
			count++
		}
	}
	return count
}

// Total returns the total number of active subscriptions.
func (f *Fake) Total() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.subscriptions)
}

// WaitForSubscriptions polls until a path has at least count subscriptions
// or the timeout expires. It returns whether the condition was met.
func (f *Fake) WaitForSubscriptions(path string, count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if f.Subscriptions(path) >= count {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
