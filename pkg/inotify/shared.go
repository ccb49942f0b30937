package inotify

import (
	"sync"
	"time"

	"github.com/scingestor/scingestor/pkg/logging"
)

var (
	// sharedLock guards shared.
	sharedLock sync.Mutex
	// shared is the process-wide notifier.
	shared Notifier
)

// Shared returns the process-wide notifier, creating it on first use with the
// specified busy read timeout.
func Shared(busyTimeout time.Duration) (Notifier, error) {
	sharedLock.Lock()
	defer sharedLock.Unlock()

	if shared == nil {
		notifier, err := New(busyTimeout, logging.RootLogger.Sublogger("inotify"))
		if err != nil {
			return nil, err
		}
		shared = notifier
	}
	return shared, nil
}

// SetShared replaces the process-wide notifier, e.g. with a fake in tests. It
// returns the previous notifier, which is not stopped.
func SetShared(notifier Notifier) Notifier {
	sharedLock.Lock()
	defer sharedLock.Unlock()

	previous := shared
	shared = notifier
	return previous
}

// StopShared stops and clears the process-wide notifier, if any.
func StopShared() {
	sharedLock.Lock()
	notifier := shared
	shared = nil
	sharedLock.Unlock()

	if notifier != nil {
		notifier.Stop()
	}
}
