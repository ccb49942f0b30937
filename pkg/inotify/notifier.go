package inotify

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/scingestor/scingestor/pkg/logging"
)

const (
	// QueueCapacity is the capacity of each subscription's event queue.
	QueueCapacity = 1024
	// idleTimeout is the read timeout used while there are no subscriptions.
	idleTimeout = 10 * time.Millisecond
	// DefaultBusyTimeout is the default read timeout used while there are
	// subscriptions.
	DefaultBusyTimeout = time.Second
	// deliveryTimeout bounds how long the run loop waits on a full
	// subscription queue before dropping an event.
	deliveryTimeout = 100 * time.Millisecond
)

// addRequest is a pending subscription.
type addRequest struct {
	// id is the subscription identifier.
	id int
	// path is the watched path.
	path string
	// mask is the requested event mask.
	mask uint32
}

// subscription is an active subscription.
type subscription struct {
	// path is the watched path.
	path string
	// mask is the requested event mask.
	mask uint32
	// wd is the OS watch descriptor, or -1 while the add is pending.
	wd int
	// queue is the event queue.
	queue chan Event
}

// watch is a reference-counted OS watch.
type watch struct {
	// path is the path passed to the OS.
	path string
	// mask is the union of the masks of all subscriptions.
	mask uint32
	// subscriptions are the identifiers of subscriptions sharing the watch.
	subscriptions map[int]bool
}

// SafeNotifier multiplexes a single OS inotify instance between any number of
// subscriptions. Subscriptions on the same path share one OS watch, which is
// only removed once the last of them is removed. All OS calls are performed by
// a single run loop; public methods only enqueue requests. It is safe for
// concurrent usage.
type SafeNotifier struct {
	// backend is the OS inotify instance.
	backend backend
	// logger is the notifier logger.
	logger *logging.Logger
	// busyTimeout is the read timeout used while there are subscriptions.
	busyTimeout time.Duration

	// lock guards the fields below.
	lock sync.Mutex
	// nextID is the next subscription identifier.
	nextID int
	// adds are pending subscription requests.
	adds []addRequest
	// removes are pending removal requests.
	removes []int
	// subscriptions maps identifiers to subscriptions.
	subscriptions map[int]*subscription
	// watches maps OS watch descriptors to watches.
	watches map[int]*watch
	// paths maps watched paths to OS watch descriptors.
	paths map[string]int

	// cancel signals termination to the run loop.
	cancel context.CancelFunc
	// done is closed when the run loop exits.
	done chan struct{}
	// stopOnce makes Stop idempotent.
	stopOnce sync.Once
}

// New creates a notifier backed by a new OS inotify instance and starts its
// run loop. A non-positive busyTimeout selects DefaultBusyTimeout.
func New(busyTimeout time.Duration, logger *logging.Logger) (*SafeNotifier, error) {
	backend, err := newUnixBackend()
	if err != nil {
		return nil, err
	}
	return newNotifier(backend, busyTimeout, logger), nil
}

// newNotifier creates a notifier on top of a backend and starts its run loop.
func newNotifier(backend backend, busyTimeout time.Duration, logger *logging.Logger) *SafeNotifier {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}

	// Create a context to regulate the run loop.
	ctx, cancel := context.WithCancel(context.Background())

	// Create the notifier.
	notifier := &SafeNotifier{
		backend:       backend,
		logger:        logger,
		busyTimeout:   busyTimeout,
		nextID:        1,
		subscriptions: make(map[int]*subscription),
		watches:       make(map[int]*watch),
		paths:         make(map[string]int),
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	// Start the run loop.
	go notifier.run(ctx)

	// Done.
	return notifier
}

// AddWatch implements Notifier.AddWatch.
func (n *SafeNotifier) AddWatch(path string, mask uint32) (<-chan Event, int) {
	n.lock.Lock()
	id := n.nextID
	n.nextID++
	queue := make(chan Event, QueueCapacity)
	n.subscriptions[id] = &subscription{
		path:  filepath.Clean(path),
		mask:  mask,
		wd:    -1,
		queue: queue,
	}
	n.adds = append(n.adds, addRequest{id: id, path: filepath.Clean(path), mask: mask})
	n.lock.Unlock()

	n.backend.wake()
	return queue, id
}

// RmWatch implements Notifier.RmWatch.
func (n *SafeNotifier) RmWatch(id int) {
	n.lock.Lock()
	n.removes = append(n.removes, id)
	n.lock.Unlock()

	n.backend.wake()
}

// Stop implements Notifier.Stop.
func (n *SafeNotifier) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		n.backend.wake()
		<-n.done
		if err := n.backend.close(); err != nil {
			n.logger.Debugf("Unable to close inotify instance: %v", err)
		}
	})
}

// run implements the notifier's run loop.
func (n *SafeNotifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		// Check for termination.
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Process pending requests and pick the read timeout.
		timeout := n.processRequests()

		// Wait for events.
		events, err := n.backend.read(timeout)
		if err != nil {
			n.logger.Warnf("Unable to read inotify events: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(timeout):
			}
		}

		// Dispatch events.
		for _, event := range events {
			n.dispatch(ctx, event)
		}
	}
}

// processRequests carries out pending adds and removes and returns the read
// timeout appropriate for the resulting number of subscriptions.
func (n *SafeNotifier) processRequests() time.Duration {
	n.lock.Lock()
	defer n.lock.Unlock()

	// Handle removals first so that a remove of a still-pending add wins.
	removes := n.removes
	n.removes = nil
	for _, id := range removes {
		n.remove(id)
	}

	adds := n.adds
	n.adds = nil
	for _, request := range adds {
		n.add(request)
	}

	if len(n.subscriptions) == 0 {
		return idleTimeout
	}
	return n.busyTimeout
}

// add performs a subscription's OS watch. It must be called with the lock
// held.
func (n *SafeNotifier) add(request addRequest) {
	// Ignore requests for subscriptions that were removed before processing.
	subscription, ok := n.subscriptions[request.id]
	if !ok {
		return
	}

	// If the path is already watched with a sufficient mask, then share the
	// existing watch without touching the OS.
	if wd, ok := n.paths[request.path]; ok {
		existing := n.watches[wd]
		if existing.mask&request.mask == request.mask {
			existing.subscriptions[request.id] = true
			subscription.wd = wd
			return
		}
	}

	// Perform the OS call, extending any existing mask for the same inode.
	wd, err := n.backend.addWatch(request.path, request.mask|InMaskAdd)
	if err != nil {
		n.logger.Warnf("Unable to watch %s: %v", request.path, err)
		subscription.wd = -1
		return
	}

	// Record the watch. Different paths may resolve to the same inode, in
	// which case the OS returns an existing descriptor.
	existing, ok := n.watches[wd]
	if !ok {
		existing = &watch{path: request.path, subscriptions: make(map[int]bool)}
		n.watches[wd] = existing
	}
	existing.mask |= request.mask
	existing.subscriptions[request.id] = true
	n.paths[request.path] = wd
	subscription.wd = wd
}

// remove removes a subscription, removing its OS watch if it was the last
// subscription sharing it. It must be called with the lock held.
func (n *SafeNotifier) remove(id int) {
	subscription, ok := n.subscriptions[id]
	if !ok {
		return
	}
	delete(n.subscriptions, id)

	existing, ok := n.watches[subscription.wd]
	if subscription.wd < 0 || !ok {
		return
	}
	delete(existing.subscriptions, id)
	if len(existing.subscriptions) > 0 {
		return
	}
	n.forget(subscription.wd)
	if err := n.backend.rmWatch(subscription.wd); err != nil {
		n.logger.Debugf("Unable to remove watch on %s: %v", existing.path, err)
	}
}

// forget drops the bookkeeping for an OS watch. It must be called with the
// lock held.
func (n *SafeNotifier) forget(wd int) {
	existing, ok := n.watches[wd]
	if !ok {
		return
	}
	delete(n.watches, wd)
	for path, pathWD := range n.paths {
		if pathWD == wd {
			delete(n.paths, path)
		}
	}
	for id := range existing.subscriptions {
		if subscription, ok := n.subscriptions[id]; ok {
			subscription.wd = -1
		}
	}
}

// dispatch fans an event out to every subscription sharing its watch.
func (n *SafeNotifier) dispatch(ctx context.Context, raw rawEvent) {
	// Collect target queues under the lock.
	n.lock.Lock()
	var queues []chan Event
	if existing, ok := n.watches[raw.wd]; ok {
		for id := range existing.subscriptions {
			subscription := n.subscriptions[id]
			if subscription == nil {
				continue
			}
			if raw.mask&(subscription.mask|InIgnored|InQueueOverflow) != 0 {
				queues = append(queues, subscription.queue)
			}
		}
	}

	// The OS has dropped watches that report IN_IGNORED, so retire them.
	if raw.mask&InIgnored != 0 {
		n.forget(raw.wd)
	}
	n.lock.Unlock()

	// Deliver outside of the lock.
	event := NewEvent(raw.name, raw.wd, raw.mask)
	n.logger.Debugf("Event %s %s on descriptor %d", event.Mask, event.Name, event.WatchDescriptor)
	for _, queue := range queues {
		select {
		case queue <- event:
			continue
		default:
		}
		timer := time.NewTimer(deliveryTimeout)
		select {
		case queue <- event:
		case <-timer.C:
			n.logger.Warnf("Dropping event %s %s: subscriber queue full", event.Mask, event.Name)
		case <-ctx.Done():
		}
		timer.Stop()
	}
}
