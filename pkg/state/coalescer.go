package state

import (
	"context"
	"time"

	"github.com/scingestor/scingestor/pkg/timeutil"
)

// Coalescer turns bursts of strobes into single signals. A signal is delivered
// once no strobe has arrived for the quiet window, or once the first strobe
// of a burst is older than the maximum latency, whichever happens first. It is
// safe for concurrent usage and owns a background Goroutine that must be shut
// down with Terminate.
type Coalescer struct {
	// strobes carries strobes to the run loop.
	strobes chan struct{}
	// signals delivers coalesced signals. It has a capacity of one.
	signals chan struct{}
	// cancel stops the run loop.
	cancel context.CancelFunc
	// done is closed when the run loop exits.
	done chan struct{}
}

// NewCoalescer creates a coalescer with the specified quiet window and maximum
// latency. Negative windows are treated as zero, and a non-positive latency
// disables the latency bound.
func NewCoalescer(window, latency time.Duration) *Coalescer {
	if window < 0 {
		window = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	coalescer := &Coalescer{
		strobes: make(chan struct{}),
		signals: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go coalescer.run(ctx, window, latency)
	return coalescer
}

// run implements the coalescer's run loop.
func (c *Coalescer) run(ctx context.Context, window, latency time.Duration) {
	defer close(c.done)

	// Both timers start out stopped.
	quiet := time.NewTimer(0)
	timeutil.StopAndDrainTimer(quiet)
	defer quiet.Stop()
	deadline := time.NewTimer(0)
	timeutil.StopAndDrainTimer(deadline)
	defer deadline.Stop()

	pending := false
	fire := func() {
		timeutil.StopAndDrainTimer(quiet)
		timeutil.StopAndDrainTimer(deadline)
		pending = false
		select {
		case c.signals <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.strobes:
			timeutil.StopAndDrainTimer(quiet)
			quiet.Reset(window)
			if !pending && latency > 0 {
				deadline.Reset(latency)
			}
			pending = true
		case <-quiet.C:
			fire()
		case <-deadline.C:
			fire()
		}
	}
}

// Strobe registers an event. It has no effect after Terminate.
func (c *Coalescer) Strobe() {
	select {
	case c.strobes <- struct{}{}:
	case <-c.done:
	}
}

// Signals returns the channel on which coalesced signals are delivered. A
// signal that isn't received is kept until it is, and further signals are
// merged into it. The channel is never closed.
func (c *Coalescer) Signals() <-chan struct{} {
	return c.signals
}

// Terminate stops the run loop and waits for it to exit. It is idempotent.
func (c *Coalescer) Terminate() {
	c.cancel()
	<-c.done
}
