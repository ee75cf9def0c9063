// Package dispatch funnels inbound events from every connection through one
// goroutine so that each event is fully processed before the next begins.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/hirewise/peerrelay/internal/signaling"
	"github.com/hirewise/peerrelay/internal/util"
)

// ErrStopped is returned by Submit once the event loop has exited.
var ErrStopped = errors.New("dispatcher stopped")

// DefaultQueueSize is the event channel capacity used when none is given.
const DefaultQueueSize = 1024

// minSweepInterval bounds the sweep interval derived from MaxWait.
const minSweepInterval = time.Millisecond

// Handler consumes events in order. Handle is never called concurrently.
type Handler interface {
	Handle(ev signaling.Event)
	Expire(cutoff time.Time) int
}

// Options tunes the event loop.
type Options struct {
	QueueSize int

	// MaxWait enables the idle-wait timeout when positive: connections that
	// have been waiting longer are expired on every sweep.
	MaxWait       time.Duration
	SweepInterval time.Duration
}

// Dispatcher is the serialization point between concurrent connections and
// the relay.
type Dispatcher struct {
	handler Handler
	opts    Options

	events chan signaling.Event
	done   chan struct{}
}

// New creates a dispatcher. Call Run to start processing.
func New(h Handler, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxWait > 0 && opts.SweepInterval <= 0 {
		opts.SweepInterval = max(opts.MaxWait/4, minSweepInterval)
	}
	return &Dispatcher{
		handler: h,
		opts:    opts,
		events:  make(chan signaling.Event, opts.QueueSize),
		done:    make(chan struct{}),
	}
}

// Submit queues ev for processing. It blocks while the queue is full, so
// disconnect events are never lost; it gives up when ctx is cancelled or
// the loop has stopped.
func (d *Dispatcher) Submit(ctx context.Context, ev signaling.Event) error {
	select {
	case <-d.done:
		return ErrStopped
	default:
	}

	select {
	case d.events <- ev:
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run is the event loop. It returns when ctx is cancelled; events still
// queued at that point are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	var sweep <-chan time.Time
	if d.opts.MaxWait > 0 {
		ticker := time.NewTicker(d.opts.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
		util.LogInfo("idle-wait timeout enabled: %s (sweep every %s)", d.opts.MaxWait, d.opts.SweepInterval)
	}

	for {
		select {
		case ev := <-d.events:
			d.handler.Handle(ev)

		case now := <-sweep:
			if n := d.handler.Expire(now.Add(-d.opts.MaxWait)); n > 0 {
				util.LogDebug("expired %d waiting connection(s)", n)
			}

		case <-ctx.Done():
			if n := len(d.events); n > 0 {
				util.LogWarning("dispatcher stopping with %d unprocessed event(s)", n)
			}
			return ctx.Err()
		}
	}
}
