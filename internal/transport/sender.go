package transport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hirewise/peerrelay/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// sender is the single writer for a DataChannel. It holds messages until
// the channel opens and respects the buffered-amount watermarks.
type sender struct {
	inbox       chan string
	drainSignal chan struct{}
	queued      atomic.Int64 // accepted by send, not yet handed to the channel
}

// newSender wires the backpressure callbacks on dc and starts the loop,
// which exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan string, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case text := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			err := dc.SendText(text)
			s.queued.Add(-1)
			if err != nil {
				util.LogError("failed to send on data channel %q: %v", dc.Label(), err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues text. It blocks while the buffer is full and returns
// ctx's error once the transport is gone.
func (s *sender) send(ctx context.Context, text string) error {
	s.queued.Add(1)
	select {
	case s.inbox <- text:
		return nil
	case <-ctx.Done():
		s.queued.Add(-1)
		return ctx.Err()
	}
}

// flush waits until every accepted message has been written and the
// channel's buffer is empty.
func (s *sender) flush(ctx context.Context, dc *webrtc.DataChannel) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.queued.Load() == 0 && dc.BufferedAmount() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
