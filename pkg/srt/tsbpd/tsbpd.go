// Package tsbpd implements the per-connection timestamp-based packet
// delivery thread: a loop that sleeps until the head-of-line packet's
// scheduled delivery time, then hands it to the application's read
// path, skipping packets whose deadline has already passed when
// TLPKTDROP is enabled. One long-lived goroutine runs per receiving
// connection, since each connection's delivery deadline is independent
// and potentially far apart from its peers'.
package tsbpd

import (
	"sync"
	"time"

	"github.com/srtgo/srt/internal/logging"
)

// Source is the minimal receive-buffer surface the delivery thread
// needs; *rcvbuf.Buffer satisfies it.
type Source interface {
	Readiness(now time.Time) (ready bool, deadline time.Time, hasGapBeforeHead bool)
	ReadMessage() (payload []byte, ok bool)
	Skip(n int)
}

// Thread runs one connection's delivery loop until Stop is called.
type Thread struct {
	src       Source
	deliver   func([]byte)
	tlPktDrop bool

	log *logging.Logger

	mu      sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

// New creates (but does not start) a delivery thread for one
// connection's receive buffer. deliver is called with each fully
// reassembled message in arrival order, off the thread's own goroutine.
func New(src Source, tlPktDrop bool, deliver func([]byte)) *Thread {
	return &Thread{
		src:       src,
		deliver:   deliver,
		tlPktDrop: tlPktDrop,
		log:       logging.With("tsbpd"),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Wake nudges the thread to re-check readiness immediately, called
// whenever a new packet is inserted into the receive buffer so the
// thread doesn't sleep past a packet that just became the new
// earliest-deadline head.
func (t *Thread) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run is the delivery loop body; call it in its own goroutine.
func (t *Thread) Run() {
	for {
		now := time.Now()
		ready, deadline, gap := t.src.Readiness(now)

		if ready {
			if msg, ok := t.src.ReadMessage(); ok {
				t.deliver(msg)
				continue
			}
			// Head slot is occupied but not yet a complete message
			// (mid-assembly of a FIRST..LAST run); wait for more arrivals
			// rather than busy-spinning.
		}

		if !ready && gap && t.tlPktDrop && !deadline.IsZero() && !now.Before(deadline) {
			// The head is a gap whose covering loss has already missed its
			// own delivery deadline: skip it rather than wait forever for
			// a retransmit that would arrive too late to matter.
			t.src.Skip(1)
			continue
		}

		var timer *time.Timer
		if !deadline.IsZero() && deadline.After(now) {
			timer = time.NewTimer(deadline.Sub(now))
		} else {
			timer = time.NewTimer(20 * time.Millisecond) // no known deadline yet: poll
		}

		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-t.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop halts the delivery loop; safe to call more than once.
func (t *Thread) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stop)
}
