// Package ledger implements the outstanding-request tracker of §4.8: every
// outbound request that expects a correlated response is registered here
// under a monotonically increasing request ID, and completed (or timed out)
// exactly once.
package ledger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hermit-net/hermit/hermiterr"
)

// pending is one in-flight request's completion channel and timeout timer.
type pending struct {
	respCh chan []byte
	timer  *time.Timer
}

// Ledger correlates request IDs to their eventual responses, matching the
// dispatcher's single-writer-many-reader concurrency model: Register is
// called by the sender goroutine, Complete by the dispatcher's read loop.
type Ledger struct {
	counter uint32

	mu      sync.Mutex
	pending map[uint32]*pending
}

// New creates an empty request ledger.
func New() *Ledger {
	return &Ledger{pending: make(map[uint32]*pending)}
}

// NextID returns the next request ID, wrapping at uint32 overflow. The
// counter is not checked against outstanding requests, so callers that
// exhaust the ID space faster than requests complete will collide, but
// this is not a realistic concern for a single node's outbound request rate.
func (l *Ledger) NextID() uint32 {
	return atomic.AddUint32(&l.counter, 1)
}

// Register reserves id for an in-flight request with the given timeout and
// returns a channel that receives exactly one response payload, or is closed
// without a value if timeout elapses first.
func (l *Ledger) Register(id uint32, timeout time.Duration) <-chan []byte {
	p := &pending{respCh: make(chan []byte, 1)}
	l.mu.Lock()
	l.pending[id] = p
	l.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		l.mu.Lock()
		if _, ok := l.pending[id]; ok {
			delete(l.pending, id)
			close(p.respCh)
		}
		l.mu.Unlock()
	})
	return p.respCh
}

// Complete delivers response to the waiter registered under id, if any. It
// reports whether a waiter was found; an unmatched id (late or unsolicited
// response) is not an error at this layer — the dispatcher logs it.
func (l *Ledger) Complete(id uint32, response []byte) bool {
	l.mu.Lock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.respCh <- response
	close(p.respCh)
	return true
}

// Await blocks until id's response arrives or timeout elapses, returning
// hermiterr.ErrRequestTimeout in the latter case.
func (l *Ledger) Await(id uint32, timeout time.Duration) ([]byte, error) {
	ch := l.Register(id, timeout)
	resp, ok := <-ch
	if !ok {
		return nil, hermiterr.ErrRequestTimeout
	}
	return resp, nil
}

// Cancel abandons a registered request without waiting for a response,
// releasing its timer and slot.
func (l *Ledger) Cancel(id uint32) {
	l.mu.Lock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// Pending returns the number of currently outstanding requests.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
