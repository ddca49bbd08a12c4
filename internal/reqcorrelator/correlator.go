// Package reqcorrelator implements the concurrent pending-request table
// described in spec §4.7: requests are inserted under a request id and
// completed exactly once, either by a matching response or by timeout.
//
// The "origin reference" named in spec §3 ("Pending request") is, in
// this implementation, simply the goroutine that called Insert: it
// blocks on (or selects on) the returned channel, so there is no
// separate table of response sinks to manage — the calling goroutine
// *is* the origin.
package reqcorrelator

import (
	"sync"
	"time"

	"github.com/pgrok/pgrok/internal/relay"
)

// Result is delivered exactly once per inserted request id.
type Result struct {
	Response *relay.HTTPResponseEnvelope
	Err      error
}

type entry struct {
	resultCh chan Result
	timer    *time.Timer
	done     bool
}

// Correlator is a concurrency-safe table of pending requests keyed by
// request id, scoped to a single tunnel.
type Correlator struct {
	logger relay.Logger

	mu      sync.Mutex
	pending map[string]*entry
}

// New creates an empty correlator.
func New(logger relay.Logger) *Correlator {
	return &Correlator{
		logger:  logger,
		pending: make(map[string]*entry),
	}
}

// Insert registers a new pending request with the given deadline.
// Returns a channel that will receive exactly one Result: a matching
// Complete, a Fail, an automatic timeout at deadline, or a Drain.
//
// A collision on an id that is already pending is a fatal invariant
// violation per spec §4.7 and is reported via the boolean return.
func (c *Correlator) Insert(id string, deadline time.Time) (<-chan Result, bool) {
	c.mu.Lock()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, false
	}
	e := &entry{resultCh: make(chan Result, 1)}
	c.pending[id] = e
	c.mu.Unlock()

	e.timer = time.AfterFunc(time.Until(deadline), func() {
		c.Fail(id, relay.ErrRequestTimedOut)
	})

	return e.resultCh, true
}

// Complete delivers a response for a pending request id. Returns true
// if the id was pending and unseen; a false return (id unknown, or
// already completed) means the response arrived too late and must be
// discarded with a warning by the caller (spec §4.3 "Edge cases").
func (c *Correlator) Complete(id string, resp *relay.HTTPResponseEnvelope) bool {
	return c.finish(id, Result{Response: resp})
}

// Fail delivers an error (timeout, disconnect, cancellation) for a
// pending request id. Returns true if it was pending and unseen.
func (c *Correlator) Fail(id string, err error) bool {
	return c.finish(id, Result{Err: err})
}

func (c *Correlator) finish(id string, res Result) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if !ok || e.done {
		c.mu.Unlock()
		if !ok {
			c.logger.WLogf("discarding completion for unknown request id %q", id)
		}
		return false
	}
	e.done = true
	delete(c.pending, id)
	c.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.resultCh <- res
	return true
}

// Drain fails every currently-pending request with err (spec §4.6
// "Draining": used when a tunnel's control channel dies).
func (c *Correlator) Drain(err error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Fail(id, err)
	}
}

// Len returns the number of currently pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
