package relay

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks both the currently-open and lifetime-total count of
// some kind of connection (sub-streams, pending requests). Grounded on
// the teacher's share/connstats.go, renamed into the relay domain.
type ConnStats struct {
	total int64
	open  int64
}

// Opened records a new connection, incrementing both counters.
func (c *ConnStats) Opened() {
	atomic.AddInt64(&c.total, 1)
	atomic.AddInt64(&c.open, 1)
}

// Closed decrements the open counter.
func (c *ConnStats) Closed() {
	atomic.AddInt64(&c.open, -1)
}

// Open returns the current open count.
func (c *ConnStats) Open() int64 {
	return atomic.LoadInt64(&c.open)
}

// Total returns the lifetime total count.
func (c *ConnStats) Total() int64 {
	return atomic.LoadInt64(&c.total)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.Open(), c.Total())
}
