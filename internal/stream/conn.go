package stream

import (
	"sync"

	"github.com/google/uuid"
)

// Conn is the result side of one client connection. Results are buffered
// up to the queue capacity. When the buffer is full the worker drops the
// result instead of waiting, so a consumer that stops reading only loses
// its own decisions. Delivered results stay in frame order.
type Conn struct {
	id      string
	results chan Result
	done    chan struct{}
	once    sync.Once

	// guarded by Pipeline.mu
	seq uint64
}

func newConn(buffer int) *Conn {
	return &Conn{
		id:      uuid.NewString(),
		results: make(chan Result, buffer),
		done:    make(chan struct{}),
	}
}

// ID identifies the connection in logs and published events.
func (c *Conn) ID() string { return c.id }

// Results yields decisions in frame order. The channel is never closed;
// select on Done as well.
func (c *Conn) Results() <-chan Result { return c.results }

// Done is closed by Close.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close detaches the connection. Pending and future results for it are
// dropped without blocking the worker.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// deliver hands r to the consumer without blocking. It reports false when
// the connection is closed or its buffer is full.
func (c *Conn) deliver(r Result) bool {
	if c.closed() {
		return false
	}
	select {
	case c.results <- r:
		return true
	default:
		return false
	}
}
