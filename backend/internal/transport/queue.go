package transport

import (
	"sync"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/wire"
)

// SendQueue buffers envelopes composed while the connection is down. It is a
// bounded FIFO: once full, the oldest entry is dropped to admit the newest,
// on the theory that the newest presence/schema state is the one worth
// replaying after reconnect.
type SendQueue struct {
	mu       sync.Mutex
	buf      []wire.Envelope
	capacity int
	dropped  int
}

func NewSendQueue(capacity int) *SendQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &SendQueue{capacity: capacity}
}

// Push appends env, evicting the oldest entry when the queue is at capacity.
// Returns true when an eviction happened.
func (q *SendQueue) Push(env wire.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := false
	if len(q.buf) == q.capacity {
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
		q.dropped++
		evicted = true
	}
	q.buf = append(q.buf, env)
	return evicted
}

// Drain empties the queue and returns the buffered envelopes in push order.
func (q *SendQueue) Drain() []wire.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns how many envelopes were evicted since construction.
func (q *SendQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
