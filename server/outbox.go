package server

import "github.com/eapache/queue"

// outbox is a tiny, fixed-capacity FIFO absorbing at most a couple of write
// syscalls' worth of latency for a slow reader. It never grows past
// capacity: pushing past capacity evicts the oldest queued packet rather
// than allocating more room, matching the "drop on would-block, never
// buffer without bound" policy — back-pressure is absorbed by sample loss,
// not memory growth.
type outbox struct {
	q   *queue.Queue
	cap int
}

func newOutbox(cap int) *outbox {
	return &outbox{q: queue.New(), cap: cap}
}

// push appends payload, evicting the oldest queued packet first if the
// outbox is already at capacity. It reports whether an eviction occurred.
func (o *outbox) push(payload []byte) (evicted bool) {
	if o.q.Length() >= o.cap {
		o.q.Remove()
		evicted = true
	}
	o.q.Add(payload)
	return evicted
}

func (o *outbox) peek() ([]byte, bool) {
	if o.q.Length() == 0 {
		return nil, false
	}
	return o.q.Peek().([]byte), true
}

func (o *outbox) pop() {
	if o.q.Length() > 0 {
		o.q.Remove()
	}
}

func (o *outbox) len() int { return o.q.Length() }
