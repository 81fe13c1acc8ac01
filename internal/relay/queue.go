package relay

import (
	"sync"
	"sync/atomic"
)

// packetQueue is a byte-bounded FIFO queue of received datagrams.
//
// It sits between the socket reader goroutine and the loop goroutine so the
// reader never blocks on a slow tick.
type packetQueue struct {
	mu     sync.Mutex
	closed bool

	maxBytes int
	curBytes int
	packets  [][]byte

	ready chan struct{}

	drops  atomic.Uint64
	onDrop func()
}

func newPacketQueue(maxBytes int) *packetQueue {
	return &packetQueue{
		maxBytes: maxBytes,
		ready:    make(chan struct{}, 1),
	}
}

// SetOnDrop registers a callback invoked for each dropped packet. It must be
// called before the queue is shared.
func (q *packetQueue) SetOnDrop(fn func()) {
	q.onDrop = fn
}

func (q *packetQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Ready is signalled after an Enqueue. A single signal may cover several
// packets, so receivers should drain with TryDequeue.
func (q *packetQueue) Ready() <-chan struct{} {
	return q.ready
}

// Enqueue appends pkt to the queue if it fits within the byte budget.
// It never blocks.
func (q *packetQueue) Enqueue(pkt []byte) bool {
	q.mu.Lock()
	if q.closed || len(pkt) > q.maxBytes || q.curBytes+len(pkt) > q.maxBytes {
		q.mu.Unlock()
		q.drop()
		return false
	}
	q.packets = append(q.packets, pkt)
	q.curBytes += len(pkt)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the oldest packet without blocking.
func (q *packetQueue) TryDequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return nil, false
	}
	pkt := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	if len(q.packets) == 0 {
		q.packets = nil
	}
	q.curBytes -= len(pkt)
	return pkt, true
}

func (q *packetQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

func (q *packetQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.packets {
		q.packets[i] = nil
	}
	q.packets = nil
	q.curBytes = 0
	q.mu.Unlock()
}

func (q *packetQueue) drop() {
	q.drops.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
}
