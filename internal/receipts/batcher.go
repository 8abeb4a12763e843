package receipts

import (
	"sync"
	"time"
)

// DefaultWindow is the debounce window for collecting inbound message
// ids into one acknowledgment.
const DefaultWindow = 150 * time.Millisecond

// Batcher aggregates inbound message ids and acknowledges them in one
// read_messages frame per debounce window, avoiding a round-trip per
// message during a burst.
type Batcher struct {
	window time.Duration
	send   func(ids []int64)

	mu      sync.Mutex
	pending []int64
	seen    map[int64]struct{}
	timer   *time.Timer
	closed  bool
}

// New creates a Batcher that delivers batches to send. A zero window
// uses DefaultWindow.
func New(window time.Duration, send func(ids []int64)) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Batcher{
		window: window,
		send:   send,
		seen:   map[int64]struct{}{},
	}
}

// Observe queues an inbound message id for acknowledgment. The first
// id of a burst arms the window; ids arriving before it fires join the
// same batch.
func (b *Batcher) Observe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || id == 0 {
		return
	}
	if _, ok := b.seen[id]; ok {
		return
	}
	b.seen[id] = struct{}{}
	b.pending = append(b.pending, id)

	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	ids := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	if len(ids) > 0 {
		b.send(ids)
	}
}

// Close cancels the window and flushes whatever is pending. Receipts
// are a liveness signal, so a send failure at this point is fine.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	ids := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(ids) > 0 {
		b.send(ids)
	}
}
