package stream

import (
	"sync"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/metrics"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// whose buffer overflows is dropped rather than blocking the publisher.
const subscriberBuffer = 256

// Chunk is one line-oriented piece of job output. Index is monotonic per
// job and is the deduplication key across the snapshot/live boundary.
type Chunk struct {
	Index int    `json:"index"`
	Data  string `json:"data"`
}

// Subscription is one attached reader of a job's output.
type Subscription struct {
	// Snapshot holds every chunk published before the subscription was
	// created. Live carries everything after; the two never overlap.
	Snapshot []Chunk
	Live     <-chan Chunk

	bus     *Bus
	ch      chan Chunk
	dropped bool
}

// Cancel detaches the subscription. Safe to call more than once; other
// subscribers and the publisher are unaffected.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)
}

// Bus is the per-job output multiplexer. One publisher (the job runner)
// fans chunks out to any number of subscribers without ever blocking on
// them.
type Bus struct {
	mu     sync.Mutex
	buffer []Chunk
	subs   map[*Subscription]struct{}
	closed bool
	onIdle func()
}

// NewBus creates a bus. onIdle, if non-nil, fires once the bus is closed
// and the last subscriber detaches, letting the owner garbage-collect it.
func NewBus(onIdle func()) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		onIdle: onIdle,
	}
}

// Publish appends a chunk to the buffer and fans it out. Delivery to each
// subscriber is a non-blocking send; a full subscriber is dropped.
// Publishing to a closed bus is a no-op.
func (b *Bus) Publish(data string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	chunk := Chunk{Index: len(b.buffer), Data: data}
	b.buffer = append(b.buffer, chunk)

	for sub := range b.subs {
		select {
		case sub.ch <- chunk:
		default:
			b.drop(sub)
		}
	}
}

// Subscribe attaches a reader. The returned snapshot covers the full buffer
// up to this instant; the live channel yields only later chunks, so the
// concatenation snapshot+live is the complete output exactly once. After
// Close, the snapshot is the whole log and the live channel is already
// closed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]Chunk, len(b.buffer))
	copy(snapshot, b.buffer)

	ch := make(chan Chunk, subscriberBuffer)
	sub := &Subscription{
		Snapshot: snapshot,
		Live:     ch,
		bus:      b,
		ch:       ch,
	}

	if b.closed {
		close(ch)
		sub.dropped = true
		return sub
	}

	b.subs[sub] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return sub
}

// Close ends the stream: all subscriber channels are closed and later
// publishes are ignored. Idempotent. Late subscribers still receive the
// buffered log as their snapshot.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subs {
		close(sub.ch)
		sub.dropped = true
		delete(b.subs, sub)
		metrics.StreamSubscribers.Dec()
	}
	b.notifyIdle()
}

// Buffer returns a copy of everything published so far.
func (b *Bus) Buffer() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Chunk, len(b.buffer))
	copy(out, b.buffer)
	return out
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		b.drop(sub)
	}
	b.notifyIdle()
}

// drop removes a subscriber and closes its channel. Caller holds b.mu.
func (b *Bus) drop(sub *Subscription) {
	if sub.dropped {
		return
	}
	sub.dropped = true
	delete(b.subs, sub)
	close(sub.ch)
	metrics.StreamSubscribers.Dec()
}

// notifyIdle fires onIdle when the bus is closed and empty. Caller holds b.mu.
func (b *Bus) notifyIdle() {
	if b.closed && len(b.subs) == 0 && b.onIdle != nil {
		onIdle := b.onIdle
		b.onIdle = nil
		go onIdle()
	}
}
