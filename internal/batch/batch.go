// Package batch accumulates serialized trace records and hands them to
// delivery when any flush threshold is met. One delivery runs at a
// time; accumulation continues while a batch is in flight.
package batch

import (
	"sync"
	"time"
)

const (
	// DefaultSize flushes after this many records.
	DefaultSize = 100
	// DefaultBytes flushes after the serialized batch reaches this many
	// bytes, counting one separator byte per record.
	DefaultBytes = 1 << 20
	// DefaultInterval flushes this long after the first record of a
	// batch arrived.
	DefaultInterval = 200 * time.Millisecond
)

// FlushFunc delivers one batch. Invoked from a single goroutine;
// batches arrive in the order they were cut.
type FlushFunc func(records [][]byte)

// Batcher cuts batches on whichever threshold fires first: record
// count, byte size, or the interval timer armed by the first record.
type Batcher struct {
	size     int
	maxBytes int64
	interval time.Duration
	deliver  FlushFunc

	mu      sync.Mutex
	pending [][]byte
	bytes   int64
	timer   *time.Timer
	closed  bool

	// out is unbuffered: handing off a batch while the previous one is
	// still being delivered blocks the trigger, which is the
	// backpressure the queue upstream relies on.
	out  chan [][]byte
	done chan struct{}
}

// New starts a batcher with its delivery worker. Non-positive
// thresholds fall back to the defaults.
func New(size int, maxBytes int64, interval time.Duration, deliver FlushFunc) *Batcher {
	if size <= 0 {
		size = DefaultSize
	}
	if maxBytes <= 0 {
		maxBytes = DefaultBytes
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	b := &Batcher{
		size:     size,
		maxBytes: maxBytes,
		interval: interval,
		deliver:  deliver,
		out:      make(chan [][]byte),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Batcher) run() {
	defer close(b.done)
	for batch := range b.out {
		b.deliver(batch)
	}
}

// Add appends one serialized record to the current batch, cutting it
// when a count or byte threshold is crossed. A record larger than the
// byte threshold ships as a singleton batch.
func (b *Batcher) Add(rec []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.pending) == 0 {
		b.timer = time.AfterFunc(b.interval, b.onTimer)
	}
	b.pending = append(b.pending, rec)
	b.bytes += int64(len(rec)) + 1
	if len(b.pending) >= b.size || b.bytes >= b.maxBytes {
		b.flushLocked()
	}
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.flushLocked()
}

// flushLocked hands the pending records to the delivery worker. Caller
// holds b.mu; the handoff blocks while a previous batch is in flight,
// which serializes deliveries and preserves batch order.
func (b *Batcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	b.bytes = 0
	b.out <- batch
}

// Pending reports the record count of the batch under accumulation.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close force-flushes the current batch, waits for the delivery worker
// to finish, and rejects further records. Safe to call twice.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) > 0 {
		batch := b.pending
		b.pending = nil
		b.bytes = 0
		b.out <- batch
	}
	close(b.out)
	b.mu.Unlock()
	<-b.done
}
