package queue

import (
	"sync"
	"time"

	"github.com/interspecies/probed/internal/events"
	"github.com/interspecies/probed/internal/metrics"
	"github.com/interspecies/probed/pkg/types"
)

// Outbox is a bounded FIFO of outbound messages. When full, the oldest message is dropped.
type Outbox struct {
	mu       sync.Mutex
	capacity int
	items    []types.Message
	dropped  uint64
	events   events.Recorder
	metrics  metrics.QueueRecorder
	now      func() time.Time
}

type Stats struct {
	Len     int
	Dropped uint64
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{
		capacity: capacity,
		items:    make([]types.Message, 0, capacity),
		events:   events.NoopRecorder{},
		metrics:  metrics.NoopQueueRecorder{},
		now:      time.Now,
	}
}

func (q *Outbox) SetEventRecorder(rec events.Recorder) {
	if rec == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = rec
}

func (q *Outbox) SetMetricsRecorder(rec metrics.QueueRecorder) {
	if rec == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = rec
}

// Enqueue appends msg. When the outbox is full the oldest message is evicted and returned
// with dropped set.
func (q *Outbox) Enqueue(msg types.Message) (evicted types.Message, dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		evicted = q.dropOldestLocked()
		dropped = true
	}
	q.items = append(q.items, msg)
	q.metrics.ObserveQueueDepth(len(q.items))
	return evicted, dropped
}

// PushFront puts msgs back ahead of everything queued, preserving their order. Messages
// that no longer fit are dropped from the front.
func (q *Outbox) PushFront(msgs []types.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]types.Message, 0, len(msgs)+len(q.items))
	items = append(items, msgs...)
	q.items = append(items, q.items...)
	for len(q.items) > q.capacity {
		q.dropOldestLocked()
	}
	q.metrics.ObserveQueueDepth(len(q.items))
}

func (q *Outbox) Drain(max int) []types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	drained := make([]types.Message, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	q.metrics.ObserveQueueDepth(len(q.items))
	return drained
}

func (q *Outbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Outbox) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Len: len(q.items), Dropped: q.dropped}
}

// Capacity is the maximum number of queued messages.
func (q *Outbox) Capacity() int {
	return q.capacity
}

func (q *Outbox) dropOldestLocked() types.Message {
	removed := q.items[0]
	q.items = q.items[1:]
	q.dropped++
	q.metrics.IncQueueDrops()
	q.events.Record(types.Event{
		Type:      types.EventMessageDropped,
		Timestamp: q.now().UTC(),
		Labels:    map[string]string{"target": removed.Target, "kind": removed.Kind, "origin": removed.Origin},
	})
	return removed
}
