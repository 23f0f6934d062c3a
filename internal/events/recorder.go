package events

import (
	"sync"

	"github.com/interspecies/probed/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(event types.Event) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(event types.Event) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(event)
		}
	}
}

// Memory keeps the most recent events in a bounded ring.
type Memory struct {
	mu       sync.Mutex
	capacity int
	events   []types.Event
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{capacity: capacity, events: make([]types.Event, 0, capacity)}
}

func (m *Memory) Record(event types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) >= m.capacity {
		m.events = m.events[1:]
	}
	m.events = append(m.events, event)
}

// Events returns a copy of the recorded events, oldest first. When filter is non-empty only
// events of those types are returned.
func (m *Memory) Events(filter ...types.EventType) []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Event, 0, len(m.events))
	for _, ev := range m.events {
		if len(filter) > 0 && !containsType(filter, ev.Type) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func containsType(list []types.EventType, t types.EventType) bool {
	for _, candidate := range list {
		if candidate == t {
			return true
		}
	}
	return false
}
