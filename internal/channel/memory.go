package channel

import (
	"context"
	"sync"

	"github.com/interspecies/probed/pkg/types"
)

const defaultMemoryBuffer = 1024

// Memory is an in-process Channel endpoint. Endpoints are created in connected pairs by Pipe.
type Memory struct {
	inbox *mailbox
	peer  *mailbox

	mu     sync.Mutex
	sendFn func(types.Message) error
}

type mailbox struct {
	mu       sync.Mutex
	closed   bool
	capacity int
	items    []types.Message
	dropped  uint64
}

// Pipe returns two connected endpoints: what a sends, b receives and vice versa. buffer bounds
// each direction; messages published to a full mailbox are dropped, like a PUB socket at its
// high-water mark.
func Pipe(buffer int) (*Memory, *Memory) {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	left := &mailbox{capacity: buffer}
	right := &mailbox{capacity: buffer}
	return &Memory{inbox: left, peer: right}, &Memory{inbox: right, peer: left}
}

// FailSends installs a hook consulted before every Send; a non-nil error aborts the send.
// Passing nil removes the hook.
func (m *Memory) FailSends(fn func(types.Message) error) {
	m.mu.Lock()
	m.sendFn = fn
	m.mu.Unlock()
}

func (m *Memory) Send(ctx context.Context, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	fn := m.sendFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(msg); err != nil {
			return err
		}
	}
	return m.peer.put(msg)
}

func (m *Memory) TryReceive() (types.Message, bool, error) {
	return m.inbox.take()
}

// Pending reports how many messages are waiting to be received on this endpoint.
func (m *Memory) Pending() int {
	m.inbox.mu.Lock()
	defer m.inbox.mu.Unlock()
	return len(m.inbox.items)
}

// Dropped reports how many messages addressed to this endpoint were dropped.
func (m *Memory) Dropped() uint64 {
	m.inbox.mu.Lock()
	defer m.inbox.mu.Unlock()
	return m.inbox.dropped
}

func (m *Memory) Close() error {
	m.inbox.close()
	return nil
}

func (b *mailbox) put(msg types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if len(b.items) >= b.capacity {
		b.dropped++
		return nil
	}
	b.items = append(b.items, msg)
	return nil
}

func (b *mailbox) take() (types.Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return types.Message{}, false, ErrClosed
	}
	if len(b.items) == 0 {
		return types.Message{}, false, nil
	}
	msg := b.items[0]
	b.items = b.items[1:]
	return msg, true, nil
}

func (b *mailbox) close() {
	b.mu.Lock()
	b.closed = true
	b.items = nil
	b.mu.Unlock()
}

var _ Channel = (*Memory)(nil)
