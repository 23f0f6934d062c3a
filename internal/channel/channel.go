// Package channel provides the symmetric publish/subscribe transport used to talk to
// instances and to the interspecies interface.
//
// A Channel pairs one inbound (subscribe) and one outbound (publish) endpoint. Receiving is
// non-blocking: TryReceive returns immediately and callers loop through Poll, which sleeps a
// short idle interval when nothing is queued. Transport errors are never fatal; subscribers
// may miss messages published before they connected.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/interspecies/probed/pkg/types"
)

// DefaultIdleSleep bounds how long a polling loop waits before retrying an empty receive.
const DefaultIdleSleep = 100 * time.Millisecond

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel closed")

// Channel is a publish/subscribe endpoint pair.
type Channel interface {
	// Send publishes msg on the outbound endpoint.
	Send(ctx context.Context, msg types.Message) error
	// TryReceive returns the next queued inbound message without blocking. ok is false when
	// nothing is queued. A non-nil error reports a transport problem; the caller retries later.
	TryReceive() (msg types.Message, ok bool, err error)
	Close() error
}

// PollOption configures Poll.
type PollOption func(*poller)

// WithIdleSleep overrides the sleep applied when no message is available.
func WithIdleSleep(d time.Duration) PollOption {
	return func(p *poller) {
		if d > 0 {
			p.idleSleep = d
		}
	}
}

// WithErrorHandler receives transport errors surfaced by TryReceive.
func WithErrorHandler(fn func(error)) PollOption {
	return func(p *poller) {
		if fn != nil {
			p.onError = fn
		}
	}
}

type poller struct {
	idleSleep time.Duration
	onError   func(error)
}

// Poll drains ch until ctx is cancelled, calling handle for each message in arrival order.
// It returns ctx.Err() on cancellation or ErrClosed when the channel is closed underneath it.
func Poll(ctx context.Context, ch Channel, handle func(types.Message), opts ...PollOption) error {
	p := poller{idleSleep: DefaultIdleSleep, onError: func(error) {}}
	for _, opt := range opts {
		opt(&p)
	}

	timer := time.NewTimer(p.idleSleep)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, ok, err := ch.TryReceive()
		if errors.Is(err, ErrClosed) {
			return err
		}
		if err != nil {
			p.onError(err)
		}
		if ok {
			handle(msg)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.idleSleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
