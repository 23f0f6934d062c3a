package transmit

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/interspecies/probed/internal/channel"
	"github.com/interspecies/probed/internal/logging"
	"github.com/interspecies/probed/internal/metrics"
	"github.com/interspecies/probed/internal/queue"
	"github.com/interspecies/probed/pkg/types"
)

// Sink publishes one message, typically a channel.Channel.
type Sink interface {
	Send(ctx context.Context, msg types.Message) error
}

// Option configures a Transmitter instance.
type Option func(*Transmitter)

// WithBatchSize overrides the number of messages drained per pass.
func WithBatchSize(size int) Option {
	return func(t *Transmitter) {
		if size > 0 {
			t.batchSize = size
		}
	}
}

// WithIdleSleep customises the sleep interval when no data is available.
func WithIdleSleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.idleSleep = d
		}
	}
}

// WithRetrySleep customises the backoff applied after a failed send attempt.
func WithRetrySleep(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.retrySleep = d
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(t *Transmitter) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(rec metrics.QueueRecorder) Option {
	return func(t *Transmitter) {
		if rec != nil {
			t.metrics = rec
		}
	}
}

// Transmitter drains the outbox into a sink. A failed send puts the unsent messages back at
// the head of the outbox and backs off before retrying.
type Transmitter struct {
	outbox     *queue.Outbox
	sink       Sink
	batchSize  int
	idleSleep  time.Duration
	retrySleep time.Duration
	logger     logrus.FieldLogger
	metrics    metrics.QueueRecorder
}

// New constructs a Transmitter. The outbox and sink are required.
func New(outbox *queue.Outbox, sink Sink, opts ...Option) *Transmitter {
	t := &Transmitter{
		outbox:     outbox,
		sink:       sink,
		batchSize:  64,
		idleSleep:  channel.DefaultIdleSleep,
		retrySleep: 200 * time.Millisecond,
		logger:     logging.Discard(),
		metrics:    metrics.NoopQueueRecorder{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run blocks until the context is cancelled.
func (t *Transmitter) Run(ctx context.Context) error {
	if t.outbox == nil {
		return errors.New("transmitter outbox is nil")
	}
	if t.sink == nil {
		return errors.New("transmitter sink is nil")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.flush(ctx) {
			continue
		}
		channel.Sleep(ctx, t.idleSleep)
	}
}

// flush sends one batch and reports whether anything was drained.
func (t *Transmitter) flush(ctx context.Context) bool {
	batch := t.outbox.Drain(t.batchSize)
	if len(batch) == 0 {
		return false
	}

	for i, msg := range batch {
		if err := t.sink.Send(ctx, msg); err != nil {
			t.outbox.PushFront(batch[i:])
			if ctx.Err() != nil {
				return true
			}
			t.metrics.IncSendErrors()
			t.logger.WithError(err).WithFields(logrus.Fields{
				"kind":    msg.Kind,
				"target":  msg.Target,
				"pending": len(batch) - i,
			}).Warn("send failed, retrying")
			channel.Sleep(ctx, t.retrySleep)
			return true
		}
	}
	return true
}
