package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/sirupsen/logrus"

	"github.com/interspecies/probed/pkg/types"
)

// ErrReceiveOnly is returned by Send on a channel opened without a publish address.
var ErrReceiveOnly = errors.New("channel is receive-only")

// ZMQConfig describes the two ZeroMQ endpoints of a channel.
type ZMQConfig struct {
	// SubscribeAddr is dialled by a SUB socket with an empty subscription.
	SubscribeAddr string
	// PublishAddr is bound by a PUB socket, or dialled when PublishConnect is set. Empty makes
	// the channel receive-only.
	PublishAddr    string
	PublishConnect bool
	// Buffer bounds the number of received messages waiting for TryReceive.
	Buffer     int
	RetryDelay time.Duration
}

// ZMQ is a Channel over a ZeroMQ SUB/PUB socket pair. Each message travels as a four frame
// multipart message.
type ZMQ struct {
	cfg    ZMQConfig
	logger logrus.FieldLogger

	sub zmq4.Socket
	pub zmq4.Socket

	inbox  chan types.Message
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	errMu   sync.Mutex
	lastErr error

	sendMu sync.Mutex
}

// OpenZMQ creates both sockets and starts the background reader. A publisher that cannot be
// set up is a configuration error; the subscriber keeps retrying in the background until the
// peer becomes reachable.
func OpenZMQ(ctx context.Context, cfg ZMQConfig, logger logrus.FieldLogger) (*ZMQ, error) {
	if strings.TrimSpace(cfg.SubscribeAddr) == "" {
		return nil, errors.New("subscribe address is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultMemoryBuffer
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultIdleSleep
	}
	if logger == nil {
		logger = logrus.New()
	}

	sockCtx, cancel := context.WithCancel(ctx)
	var pub zmq4.Socket
	if strings.TrimSpace(cfg.PublishAddr) != "" {
		pub = zmq4.NewPub(sockCtx, zmq4.WithDialerRetry(cfg.RetryDelay))
		var err error
		if cfg.PublishConnect {
			err = pub.Dial(cfg.PublishAddr)
		} else {
			err = pub.Listen(cfg.PublishAddr)
		}
		if err != nil {
			cancel()
			pub.Close()
			return nil, fmt.Errorf("open publisher %q: %w", cfg.PublishAddr, err)
		}
	}

	sub := zmq4.NewSub(sockCtx, zmq4.WithDialerRetry(cfg.RetryDelay))
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		if pub != nil {
			pub.Close()
		}
		sub.Close()
		return nil, fmt.Errorf("subscribe %q: %w", cfg.SubscribeAddr, err)
	}

	z := &ZMQ{
		cfg:    cfg,
		logger: logger.WithField("subscribe_addr", cfg.SubscribeAddr),
		sub:    sub,
		pub:    pub,
		inbox:  make(chan types.Message, cfg.Buffer),
		cancel: cancel,
	}
	z.wg.Add(1)
	go func() {
		defer z.wg.Done()
		z.readLoop(sockCtx)
	}()
	return z, nil
}

func (z *ZMQ) readLoop(ctx context.Context) {
	connected := false
	for ctx.Err() == nil {
		if !connected {
			if err := z.sub.Dial(z.cfg.SubscribeAddr); err != nil {
				z.setErr(fmt.Errorf("dial subscriber %q: %w", z.cfg.SubscribeAddr, err))
				Sleep(ctx, z.cfg.RetryDelay)
				continue
			}
			connected = true
			z.logger.Info("subscriber connected")
		}

		raw, err := z.sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			z.setErr(fmt.Errorf("receive: %w", err))
			Sleep(ctx, z.cfg.RetryDelay)
			continue
		}
		msg, err := types.MessageFromFrames(raw.Frames)
		if err != nil {
			z.setErr(err)
			continue
		}
		select {
		case z.inbox <- msg:
		default:
			z.setErr(fmt.Errorf("receive buffer full, dropped %s", msg.Kind))
		}
	}
}

func (z *ZMQ) setErr(err error) {
	z.errMu.Lock()
	z.lastErr = err
	z.errMu.Unlock()
}

func (z *ZMQ) takeErr() error {
	z.errMu.Lock()
	defer z.errMu.Unlock()
	err := z.lastErr
	z.lastErr = nil
	return err
}

func (z *ZMQ) Send(ctx context.Context, msg types.Message) error {
	if z.closed.Load() {
		return ErrClosed
	}
	if z.pub == nil {
		return ErrReceiveOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	z.sendMu.Lock()
	defer z.sendMu.Unlock()
	if err := z.pub.SendMulti(zmq4.NewMsgFrom(msg.Frames()...)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Kind, z.cfg.PublishAddr, err)
	}
	return nil
}

func (z *ZMQ) TryReceive() (types.Message, bool, error) {
	if z.closed.Load() {
		return types.Message{}, false, ErrClosed
	}
	select {
	case msg := <-z.inbox:
		return msg, true, nil
	default:
	}
	return types.Message{}, false, z.takeErr()
}

// Close stops the reader and releases both sockets.
func (z *ZMQ) Close() error {
	if !z.closed.CompareAndSwap(false, true) {
		return nil
	}
	z.cancel()
	errSub := z.sub.Close()
	z.wg.Wait()
	if z.pub == nil {
		return errSub
	}
	return errors.Join(errSub, z.pub.Close())
}

var _ Channel = (*ZMQ)(nil)
