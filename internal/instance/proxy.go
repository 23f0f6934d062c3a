package instance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/interspecies/probed/internal/channel"
	"github.com/interspecies/probed/internal/events"
	"github.com/interspecies/probed/internal/logging"
	"github.com/interspecies/probed/internal/metrics"
	"github.com/interspecies/probed/pkg/types"
)

const (
	defaultPublishPeriod = time.Second
	defaultOrigin        = "FishManager"
)

type Config struct {
	Name string
	// Origin is written in the sender frame of behaviour commands.
	Origin           string
	TelemetryKind    string
	DefaultBehaviour Behaviour
	PublishPeriod    time.Duration
	// Publish enables the behaviour heartbeat. Listen-only proxies leave it false.
	Publish   bool
	IdleSleep time.Duration
}

type Dependencies struct {
	Logger  logrus.FieldLogger
	Events  events.Recorder
	Metrics metrics.TelemetryRecorder
	Now     func() time.Time
}

// Proxy mirrors one remote instance: its commanded behaviour and the telemetry it reports.
type Proxy struct {
	cfg  Config
	name string
	ch   channel.Channel
	deps Dependencies

	trial   chan struct{}
	changed chan struct{}

	mu              sync.RWMutex
	behaviour       Behaviour
	lastDirectional Behaviour
	paused          bool
	started         time.Time
	listening       bool
	lastIndex       int64
	history         []types.TelemetryRecord
	raw             []types.RawRecord
	lastTelemetryAt time.Time
}

// Status is a point-in-time view of a proxy.
type Status struct {
	Name             string    `json:"name"`
	Behaviour        Behaviour `json:"behaviour"`
	DefaultBehaviour Behaviour `json:"default_behaviour"`
	LastDirectional  Behaviour `json:"last_directional,omitempty"`
	Paused           bool      `json:"paused"`
	TelemetryCount   int       `json:"telemetry_count"`
	MessageCount     int       `json:"message_count"`
	LastIndex        int64     `json:"last_index"`
	LastTelemetryAt  time.Time `json:"last_telemetry_at,omitempty"`
}

func New(cfg Config, ch channel.Channel, deps Dependencies) (*Proxy, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("instance name is required")
	}
	if ch == nil {
		return nil, errors.New("instance channel is required")
	}
	if cfg.TelemetryKind == "" {
		cfg.TelemetryKind = types.KindStatistics
	}
	if cfg.DefaultBehaviour == "" {
		cfg.DefaultBehaviour = Idle
	}
	if cfg.PublishPeriod <= 0 {
		cfg.PublishPeriod = defaultPublishPeriod
	}
	if cfg.Origin == "" {
		cfg.Origin = defaultOrigin
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Events == nil {
		deps.Events = events.NoopRecorder{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopTelemetryRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	name := strings.ToLower(cfg.Name)
	deps.Logger = deps.Logger.WithField("instance", name)

	return &Proxy{
		cfg:       cfg,
		name:      name,
		ch:        ch,
		deps:      deps,
		trial:     make(chan struct{}, 1),
		changed:   make(chan struct{}, 1),
		behaviour: cfg.DefaultBehaviour,
	}, nil
}

// Name is the lower-cased registry key. Behaviour commands go out under the configured name.
func (p *Proxy) Name() string {
	return p.name
}

func (p *Proxy) DefaultBehaviour() Behaviour {
	return p.cfg.DefaultBehaviour
}

// SetBehaviour commits b as the commanded behaviour. Directional values also become the
// last directional behaviour.
func (p *Proxy) SetBehaviour(b Behaviour) {
	p.mu.Lock()
	prev := p.behaviour
	p.behaviour = b
	if b.Directional() {
		p.lastDirectional = b
	}
	p.mu.Unlock()

	if prev == b {
		return
	}
	p.deps.Logger.WithFields(logrus.Fields{"from": prev, "to": b}).Info("behaviour changed")
	p.deps.Metrics.ObserveBehaviour(p.name, string(b))
	p.deps.Events.Record(types.Event{
		Type:      types.EventBehaviourChanged,
		Timestamp: p.deps.Now().UTC(),
		Instance:  p.name,
		Labels:    map[string]string{"from": string(prev), "to": string(b)},
	})
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

func (p *Proxy) Behaviour() Behaviour {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.behaviour
}

func (p *Proxy) LastDirectional() Behaviour {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastDirectional
}

// SwitchDirectionalBehaviour maps a trial state to a behaviour and commits it. The instance
// is left untouched when the state is unknown.
func (p *Proxy) SwitchDirectionalBehaviour(state string) (Behaviour, error) {
	b, err := BehaviourForState(state, p.LastDirectional())
	if err != nil {
		return "", err
	}
	p.SetBehaviour(b)
	return b, nil
}

func (p *Proxy) RestoreDefault() {
	p.SetBehaviour(p.cfg.DefaultBehaviour)
}

// TogglePause flips the heartbeat pause flag and returns the new value.
func (p *Proxy) TogglePause() bool {
	p.mu.Lock()
	p.paused = !p.paused
	paused := p.paused
	p.mu.Unlock()
	p.deps.Logger.WithField("paused", paused).Info("heartbeat pause toggled")
	return paused
}

func (p *Proxy) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// AcquireTrial blocks until no other trial holds the instance or ctx ends.
func (p *Proxy) AcquireTrial(ctx context.Context) (func(), error) {
	select {
	case p.trial <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-p.trial }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LatestTelemetry returns the record with the highest elapsed index.
func (p *Proxy) LatestTelemetry() (types.TelemetryRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.history) == 0 {
		return types.TelemetryRecord{}, false
	}
	return p.history[len(p.history)-1].Clone(), true
}

func (p *Proxy) History() []types.TelemetryRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.TelemetryRecord, len(p.history))
	for i, rec := range p.history {
		out[i] = rec.Clone()
	}
	return out
}

func (p *Proxy) RawHistory() []types.RawRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]types.RawRecord(nil), p.raw...)
}

func (p *Proxy) TelemetryCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.history)
}

func (p *Proxy) LastTelemetryAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastTelemetryAt
}

func (p *Proxy) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		Name:             p.name,
		Behaviour:        p.behaviour,
		DefaultBehaviour: p.cfg.DefaultBehaviour,
		LastDirectional:  p.lastDirectional,
		Paused:           p.paused,
		TelemetryCount:   len(p.history),
		MessageCount:     len(p.raw),
		LastIndex:        p.lastIndex,
		LastTelemetryAt:  p.lastTelemetryAt,
	}
}

// HandleMessage stores msg in the raw log and, when it carries telemetry, in the typed
// history. Records are kept in arrival order.
func (p *Proxy) HandleMessage(msg types.Message) {
	now := p.deps.Now()
	telemetry := msg.IsKind(p.cfg.TelemetryKind)

	p.mu.Lock()
	if !p.listening {
		p.started = now
		p.listening = true
	}
	index := int64(now.Sub(p.started) / time.Second)
	if index < p.lastIndex {
		index = p.lastIndex
	}
	p.lastIndex = index
	p.raw = append(p.raw, types.RawRecord{Index: index, ReceivedAt: now, Message: msg})
	if telemetry {
		p.history = append(p.history, types.TelemetryRecord{
			Index:      index,
			ReceivedAt: now,
			Kind:       msg.Kind,
			Fields:     msg.Fields(),
		})
		p.lastTelemetryAt = now
	}
	p.mu.Unlock()

	p.deps.Metrics.ObserveMessage(p.name, msg.Kind, telemetry)
	logger := p.deps.Logger.WithFields(logrus.Fields{"kind": msg.Kind, "origin": msg.Origin, "index": index})
	if telemetry {
		logger.Debug("telemetry received")
		return
	}
	logger.WithField("payload", msg.Payload).Info("message received")
}

// Run starts the receive loop and, when publishing, the behaviour heartbeat. The returned
// func blocks until both have stopped.
func (p *Proxy) Run(ctx context.Context) func() {
	p.mu.Lock()
	if !p.listening {
		p.started = p.deps.Now()
		p.listening = true
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := channel.Poll(ctx, p.ch, p.HandleMessage,
			channel.WithIdleSleep(p.cfg.IdleSleep),
			channel.WithErrorHandler(func(err error) {
				p.deps.Logger.WithError(err).Debug("receive failed")
			}),
		)
		if errors.Is(err, channel.ErrClosed) {
			p.deps.Logger.Warn("channel closed, receive loop stopped")
		}
	}()

	if p.cfg.Publish {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.heartbeat(ctx)
		}()
	}

	return wg.Wait
}

// heartbeat re-sends the current behaviour every publish period and right after a change.
// Nothing is sent while paused.
func (p *Proxy) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishPeriod)
	defer ticker.Stop()

	p.publishBehaviour(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.changed:
		}
		p.publishBehaviour(ctx)
	}
}

func (p *Proxy) publishBehaviour(ctx context.Context) {
	p.mu.RLock()
	paused := p.paused
	b := p.behaviour
	p.mu.RUnlock()
	if paused {
		return
	}
	msg := types.NewMessage(p.cfg.Name, types.KindBehaviour, p.cfg.Origin, string(b))
	if err := p.ch.Send(ctx, msg); err != nil && ctx.Err() == nil {
		p.deps.Logger.WithError(err).Warn("behaviour publish failed")
	}
}
