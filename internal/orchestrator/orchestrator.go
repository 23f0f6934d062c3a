// Package orchestrator turns probe requests from the interspecies interface into timed
// behaviour trials on registered instances and reports the scored outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/interspecies/probed/internal/channel"
	"github.com/interspecies/probed/internal/events"
	"github.com/interspecies/probed/internal/instance"
	"github.com/interspecies/probed/internal/logging"
	"github.com/interspecies/probed/internal/metrics"
	"github.com/interspecies/probed/internal/queue"
	"github.com/interspecies/probed/internal/scorer"
	"github.com/interspecies/probed/internal/store"
	"github.com/interspecies/probed/internal/transmit"
	"github.com/interspecies/probed/internal/worker"
	"github.com/interspecies/probed/pkg/types"
)

var (
	ErrUnknownInstance = errors.New("unknown instance")
	ErrBusy            = errors.New("too many probes in flight")
	ErrRateLimited     = errors.New("probe rate limited")
	ErrInvalidRequest  = errors.New("invalid probe request")
	errNoTelemetry     = errors.New("no telemetry received")
)

const (
	DefaultName         = "FishManager"
	DefaultStatisticKey = "fishclockwisepercent"

	defaultWorkers    = 4
	defaultQueueSize  = 16
	defaultOutboxSize = 256
)

type Config struct {
	// Name is the origin of messages the orchestrator publishes itself.
	Name string
	// Requester is the reply target used when a request carries no origin.
	Requester     string
	TrialDuration time.Duration
	StatisticKey  string
	Workers       int
	// QueueSize bounds the pool queue and, separately, the trials waiting on each instance.
	QueueSize  int
	OutboxSize int
	// RateLimit is the sustained number of accepted requests per second. Zero disables it.
	RateLimit float64
	Burst     int
	// HonorConfidence stretches the trial for low-confidence requests: the duration is
	// TrialDuration * (2 - confidence), with confidence clamped to [0,1].
	HonorConfidence bool
	IdleSleep       time.Duration
	RetrySleep      time.Duration
}

type Dependencies struct {
	Logger       logrus.FieldLogger
	Events       events.Recorder
	Metrics      metrics.ProbeRecorder
	QueueMetrics metrics.QueueRecorder
	Store        store.Store
	Now          func() time.Time
	NewID        func() string
}

// InFlight describes a request that has not reached a terminal phase.
type InFlight struct {
	ID        string    `json:"id"`
	Instance  string    `json:"instance"`
	State     string    `json:"state"`
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"started_at"`
}

type Orchestrator struct {
	cfg      Config
	registry map[string]*instance.Proxy
	ch       channel.Channel
	scorer   *scorer.Scorer
	deps     Dependencies

	pool        *worker.Pool
	outbox      *queue.Outbox
	transmitter *transmit.Transmitter
	limiter     *rate.Limiter

	mu     sync.Mutex
	active map[string]*InFlight
	lanes  map[string]*lane
}

// lane queues the trials of one instance. At most one pool job per lane runs trials; it
// takes the next waiting request when its current trial ends, so a backlog on one instance
// never holds workers that other instances could use.
type lane struct {
	running bool
	waiting []*ProbeRequest
}

func New(cfg Config, registry map[string]*instance.Proxy, ch channel.Channel, sc *scorer.Scorer, deps Dependencies) (*Orchestrator, error) {
	if len(registry) == 0 {
		return nil, errors.New("at least one instance is required")
	}
	if ch == nil {
		return nil, errors.New("orchestrator channel is required")
	}
	if sc == nil {
		return nil, errors.New("scorer is required")
	}
	if cfg.TrialDuration < 0 {
		return nil, fmt.Errorf("trial duration must not be negative, got %s", cfg.TrialDuration)
	}

	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Requester == "" {
		cfg.Requester = cfg.Name
	}
	if cfg.StatisticKey == "" {
		cfg.StatisticKey = DefaultStatisticKey
	}
	cfg.StatisticKey = strings.ToLower(cfg.StatisticKey)
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Events == nil {
		deps.Events = events.NoopRecorder{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopProbeRecorder{}
	}
	if deps.QueueMetrics == nil {
		deps.QueueMetrics = metrics.NoopQueueRecorder{}
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore(0)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	reg := make(map[string]*instance.Proxy, len(registry))
	lanes := make(map[string]*lane, len(registry))
	for name, proxy := range registry {
		if proxy == nil {
			return nil, fmt.Errorf("instance %q has no proxy", name)
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if _, dup := reg[key]; dup {
			return nil, fmt.Errorf("instance %q registered twice", key)
		}
		reg[key] = proxy
		lanes[key] = &lane{}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	outbox := queue.NewOutbox(cfg.OutboxSize)
	outbox.SetEventRecorder(deps.Events)
	outbox.SetMetricsRecorder(deps.QueueMetrics)

	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		ch:       ch,
		scorer:   sc,
		deps:     deps,
		pool:     worker.NewPool(worker.WithWorkerCount(cfg.Workers), worker.WithQueueSize(cfg.QueueSize)),
		outbox:   outbox,
		transmitter: transmit.New(outbox, ch,
			transmit.WithIdleSleep(cfg.IdleSleep),
			transmit.WithRetrySleep(cfg.RetrySleep),
			transmit.WithLogger(deps.Logger),
			transmit.WithMetrics(deps.QueueMetrics),
		),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		active:  make(map[string]*InFlight),
		lanes:   lanes,
	}, nil
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Instance looks up a registered proxy by name, ignoring case.
func (o *Orchestrator) Instance(name string) (*instance.Proxy, bool) {
	p, ok := o.registry[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Instances returns the registered proxies sorted by name.
func (o *Orchestrator) Instances() []*instance.Proxy {
	out := make([]*instance.Proxy, 0, len(o.registry))
	for _, p := range o.registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (o *Orchestrator) Outbox() *queue.Outbox {
	return o.outbox
}

func (o *Orchestrator) Store() store.Store {
	return o.deps.Store
}

// InFlight lists requests that are still running, oldest first.
func (o *Orchestrator) InFlight() []InFlight {
	o.mu.Lock()
	out := make([]InFlight, 0, len(o.active))
	for _, f := range o.active {
		out = append(out, *f)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Run resets every instance to its default behaviour, then serves probe requests until ctx
// is cancelled. Trials still running at that point are abandoned without a reply.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, p := range o.Instances() {
		p.RestoreDefault()
	}

	workers := o.pool.Start(ctx)
	txDone := make(chan error, 1)
	go func() {
		txDone <- o.transmitter.Run(ctx)
	}()

	o.deps.Logger.WithFields(logrus.Fields{
		"instances":      len(o.registry),
		"workers":        o.cfg.Workers,
		"trial_duration": o.cfg.TrialDuration.String(),
	}).Info("orchestrator started")

	err := channel.Poll(ctx, o.ch, func(msg types.Message) {
		o.HandleMessage(ctx, msg)
	},
		channel.WithIdleSleep(o.cfg.IdleSleep),
		channel.WithErrorHandler(func(err error) {
			o.deps.Logger.WithError(err).Debug("receive failed")
		}),
	)

	workers.Wait()
	if txErr := <-txDone; err == nil {
		err = txErr
	}
	o.deps.Logger.Info("orchestrator stopped")
	return err
}

// HandleMessage routes one inbound message. Only probe requests are acted upon.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg types.Message) {
	if !msg.IsKind(types.KindProbeRequest) {
		o.deps.Logger.WithFields(logrus.Fields{
			"kind":   msg.Kind,
			"origin": msg.Origin,
		}).Debug("ignoring message")
		return
	}

	spec, err := ParseProbeRequest(msg)
	if err != nil {
		o.deps.Logger.WithError(err).WithField("payload", msg.Payload).Warn("rejecting probe request")
		target := msg.Origin
		if target == "" {
			target = o.cfg.Requester
		}
		o.reply(types.NewMessage(target, types.KindFailedProbe, strings.ToLower(msg.Target), err.Error()))
		return
	}
	if _, err := o.Submit(ctx, spec); err != nil {
		o.deps.Logger.WithError(err).WithField("instance", spec.Instance).Info("probe request not started")
	}
}

// Submit admits a probe request and schedules its trial. Every admitted or rejected request
// gets exactly one ProbeDone or FailedProbe reply; the error reports why it was rejected.
func (o *Orchestrator) Submit(ctx context.Context, spec ProbeSpec) (string, error) {
	spec.Instance = strings.ToLower(strings.TrimSpace(spec.Instance))
	req := &ProbeRequest{
		ID:        o.deps.NewID(),
		Spec:      spec,
		Phase:     PhaseReceived,
		StartedAt: o.deps.Now().UTC(),
	}
	o.track(req)
	o.record(req, types.EventProbeReceived, nil)
	o.deps.Metrics.ObserveInFlight(1)

	if !o.limiter.Allow() {
		o.fail(req, "probe rate limited")
		return req.ID, ErrRateLimited
	}

	proxy, ok := o.registry[spec.Instance]
	if !ok {
		o.fail(req, fmt.Sprintf("Setup '%s' does not exist", spec.Instance))
		return req.ID, fmt.Errorf("%w: %q", ErrUnknownInstance, spec.Instance)
	}

	o.setPhase(req, PhaseDispatched)
	o.record(req, types.EventProbeDispatched, nil)
	if !o.dispatch(req, proxy) {
		o.fail(req, "too many probes in flight")
		return req.ID, ErrBusy
	}
	return req.ID, nil
}

// dispatch starts a lane job for an idle instance or queues req behind the running trial.
// It reports false when neither the lane nor the pool has room.
func (o *Orchestrator) dispatch(req *ProbeRequest, proxy *instance.Proxy) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	l := o.lanes[req.Spec.Instance]
	if l.running {
		if len(l.waiting) >= o.cfg.QueueSize {
			return false
		}
		l.waiting = append(l.waiting, req)
		return true
	}
	if !o.pool.TrySubmit(func(ctx context.Context) { o.drainLane(ctx, req, proxy) }) {
		return false
	}
	l.running = true
	return true
}

func (o *Orchestrator) drainLane(ctx context.Context, req *ProbeRequest, proxy *instance.Proxy) {
	name := req.Spec.Instance
	for req != nil {
		o.runTrial(ctx, req, proxy)
		req = o.nextInLane(ctx, name)
	}
}

// nextInLane pops the next waiting request, or marks the lane idle. After shutdown the
// waiting requests are abandoned.
func (o *Orchestrator) nextInLane(ctx context.Context, name string) *ProbeRequest {
	o.mu.Lock()
	l := o.lanes[name]
	if ctx.Err() != nil || len(l.waiting) == 0 {
		stale := l.waiting
		l.waiting = nil
		l.running = false
		o.mu.Unlock()
		for _, req := range stale {
			o.abandon(req, o.deps.Logger.WithFields(logrus.Fields{"probe_id": req.ID, "instance": name}))
		}
		return nil
	}
	req := l.waiting[0]
	l.waiting = l.waiting[1:]
	o.mu.Unlock()
	return req
}

// runTrial drives one request from Dispatched to a terminal phase. The instance's default
// behaviour is restored before any reply is queued, including after a panic.
func (o *Orchestrator) runTrial(ctx context.Context, req *ProbeRequest, proxy *instance.Proxy) {
	logger := o.deps.Logger.WithFields(logrus.Fields{"probe_id": req.ID, "instance": proxy.Name()})
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("trial panicked")
			if !req.Finished {
				o.fail(req, fmt.Sprintf("Setup '%s' did not respond", proxy.Name()))
			}
		}
	}()

	release, err := proxy.AcquireTrial(ctx)
	if err != nil {
		o.abandon(req, logger)
		return
	}
	defer release()

	behaviour, err := proxy.SwitchDirectionalBehaviour(req.Spec.State)
	if err != nil {
		o.fail(req, fmt.Sprintf("Setup '%s' cannot run state '%s'", proxy.Name(), req.Spec.State))
		return
	}
	restored := false
	restore := func() {
		if !restored {
			restored = true
			proxy.RestoreDefault()
		}
	}
	defer restore()

	req.Initiated = true
	req.AppliedBehaviour = behaviour
	req.TrialDuration = o.trialDuration(req.Spec.Confidence)
	o.setPhase(req, PhaseAwaitingTrial)
	o.record(req, types.EventProbeAwaiting, map[string]any{
		"behaviour": string(behaviour),
		"duration":  req.TrialDuration.String(),
	})
	logger.WithFields(logrus.Fields{
		"behaviour":  behaviour,
		"duration":   req.TrialDuration.String(),
		"confidence": req.Spec.Confidence,
	}).Info("trial started")

	if !o.wait(ctx, req.TrialDuration) {
		restore()
		o.abandon(req, logger)
		return
	}
	restore()

	o.setPhase(req, PhaseScoring)
	o.record(req, types.EventProbeScoring, nil)
	result, err := o.score(proxy, behaviour)
	if err != nil {
		logger.WithError(err).Warn("trial could not be scored")
		o.fail(req, fmt.Sprintf("Setup '%s' did not respond", proxy.Name()))
		return
	}
	o.complete(req, result)
}

func (o *Orchestrator) trialDuration(confidence float64) time.Duration {
	if !o.cfg.HonorConfidence {
		return o.cfg.TrialDuration
	}
	c := math.Min(1, math.Max(0, confidence))
	return time.Duration(float64(o.cfg.TrialDuration) * (2 - c))
}

// wait sleeps for d and reports false when ctx ended first.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// score reads the latest telemetry and scores the configured statistic. The frequency is
// complemented when the counter-clockwise behaviour was applied.
func (o *Orchestrator) score(proxy *instance.Proxy, applied instance.Behaviour) (scorer.Result, error) {
	rec, ok := proxy.LatestTelemetry()
	if !ok {
		return scorer.Result{}, errNoTelemetry
	}
	freq, err := rec.Float(o.cfg.StatisticKey)
	if err != nil {
		return scorer.Result{}, err
	}
	if math.IsNaN(freq) || math.IsInf(freq, 0) {
		return scorer.Result{}, fmt.Errorf("telemetry key %q is not finite", o.cfg.StatisticKey)
	}
	if applied == instance.CCW {
		freq = 1 - freq
	}
	return o.scorer.Score(freq), nil
}

func (o *Orchestrator) complete(req *ProbeRequest, result scorer.Result) {
	req.Result = result
	req.Finished = true
	req.FinishedAt = o.deps.Now().UTC()
	o.setPhase(req, PhaseCompleted)

	o.reply(types.NewMessage(o.replyTarget(req), types.KindProbeDone, req.Spec.Instance, donePayload(req)))
	o.finish(req, types.EventProbeCompleted, map[string]any{
		"p_value":   result.PValue,
		"modulated": result.Surprising,
	})
	o.deps.Logger.WithFields(logrus.Fields{
		"probe_id":  req.ID,
		"instance":  req.Spec.Instance,
		"p_value":   result.PValue,
		"modulated": result.Surprising,
	}).Info("trial completed")
}

func (o *Orchestrator) fail(req *ProbeRequest, reason string) {
	req.Failed = true
	req.Finished = true
	req.Reason = reason
	req.FinishedAt = o.deps.Now().UTC()
	o.setPhase(req, PhaseFailed)

	o.reply(types.NewMessage(o.replyTarget(req), types.KindFailedProbe, req.Spec.Instance, reason))
	o.finish(req, types.EventProbeFailed, map[string]any{"reason": reason})
	o.deps.Logger.WithFields(logrus.Fields{
		"probe_id": req.ID,
		"instance": req.Spec.Instance,
		"reason":   reason,
	}).Warn("probe failed")
}

// reply queues msg for the requester. A full outbox evicts its oldest reply; the requester
// never hears about that request, so the loss is logged.
func (o *Orchestrator) reply(msg types.Message) {
	evicted, dropped := o.outbox.Enqueue(msg)
	if !dropped {
		return
	}
	o.deps.Logger.WithFields(logrus.Fields{
		"target":   evicted.Target,
		"kind":     evicted.Kind,
		"instance": evicted.Origin,
		"payload":  evicted.Payload,
		"capacity": o.outbox.Capacity(),
	}).Warn("outbox full, reply dropped")
}

// abandon drops a request interrupted by shutdown. No reply is sent.
func (o *Orchestrator) abandon(req *ProbeRequest, logger logrus.FieldLogger) {
	o.untrack(req)
	o.deps.Metrics.ObserveInFlight(-1)
	logger.Info("trial abandoned on shutdown")
}

func (o *Orchestrator) finish(req *ProbeRequest, eventType types.EventType, details map[string]any) {
	o.untrack(req)
	o.record(req, eventType, details)
	o.deps.Metrics.ObserveInFlight(-1)
	o.deps.Metrics.ObserveProbe(req.Spec.Instance, string(req.Outcome().Status), req.TrialDuration)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.RecordOutcome(ctx, req.Outcome()); err != nil {
		o.deps.Logger.WithError(err).WithField("probe_id", req.ID).Warn("record outcome failed")
	}
}

func (o *Orchestrator) replyTarget(req *ProbeRequest) string {
	if req.Spec.Requester != "" {
		return req.Spec.Requester
	}
	return o.cfg.Requester
}

func (o *Orchestrator) track(req *ProbeRequest) {
	o.mu.Lock()
	o.active[req.ID] = &InFlight{
		ID:        req.ID,
		Instance:  req.Spec.Instance,
		State:     req.Spec.State,
		Phase:     req.Phase,
		StartedAt: req.StartedAt,
	}
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(req *ProbeRequest) {
	o.mu.Lock()
	delete(o.active, req.ID)
	o.mu.Unlock()
}

func (o *Orchestrator) setPhase(req *ProbeRequest, phase Phase) {
	req.Phase = phase
	o.mu.Lock()
	if f, ok := o.active[req.ID]; ok {
		f.Phase = phase
	}
	o.mu.Unlock()
}

func (o *Orchestrator) record(req *ProbeRequest, eventType types.EventType, details map[string]any) {
	o.deps.Events.Record(types.Event{
		Type:      eventType,
		Timestamp: o.deps.Now().UTC(),
		Instance:  req.Spec.Instance,
		ProbeID:   req.ID,
		Labels:    map[string]string{"phase": string(req.Phase)},
		Details:   details,
	})
}
