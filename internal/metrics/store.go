package metrics

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "probed"

// Store owns the Prometheus registry and keeps plain mirrors of the values the readiness
// checker needs.
type Store struct {
	registry *prometheus.Registry

	queueDepth          atomic.Int64
	queueDrops          atomic.Uint64
	sendErrors          atomic.Uint64
	probesInFlight      atomic.Int64
	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readyTransitions    atomic.Uint64
	notReadyTransitions atomic.Uint64

	telemetryMessages *prometheus.CounterVec
	behaviourChanges  *prometheus.CounterVec
	probes            *prometheus.CounterVec
	trialSeconds      *prometheus.HistogramVec
	readyReasonInfo   *prometheus.GaugeVec
}

// Snapshot captures the current values in a plain struct.
type Snapshot struct {
	QueueDepth          int64
	QueueDroppedTotal   uint64
	SendErrorsTotal     uint64
	ProbesInFlight      int64
	Ready               bool
	ReadyReason         string
	ReadyTransitions    uint64
	NotReadyTransitions uint64
}

// NewStore constructs a Store with zeroed metrics registered on a private registry.
func NewStore() *Store {
	s := &Store{registry: prometheus.NewRegistry()}
	s.readinessReason.Store("")

	s.telemetryMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instance_messages_total",
		Help:      "Messages received from instances, by kind and whether they were parsed as telemetry.",
	}, []string{"instance", "kind", "parsed"})
	s.behaviourChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "behaviour_changes_total",
		Help:      "Commanded behaviour changes per instance.",
	}, []string{"instance", "behaviour"})
	s.probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Probe requests by instance and terminal status.",
	}, []string{"instance", "status"})
	s.trialSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trial_duration_seconds",
		Help:      "Wall time spent in the trial phase of completed probes.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480},
	}, []string{"instance"})
	s.readyReasonInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready_reason_info",
		Help:      "Reason attached to the most recent readiness evaluation.",
	}, []string{"reason"})

	s.registry.MustRegister(
		s.telemetryMessages,
		s.behaviourChanges,
		s.probes,
		s.trialSeconds,
		s.readyReasonInfo,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Messages waiting to be published to the interspecies interface.",
		}, func() float64 { return float64(s.queueDepth.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dropped_total",
			Help:      "Outbound messages dropped because the outbox was full.",
		}, func() float64 { return float64(s.queueDrops.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publish attempts that were retried.",
		}, func() float64 { return float64(s.sendErrors.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probes_in_flight",
			Help:      "Probe trials currently executing.",
		}, func() float64 { return float64(s.probesInFlight.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "1 when the orchestrator is ready, 0 otherwise.",
		}, func() float64 { return float64(s.readinessState.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ready_transitions_total",
			Help:      "Transitions into the ready state.",
		}, func() float64 { return float64(s.readyTransitions.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "not_ready_transitions_total",
			Help:      "Transitions out of the ready state.",
		}, func() float64 { return float64(s.notReadyTransitions.Load()) }),
	)
	return s
}

// Registry exposes the underlying registry, e.g. for process collectors.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

// Snapshot returns a point-in-time copy of the mirrored values.
func (s *Store) Snapshot() Snapshot {
	reason, _ := s.readinessReason.Load().(string)
	return Snapshot{
		QueueDepth:          s.queueDepth.Load(),
		QueueDroppedTotal:   s.queueDrops.Load(),
		SendErrorsTotal:     s.sendErrors.Load(),
		ProbesInFlight:      s.probesInFlight.Load(),
		Ready:               s.readinessState.Load() == 1,
		ReadyReason:         reason,
		ReadyTransitions:    s.readyTransitions.Load(),
		NotReadyTransitions: s.notReadyTransitions.Load(),
	}
}

func (s *Store) QueueRecorder() QueueRecorder {
	return queueRecorder{store: s}
}

func (s *Store) TelemetryRecorder() TelemetryRecorder {
	return telemetryRecorder{store: s}
}

func (s *Store) ProbeRecorder() ProbeRecorder {
	return probeRecorder{store: s}
}

type queueRecorder struct {
	store *Store
}

func (r queueRecorder) ObserveQueueDepth(depth int) {
	r.store.queueDepth.Store(int64(depth))
}

func (r queueRecorder) IncQueueDrops() {
	r.store.queueDrops.Add(1)
}

func (r queueRecorder) IncSendErrors() {
	r.store.sendErrors.Add(1)
}

type telemetryRecorder struct {
	store *Store
}

func (r telemetryRecorder) ObserveMessage(instance, kind string, parsed bool) {
	p := "false"
	if parsed {
		p = "true"
	}
	r.store.telemetryMessages.WithLabelValues(instance, strings.ToLower(kind), p).Inc()
}

func (r telemetryRecorder) ObserveBehaviour(instance, behaviour string) {
	r.store.behaviourChanges.WithLabelValues(instance, behaviour).Inc()
}

type probeRecorder struct {
	store *Store
}

func (r probeRecorder) ObserveProbe(instance, status string, trial time.Duration) {
	r.store.probes.WithLabelValues(instance, status).Inc()
	if trial > 0 {
		r.store.trialSeconds.WithLabelValues(instance).Observe(trial.Seconds())
	}
}

func (r probeRecorder) ObserveInFlight(delta int) {
	r.store.probesInFlight.Add(int64(delta))
}

// ObserveReadiness records the outcome of a readiness evaluation.
func (s *Store) ObserveReadiness(ready bool, reason string) {
	prev := s.readinessState.Load()
	s.readyReasonInfo.Reset()
	if ready {
		if prev == 0 {
			s.readyTransitions.Add(1)
		}
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		return
	}
	if prev == 1 {
		s.notReadyTransitions.Add(1)
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	if reason != "" {
		s.readyReasonInfo.WithLabelValues(reason).Set(1)
	}
}

// NewHTTPHandler serves the store in the Prometheus exposition format.
func NewHTTPHandler(store *Store) http.Handler {
	return promhttp.HandlerFor(store.registry, promhttp.HandlerOpts{})
}
