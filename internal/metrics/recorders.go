package metrics

import "time"

type QueueRecorder interface {
	ObserveQueueDepth(depth int)
	IncQueueDrops()
	IncSendErrors()
}

type NoopQueueRecorder struct{}

func (NoopQueueRecorder) ObserveQueueDepth(depth int) {}
func (NoopQueueRecorder) IncQueueDrops()              {}
func (NoopQueueRecorder) IncSendErrors()              {}

type TelemetryRecorder interface {
	ObserveMessage(instance, kind string, parsed bool)
	ObserveBehaviour(instance, behaviour string)
}

type NoopTelemetryRecorder struct{}

func (NoopTelemetryRecorder) ObserveMessage(instance, kind string, parsed bool) {}
func (NoopTelemetryRecorder) ObserveBehaviour(instance, behaviour string)       {}

type ProbeRecorder interface {
	ObserveProbe(instance, status string, trial time.Duration)
	ObserveInFlight(delta int)
}

type NoopProbeRecorder struct{}

func (NoopProbeRecorder) ObserveProbe(instance, status string, trial time.Duration) {}
func (NoopProbeRecorder) ObserveInFlight(delta int)                                 {}
