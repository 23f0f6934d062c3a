package types

import "time"

type EventType string

const (
	EventProbeReceived    EventType = "ProbeReceived"
	EventProbeDispatched  EventType = "ProbeDispatched"
	EventProbeAwaiting    EventType = "ProbeAwaiting"
	EventProbeScoring     EventType = "ProbeScoring"
	EventProbeCompleted   EventType = "ProbeCompleted"
	EventProbeFailed      EventType = "ProbeFailed"
	EventBehaviourChanged EventType = "BehaviourChanged"
	EventMessageDropped   EventType = "MessageDropped"
)

type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	Instance  string            `json:"instance,omitempty"`
	ProbeID   string            `json:"probe_id,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}
