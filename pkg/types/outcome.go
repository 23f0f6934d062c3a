package types

import "time"

// ProbeStatus is the terminal state of a probe trial.
type ProbeStatus string

const (
	ProbeCompleted ProbeStatus = "completed"
	ProbeFailed    ProbeStatus = "failed"
)

// ProbeOutcome is the persisted summary of one probe request.
type ProbeOutcome struct {
	ID          string      `json:"id" yaml:"id"`
	Instance    string      `json:"instance" yaml:"instance"`
	State       string      `json:"state" yaml:"state"`
	Confidence  float64     `json:"confidence" yaml:"confidence"`
	Requester   string      `json:"requester" yaml:"requester"`
	Behaviour   string      `json:"behaviour,omitempty" yaml:"behaviour,omitempty"`
	Status      ProbeStatus `json:"status" yaml:"status"`
	Score       float64     `json:"score" yaml:"score"`
	Modulated   bool        `json:"modulated" yaml:"modulated"`
	DurationSec int         `json:"duration_sec" yaml:"duration_sec"`
	Reason      string      `json:"reason,omitempty" yaml:"reason,omitempty"`
	StartedAt   time.Time   `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time   `json:"finished_at" yaml:"finished_at"`
}
