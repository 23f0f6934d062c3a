package orchestrator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/interspecies/probed/internal/instance"
	"github.com/interspecies/probed/internal/scorer"
	"github.com/interspecies/probed/pkg/types"
)

// Phase is the position of a probe request in the trial state machine.
type Phase string

const (
	PhaseReceived      Phase = "received"
	PhaseDispatched    Phase = "dispatched"
	PhaseAwaitingTrial Phase = "awaiting_trial"
	PhaseScoring       Phase = "scoring"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
)

// ProbeSpec is what a requester asks for.
type ProbeSpec struct {
	Instance   string  `json:"instance"`
	State      string  `json:"state"`
	Confidence float64 `json:"confidence"`
	Requester  string  `json:"requester,omitempty"`
}

// ParseProbeRequest extracts a ProbeSpec from a ProbeRq message. The instance comes from the
// target frame, or the name field when the target is empty. The trial state is read from
// state, falling back to etattemp.
func ParseProbeRequest(msg types.Message) (ProbeSpec, error) {
	fields := msg.Fields()
	spec := ProbeSpec{
		Instance:  strings.ToLower(strings.TrimSpace(msg.Target)),
		Requester: strings.TrimSpace(msg.Origin),
	}
	if spec.Instance == "" {
		spec.Instance = strings.ToLower(strings.TrimSpace(fields["name"]))
	}
	if spec.Instance == "" {
		return ProbeSpec{}, fmt.Errorf("%w: missing instance name", ErrInvalidRequest)
	}

	raw, ok := fields["confidence"]
	if !ok {
		return ProbeSpec{}, fmt.Errorf("%w: missing confidence", ErrInvalidRequest)
	}
	confidence, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		return ProbeSpec{}, fmt.Errorf("%w: confidence %q", ErrInvalidRequest, raw)
	}
	spec.Confidence = confidence

	if state, ok := fields["state"]; ok {
		spec.State = strings.TrimSpace(state)
	} else {
		spec.State = strings.TrimSpace(fields["etattemp"])
	}
	return spec, nil
}

// ProbeRequest is one trial. It is owned by the goroutine executing it.
type ProbeRequest struct {
	ID    string
	Spec  ProbeSpec
	Phase Phase

	Initiated bool
	Finished  bool
	Failed    bool

	AppliedBehaviour instance.Behaviour
	Result           scorer.Result
	TrialDuration    time.Duration
	Reason           string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Outcome summarises a finished request for storage.
func (r *ProbeRequest) Outcome() types.ProbeOutcome {
	status := types.ProbeCompleted
	if r.Failed {
		status = types.ProbeFailed
	}
	out := types.ProbeOutcome{
		ID:          r.ID,
		Instance:    r.Spec.Instance,
		State:       r.Spec.State,
		Confidence:  r.Spec.Confidence,
		Requester:   r.Spec.Requester,
		Behaviour:   string(r.AppliedBehaviour),
		Status:      status,
		DurationSec: int(r.TrialDuration / time.Second),
		Reason:      r.Reason,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if !r.Failed {
		out.Score = r.Result.PValue
		out.Modulated = r.Result.Surprising
	}
	return out
}

// donePayload renders the ProbeDone body: Score:<p>;Modulated:<0|1>;Duration:<seconds>;
func donePayload(r *ProbeRequest) string {
	modulated := "0"
	if r.Result.Surprising {
		modulated = "1"
	}
	return types.FormatPayload(
		types.Field{Key: "Score", Value: fmt.Sprintf("%f", r.Result.PValue)},
		types.Field{Key: "Modulated", Value: modulated},
		types.Field{Key: "Duration", Value: strconv.Itoa(int(r.TrialDuration / time.Second))},
	)
}
