package instance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Behaviour is a commanded robot behaviour. Its value is the token sent on the wire.
type Behaviour string

const (
	Idle      Behaviour = "Idle"
	Fishmodel Behaviour = "Fishmodel"
	Follow    Behaviour = "Follow"
	CW        Behaviour = "CW"
	CCW       Behaviour = "CCW"
	Allin1    Behaviour = "Allin1"
	Allin2    Behaviour = "Allin2"
	Split     Behaviour = "Split"
)

var knownBehaviours = []Behaviour{Idle, Fishmodel, Follow, CW, CCW, Allin1, Allin2, Split}

// ErrUnknownBehaviour is returned by ParseBehaviour for tokens outside the closed set.
var ErrUnknownBehaviour = errors.New("unknown behaviour")

// ErrUnknownState is returned when a trial state has no behaviour mapping.
var ErrUnknownState = errors.New("unknown trial state")

// trialStates maps the trial state codes carried by probe requests to behaviours.
var trialStates = map[string]Behaviour{
	"1":      Allin1,
	"2":      Allin2,
	"3":      Split,
	"cw":     CW,
	"ccw":    CCW,
	"follow": Follow,
	"si":     Follow,
}

// ParseBehaviour resolves a token case-insensitively.
func ParseBehaviour(token string) (Behaviour, error) {
	token = strings.TrimSpace(token)
	for _, b := range knownBehaviours {
		if strings.EqualFold(string(b), token) {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBehaviour, token)
}

// Directional reports whether b is one of the two opposite-sense behaviours.
func (b Behaviour) Directional() bool {
	return b == CW || b == CCW
}

// Opposite returns the other directional behaviour. Non-directional behaviours map to CW.
func (b Behaviour) Opposite() Behaviour {
	if b == CW {
		return CCW
	}
	return CW
}

func (b Behaviour) String() string {
	return string(b)
}

// BehaviourForState resolves a trial state code. An empty state alternates the last
// directional behaviour.
func BehaviourForState(state string, lastDirectional Behaviour) (Behaviour, error) {
	key := strings.ToLower(strings.TrimSpace(state))
	if key == "" {
		return lastDirectional.Opposite(), nil
	}
	// Probe requests may encode integral states as floats ("1.0").
	if f, err := strconv.ParseFloat(key, 64); err == nil && f == math.Trunc(f) {
		key = strconv.FormatInt(int64(f), 10)
	}
	if b, ok := trialStates[key]; ok {
		return b, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, state)
}
