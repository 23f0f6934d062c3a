package types

import (
	"errors"
	"fmt"
	"strings"
)

// Message kinds exchanged with instances and the interspecies interface.
const (
	KindStatistics           = "Statistics"
	KindRobotTargetPosition  = "RobotTargetPositionChanged"
	KindProbeRequest         = "ProbeRq"
	KindProbeDone            = "ProbeDone"
	KindFailedProbe          = "FailedProbe"
	KindBehaviour            = "Behaviour"
	messageFrameCount        = 4
	payloadFieldSeparator    = ";"
	payloadKeyValueSeparator = ":"
)

// ErrMalformedMessage is returned when wire frames cannot be decoded into a Message.
var ErrMalformedMessage = errors.New("malformed message")

// Message is the four part unit carried by every channel: addressee, kind, sender and payload.
type Message struct {
	Target  string `json:"target"`
	Kind    string `json:"kind"`
	Origin  string `json:"origin"`
	Payload string `json:"payload"`
}

// NewMessage builds a Message.
func NewMessage(target, kind, origin, payload string) Message {
	return Message{Target: target, Kind: kind, Origin: origin, Payload: payload}
}

// IsKind reports whether the message kind matches kind, ignoring case.
func (m Message) IsKind(kind string) bool {
	return strings.EqualFold(m.Kind, kind)
}

// Fields parses the payload as a key:value list.
func (m Message) Fields() map[string]string {
	return ParsePayload(m.Payload)
}

// Frames encodes the message as wire frames in target, kind, origin, payload order.
func (m Message) Frames() [][]byte {
	return [][]byte{
		[]byte(m.Target),
		[]byte(m.Kind),
		[]byte(m.Origin),
		[]byte(m.Payload),
	}
}

func (m Message) String() string {
	return fmt.Sprintf("target:%s kind:%s origin:%s payload:%s", m.Target, m.Kind, m.Origin, m.Payload)
}

// MessageFromFrames decodes wire frames produced by Message.Frames.
func MessageFromFrames(frames [][]byte) (Message, error) {
	if len(frames) != messageFrameCount {
		return Message{}, fmt.Errorf("%w: expected %d frames, got %d", ErrMalformedMessage, messageFrameCount, len(frames))
	}
	return Message{
		Target:  string(frames[0]),
		Kind:    string(frames[1]),
		Origin:  string(frames[2]),
		Payload: string(frames[3]),
	}, nil
}

// Field is one key:value pair of a payload, kept in emission order.
type Field struct {
	Key   string
	Value string
}

// ParsePayload splits a ";" separated list of "key:value" segments. Keys are trimmed and
// lower-cased. Empty segments, segments without ":" and segments with an empty key are skipped.
// When a key repeats, the last value wins.
func ParsePayload(payload string) map[string]string {
	fields := make(map[string]string)
	for _, segment := range strings.Split(payload, payloadFieldSeparator) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, ok := strings.Cut(segment, payloadKeyValueSeparator)
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}

// FormatPayload renders fields as "key:value;" segments in the given order.
func FormatPayload(fields ...Field) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.Key)
		b.WriteString(payloadKeyValueSeparator)
		b.WriteString(f.Value)
		b.WriteString(payloadFieldSeparator)
	}
	return b.String()
}
