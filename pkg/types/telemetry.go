package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TelemetryRecord is a parsed telemetry payload keyed by elapsed seconds since the
// owning proxy started listening.
type TelemetryRecord struct {
	Index      int64             `json:"index"`
	ReceivedAt time.Time         `json:"received_at"`
	Kind       string            `json:"kind"`
	Fields     map[string]string `json:"fields"`
}

// Get returns the value stored under key, matched case-insensitively.
func (r TelemetryRecord) Get(key string) (string, bool) {
	v, ok := r.Fields[strings.ToLower(key)]
	return v, ok
}

// Float parses the value stored under key as a float64.
func (r TelemetryRecord) Float(key string) (float64, error) {
	raw, ok := r.Get(key)
	if !ok {
		return 0, fmt.Errorf("telemetry key %q missing", key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("telemetry key %q: %w", key, err)
	}
	return v, nil
}

// Clone returns a deep copy of the record.
func (r TelemetryRecord) Clone() TelemetryRecord {
	out := r
	out.Fields = make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

// RawRecord keeps every delivered message, parsed or not.
type RawRecord struct {
	Index      int64     `json:"index"`
	ReceivedAt time.Time `json:"received_at"`
	Message    Message   `json:"message"`
}
