package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRecorderUpdatesSnapshot(t *testing.T) {
	store := NewStore()
	rec := store.QueueRecorder()
	rec.ObserveQueueDepth(7)
	rec.IncQueueDrops()
	rec.IncQueueDrops()
	rec.IncSendErrors()

	snap := store.Snapshot()
	assert.EqualValues(t, 7, snap.QueueDepth)
	assert.EqualValues(t, 2, snap.QueueDroppedTotal)
	assert.EqualValues(t, 1, snap.SendErrorsTotal)
}

func TestReadinessTransitions(t *testing.T) {
	store := NewStore()
	store.ObserveReadiness(false, "no telemetry")
	snap := store.Snapshot()
	assert.False(t, snap.Ready)
	assert.Equal(t, "no telemetry", snap.ReadyReason)
	assert.Zero(t, snap.NotReadyTransitions)

	store.ObserveReadiness(true, "")
	store.ObserveReadiness(false, "outbox full")
	snap = store.Snapshot()
	assert.EqualValues(t, 1, snap.ReadyTransitions)
	assert.EqualValues(t, 1, snap.NotReadyTransitions)
	assert.Equal(t, "outbox full", snap.ReadyReason)
}

func TestHTTPHandlerExposesMetrics(t *testing.T) {
	store := NewStore()
	store.TelemetryRecorder().ObserveMessage("setup-1", "Statistics", true)
	store.ProbeRecorder().ObserveProbe("setup-1", "completed", 2*time.Second)
	store.ProbeRecorder().ObserveInFlight(1)

	srv := httptest.NewServer(NewHTTPHandler(store))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `probed_instance_messages_total{instance="setup-1",kind="statistics",parsed="true"} 1`), text)
	assert.True(t, strings.Contains(text, `probed_probes_total{instance="setup-1",status="completed"} 1`), text)
	assert.True(t, strings.Contains(text, "probed_probes_in_flight 1"), text)
}
