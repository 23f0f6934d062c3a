package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interspecies/probed/internal/channel"
	"github.com/interspecies/probed/internal/events"
	"github.com/interspecies/probed/internal/health"
	"github.com/interspecies/probed/internal/instance"
	"github.com/interspecies/probed/internal/metrics"
	"github.com/interspecies/probed/internal/orchestrator"
	"github.com/interspecies/probed/internal/reference"
	"github.com/interspecies/probed/internal/scorer"
	"github.com/interspecies/probed/internal/store"
	"github.com/interspecies/probed/pkg/types"
)

const adminToken = "secret"

type fixture struct {
	srv    *Server
	proxy  *instance.Proxy
	orch   *orchestrator.Orchestrator
	events *events.Memory
	store  store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := events.NewMemory(64)
	m := metrics.NewStore()

	instLocal, _ := channel.Pipe(8)
	proxy, err := instance.New(instance.Config{Name: "setup-2"}, instLocal, instance.Dependencies{Events: rec})
	require.NoError(t, err)

	samples := reference.Builtin()
	sc, err := scorer.New(samples.Reference, samples.Modulated)
	require.NoError(t, err)

	st := store.NewMemoryStore(16)
	local, _ := channel.Pipe(16)
	orch, err := orchestrator.New(orchestrator.Config{}, map[string]*instance.Proxy{"setup-2": proxy}, local, sc, orchestrator.Dependencies{
		Events: rec,
		Store:  st,
	})
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := New(Config{AdminBearerToken: adminToken}, Dependencies{
		Orchestrator: orch,
		Metrics:      m,
		Checker:      health.NewChecker(m, 16, time.Minute, proxy),
		Events:       rec,
		Now:          func() time.Time { return now },
	})
	return &fixture{srv: srv, proxy: proxy, orch: orch, events: rec, store: st}
}

func (f *fixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", "").Code)

	rr := f.do(http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "instance 'setup-2' has not reported telemetry")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestListInstances(t *testing.T) {
	f := newFixture(t)
	f.proxy.HandleMessage(types.NewMessage("FishManager", types.KindStatistics, "setup-2", "fishclockwisepercent:0.6"))

	rr := f.do(http.MethodGet, "/api/v1/instances", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Items []struct {
			Name      string `json:"name"`
			Behaviour string `json:"behaviour"`
			Latest    *struct {
				Fields map[string]string `json:"fields"`
			} `json:"latest"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "setup-2", body.Items[0].Name)
	assert.Equal(t, "Idle", body.Items[0].Behaviour)
	require.NotNil(t, body.Items[0].Latest)
	assert.Equal(t, "0.6", body.Items[0].Latest.Fields["fishclockwisepercent"])
}

func TestInstanceNotFound(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/instances/setup-9", "", "").Code)
}

func TestHistoryTSV(t *testing.T) {
	f := newFixture(t)
	f.proxy.HandleMessage(types.NewMessage("FishManager", types.KindStatistics, "setup-2", "fishclockwisepercent:0.6;count:3"))

	rr := f.do(http.MethodGet, "/api/v1/instances/setup-2/history.tsv?columns=fishclockwisepercent", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "time\tfishclockwisepercent", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "\t0.6"))
}

func TestPauseRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/v1/instances/setup-2/pause", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/v1/instances/setup-2/pause", "", "wrong").Code)

	rr := f.do(http.MethodPost, "/api/v1/instances/setup-2/pause", "", adminToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, f.proxy.Paused())
	assert.JSONEq(t, `{"name":"setup-2","paused":true}`, rr.Body.String())
}

func TestSubmitProbe(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPost, "/api/v1/probes", `{"instance":"setup-2","state":"cw","confidence":0.8}`, adminToken)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var body struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body.ID)

	// the pool is not running, so the trial stays dispatched
	inflight := f.orch.InFlight()
	require.Len(t, inflight, 1)
	assert.Equal(t, body.ID, inflight[0].ID)
	assert.Equal(t, orchestrator.PhaseDispatched, inflight[0].Phase)
}

func TestSubmitProbeErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		body  string
		token string
		want  int
	}{
		{"unauthorized", `{"instance":"setup-2","confidence":0.5}`, "", http.StatusUnauthorized},
		{"bad json", `{`, adminToken, http.StatusBadRequest},
		{"missing instance", `{"confidence":0.5}`, adminToken, http.StatusBadRequest},
		{"missing confidence", `{"instance":"setup-2"}`, adminToken, http.StatusBadRequest},
		{"unknown instance", `{"instance":"setup-9","confidence":0.5}`, adminToken, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(http.MethodPost, "/api/v1/probes", tt.body, tt.token)
			assert.Equal(t, tt.want, rr.Code)
		})
	}

	failed := f.events.Events(types.EventProbeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "setup-9", failed[0].Instance)
}

func TestListProbes(t *testing.T) {
	f := newFixture(t)
	_ = f.do(http.MethodPost, "/api/v1/probes", `{"instance":"setup-9","confidence":0.5}`, adminToken)

	rr := f.do(http.MethodGet, "/api/v1/probes?instance=setup-9&limit=5", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		InFlight []orchestrator.InFlight `json:"in_flight"`
		Items    []types.ProbeOutcome    `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Empty(t, body.InFlight)
	require.Len(t, body.Items, 1)
	assert.Equal(t, types.ProbeFailed, body.Items[0].Status)
	assert.Equal(t, "Setup 'setup-9' does not exist", body.Items[0].Reason)
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.proxy.SetBehaviour(instance.CW)
	f.proxy.SetBehaviour(instance.Idle)

	rr := f.do(http.MethodGet, "/api/v1/events?type=BehaviourChanged&limit=1", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Items []types.Event `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "Idle", body.Items[0].Labels["to"])
}
