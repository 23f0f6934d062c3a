package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/interspecies/probed/internal/events"
	"github.com/interspecies/probed/internal/health"
	"github.com/interspecies/probed/internal/instance"
	"github.com/interspecies/probed/internal/logging"
	"github.com/interspecies/probed/internal/metrics"
	"github.com/interspecies/probed/internal/orchestrator"
	"github.com/interspecies/probed/internal/recorder"
	"github.com/interspecies/probed/pkg/types"
)

// Config controls HTTP server settings.
type Config struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	AdminBearerToken string
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger       logrus.FieldLogger
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Store
	Checker      *health.Checker
	Events       *events.Memory
	Now          func() time.Time
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

// New constructs the admin and monitoring HTTP server.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9108"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewStore()
	}
	if deps.Events == nil {
		deps.Events = events.NewMemory(1)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.NewHTTPHandler(deps.Metrics)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.HandleFunc("/readyz", readyHandler(deps)).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/instances", listInstancesHandler(deps)).Methods(http.MethodGet)
	api.HandleFunc("/instances/{name}", instanceHandler(deps)).Methods(http.MethodGet)
	api.HandleFunc("/instances/{name}/history.tsv", historyHandler(deps)).Methods(http.MethodGet)
	api.HandleFunc("/instances/{name}/pause", adminOnly(cfg, pauseHandler(deps))).Methods(http.MethodPost)
	api.HandleFunc("/probes", listProbesHandler(deps)).Methods(http.MethodGet)
	api.HandleFunc("/probes", adminOnly(cfg, submitProbeHandler(deps))).Methods(http.MethodPost)
	api.HandleFunc("/events", eventsHandler(deps)).Methods(http.MethodGet)

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.WithField("addr", s.Addr).Info("admin api listening")
		errCh <- s.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func readyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Checker == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := deps.Checker.Ready(deps.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type instanceView struct {
	instance.Status
	Latest *types.TelemetryRecord `json:"latest,omitempty"`
}

func viewOf(p *instance.Proxy) instanceView {
	v := instanceView{Status: p.Status()}
	if rec, ok := p.LatestTelemetry(); ok {
		v.Latest = &rec
	}
	return v
}

func listInstancesHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proxies := deps.Orchestrator.Instances()
		items := make([]instanceView, 0, len(proxies))
		for _, p := range proxies {
			items = append(items, viewOf(p))
		}
		writeJSON(w, http.StatusOK, struct {
			Items []instanceView `json:"items"`
		}{Items: items})
	}
}

func instanceHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := lookupInstance(w, r, deps)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, viewOf(p))
	}
}

func historyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := lookupInstance(w, r, deps)
		if !ok {
			return
		}
		var columns []string
		if raw := strings.TrimSpace(r.URL.Query().Get("columns")); raw != "" {
			for _, c := range strings.Split(raw, ",") {
				if c = strings.TrimSpace(c); c != "" {
					columns = append(columns, c)
				}
			}
		}
		w.Header().Set("Content-Type", "text/tab-separated-values")
		if err := recorder.WriteTSV(w, p.History(), columns); err != nil {
			deps.Logger.WithError(err).WithField("instance", p.Name()).Warn("write history failed")
		}
	}
}

func pauseHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := lookupInstance(w, r, deps)
		if !ok {
			return
		}
		paused := p.TogglePause()
		writeJSON(w, http.StatusOK, struct {
			Name   string `json:"name"`
			Paused bool   `json:"paused"`
		}{Name: p.Name(), Paused: paused})
	}
}

func listProbesHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				limit = v
			}
		}
		outcomes, err := deps.Orchestrator.Store().ListOutcomes(r.Context(), r.URL.Query().Get("instance"), limit)
		if err != nil {
			deps.Logger.WithError(err).Error("list outcomes failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if outcomes == nil {
			outcomes = []types.ProbeOutcome{}
		}
		writeJSON(w, http.StatusOK, struct {
			InFlight []orchestrator.InFlight `json:"in_flight"`
			Items    []types.ProbeOutcome    `json:"items"`
		}{InFlight: deps.Orchestrator.InFlight(), Items: outcomes})
	}
}

func submitProbeHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Instance   string   `json:"instance"`
			State      string   `json:"state"`
			Confidence *float64 `json:"confidence"`
			Requester  string   `json:"requester"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Instance) == "" {
			http.Error(w, "instance is required", http.StatusBadRequest)
			return
		}
		if req.Confidence == nil {
			http.Error(w, "confidence is required", http.StatusBadRequest)
			return
		}

		// The API caller is not on the bus; replies go to the configured requester.
		id, err := deps.Orchestrator.Submit(context.WithoutCancel(r.Context()), orchestrator.ProbeSpec{
			Instance:   req.Instance,
			State:      req.State,
			Confidence: *req.Confidence,
			Requester:  req.Requester,
		})
		switch {
		case errors.Is(err, orchestrator.ErrUnknownInstance):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, orchestrator.ErrRateLimited):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		case errors.Is(err, orchestrator.ErrBusy):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			deps.Logger.WithError(err).Error("submit probe failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, struct {
			ID string `json:"id"`
		}{ID: id})
	}
}

func eventsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter []types.EventType
		if raw := r.URL.Query().Get("type"); raw != "" {
			for _, t := range strings.Split(raw, ",") {
				filter = append(filter, types.EventType(strings.TrimSpace(t)))
			}
		}
		items := deps.Events.Events(filter...)
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 && v < len(items) {
				items = items[len(items)-v:]
			}
		}
		if items == nil {
			items = []types.Event{}
		}
		writeJSON(w, http.StatusOK, struct {
			Items []types.Event `json:"items"`
		}{Items: items})
	}
}

func lookupInstance(w http.ResponseWriter, r *http.Request, deps Dependencies) (*instance.Proxy, bool) {
	name := mux.Vars(r)["name"]
	p, ok := deps.Orchestrator.Instance(name)
	if !ok {
		http.Error(w, "instance not found", http.StatusNotFound)
	}
	return p, ok
}

func adminOnly(cfg Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorizeAdmin(r, cfg.AdminBearerToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func authorizeAdmin(r *http.Request, token string) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(value, prefix)) == token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
