package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sentinelstack/sentinel-heal/internal/detect"
	"github.com/sentinelstack/sentinel-heal/internal/incident"
	"github.com/sentinelstack/sentinel-heal/internal/ingest"
	"github.com/sentinelstack/sentinel-heal/internal/orchestrator"
	"github.com/sentinelstack/sentinel-heal/internal/stability"
	"github.com/sentinelstack/sentinel-heal/internal/utils"
)

// AgentStatus is the slice of the agent client the status endpoint reads.
type AgentStatus interface {
	Configured() bool
	Latency() *utils.LatencyTracker
}

// Options collects the server's collaborators. Agent may be nil.
type Options struct {
	Buffer       *ingest.TelemetryBuffer
	Detector     *detect.Detector
	Evaluator    *stability.Evaluator
	Manager      *incident.Manager
	Orchestrator *orchestrator.Orchestrator
	Executor     *orchestrator.Executor
	Agent        AgentStatus
	Logger       *slog.Logger
}

// Server is the operator and ingestion HTTP surface. It is a thin adapter:
// every handler delegates to the engine components and translates results
// to JSON.
type Server struct {
	router chi.Router

	buffer       *ingest.TelemetryBuffer
	detector     *detect.Detector
	evaluator    *stability.Evaluator
	manager      *incident.Manager
	orchestrator *orchestrator.Orchestrator
	executor     *orchestrator.Executor
	agent        AgentStatus
	logger       *slog.Logger
}

// NewServer wires the routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:       chi.NewRouter(),
		buffer:       opts.Buffer,
		detector:     opts.Detector,
		evaluator:    opts.Evaluator,
		manager:      opts.Manager,
		orchestrator: opts.Orchestrator,
		executor:     opts.Executor,
		agent:        opts.Agent,
		logger:       logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest/logs", s.handleIngestLogs)
		r.Post("/ingest/metrics", s.handleIngestMetrics)
		r.Post("/ingest/snapshot", s.handleIngestSnapshot)

		r.Get("/telemetry/logs", s.handleRecentLogs)
		r.Get("/telemetry/metrics", s.handleRecentMetrics)

		r.Get("/status", s.handleStatus)

		r.Get("/incidents", s.handleListIncidents)
		r.Get("/incidents/{id}", s.handleGetIncident)
		r.Get("/incidents/{id}/history", s.handleIncidentHistory)
		r.Get("/incidents/{id}/summary", s.handleIncidentSummary)
		r.Post("/incidents/{id}/resolve", s.handleResolve)
		r.Post("/incidents/{id}/close", s.handleClose)
		r.Post("/incidents/{id}/escalate", s.handleEscalate)
		r.Post("/incidents/{id}/acknowledge", s.handleAcknowledge)

		r.Post("/rca/force", s.handleForceRCA)
		r.Post("/workflow/{id}/run", s.handleRunWorkflow)

		r.Get("/stability/check", s.handleStabilityCheck)
		r.Post("/stability/baseline", s.handleSetBaseline)

		r.Get("/actions", s.handleListActions)
		r.Post("/actions/execute", s.handleExecuteAction)

		r.Post("/admin/force-incident", s.handleForceIncident)
		r.Post("/admin/dry-run", s.handleDryRun)
		r.Post("/admin/simulate", s.handleSimulate)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request with method, path, status and
// duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
