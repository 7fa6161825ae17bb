// Package transport provides the HTTP and WebSocket observation surface of a
// benchmark run.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/availbench/internal/network"
	"github.com/gateway-fm/availbench/pkg/types"
)

// maxPeers caps the peers returned by /v1/peers.
const maxPeers = 1000

// BenchAPI defines what the handlers need from the running benchmark.
type BenchAPI interface {
	Progress() types.RunProgress
	Report() (*types.RunReport, bool)
	Peers() []network.PeerStats
	StopRun()
}

// HealthChecker defines the interface for readiness checking.
type HealthChecker interface {
	CheckEnvironment() error
}

// Server handles HTTP requests for the benchmark.
type Server struct {
	api       BenchAPI
	health    HealthChecker
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer
	origins   *originPolicy
}

// originPolicy is the parsed CORS allow-list.
type originPolicy struct {
	all  bool // "*" or empty
	list []string
}

// newOriginPolicy parses a comma-separated origin list. "*" or an empty
// string allows every origin.
func newOriginPolicy(origins string) *originPolicy {
	origins = strings.TrimSpace(origins)
	if origins == "" || origins == "*" {
		return &originPolicy{all: true}
	}
	p := &originPolicy{}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			p.list = append(p.list, o)
		}
	}
	return p
}

func (p *originPolicy) allows(origin string) bool {
	if p.all {
		return true
	}
	for _, o := range p.list {
		if o == origin {
			return true
		}
	}
	return false
}

// NewServer creates a new HTTP server. gatherer backs /metrics; the default
// gatherer is used when nil.
func NewServer(api BenchAPI, health HealthChecker, gatherer prometheus.Gatherer, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	origins := newOriginPolicy(corsAllowedOrigins)
	wsServer := newWebSocketServer(api, origins, logger)
	wsServer.Start()

	return &Server{
		api:       api,
		health:    health,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
		origins:   origins,
	}
}

// WebSocket returns the progress stream server.
func (s *Server) WebSocket() *WebSocketServer {
	return s.wsServer
}

// Close stops the progress stream.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/report", s.corsMiddleware(s.handleReport))
	mux.HandleFunc("/v1/peers", s.corsMiddleware(s.handlePeers))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.origins.all {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && s.origins.allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the current run progress.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.api.Progress())
}

// handleReport returns the final report once the run finished.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, ok := s.api.Report()
	if !ok {
		s.writeJSONError(w, "Run still in progress", http.StatusNotFound)
		return
	}
	s.writeJSON(w, report)
}

// handlePeers returns per-peer traffic, busiest first. ?limit=N truncates.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxPeers {
			limit = l
		}
	}

	peers := s.api.Peers()
	sort.SliceStable(peers, func(i, j int) bool { return peers[i].TxBytes > peers[j].TxBytes })
	if len(peers) > limit {
		peers = peers[:limit]
	}
	s.writeJSON(w, peers)
}

// handleStop interrupts the current run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.api.StopRun()
	s.logger.Info("run stop requested over http")
	s.writeJSON(w, map[string]string{"status": "stopping"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		start := time.Now()
		err := s.health.CheckEnvironment()

		check := ReadinessCheck{
			Name:      "test-environment",
			LatencyMs: time.Since(start).Milliseconds(),
			Status:    "ok",
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	response := map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}
