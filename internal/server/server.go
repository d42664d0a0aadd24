// Package server exposes the player's live state over HTTP.
//
// Endpoints:
//
//	GET /health                      liveness and scheduler state
//	GET /stats                       the published stats entries, in order
//	GET /detections?width=&height=   last frame's objects mapped to a viewport
//	                 [&x=&y=]        only objects under the point (overlay hit test)
//	GET /metrics                     scheduler metrics and component counters
//	GET /history?limit=              recent steady cycles (when history is on)
//	GET /cycles/latest?wait_ms=      the newest steady cycle; wait_ms long-polls
//	                                 for the next one (204 on timeout)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/e7canasta/orion-player/detection"
	"github.com/e7canasta/orion-player/geometry"
	"github.com/e7canasta/orion-player/internal/history"
	"github.com/e7canasta/orion-player/scheduler"
	"github.com/e7canasta/orion-player/stats"
)

// HistoryReader is the read side of the cycle history.
type HistoryReader interface {
	Recent(limit int) ([]history.Record, error)
}

// LatestCycle is the newest-report slot of the cycle bus.
type LatestCycle interface {
	TryReceive() (scheduler.CycleReport, bool)
	Receive(ctx context.Context) (scheduler.CycleReport, bool)
}

// maxWait keeps long polls under the write timeout.
const maxWait = 4 * time.Second

// Config configures a Server. Scheduler is required.
type Config struct {
	Addr       string
	InstanceID string
	Scheduler  *scheduler.Scheduler

	// History backs /history; nil answers 404.
	History HistoryReader

	// Latest backs /cycles/latest; nil answers 404.
	Latest LatestCycle

	LatencyBudget   time.Duration
	SubtractLatency bool

	// Components adds named counters (emitter, source) to /metrics.
	Components map[string]func() any

	Logger *slog.Logger
}

// Server is the HTTP status surface.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	router  *mux.Router
	http    *http.Server
	started time.Time
}

// ObjectView is one detection placed in viewport pixels.
type ObjectView struct {
	detection.Result
	Rect geometry.Rect `json:"rect"`
}

// DetectionsResponse is the /detections body.
type DetectionsResponse struct {
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Objects []ObjectView `json:"objects"`
}

// MetricsResponse is the /metrics body.
type MetricsResponse struct {
	InstanceID       string            `json:"instance_id"`
	UptimeSeconds    int64             `json:"uptime_seconds"`
	Scheduler        scheduler.Metrics `json:"scheduler"`
	RepeatIntervalMS float64           `json:"repeat_interval_ms"`
	LatencyBudgetMS  float64           `json:"latency_budget_ms"`
	WithinBudget     bool              `json:"within_budget"`
	Components       map[string]any    `json:"components,omitempty"`
}

// New creates a server and registers its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = scheduler.DefaultLatencyBudget
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		router:  mux.NewRouter(),
		started: time.Now(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/detections", s.handleDetections).Methods("GET")
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	s.router.HandleFunc("/history", s.handleHistory).Methods("GET")
	s.router.HandleFunc("/cycles/latest", s.handleLatestCycle).Methods("GET")

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in a goroutine and returns immediately.
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("server: starting status server",
		"addr", s.cfg.Addr,
		"endpoints", []string{"/health", "/stats", "/detections", "/metrics", "/history", "/cycles/latest"},
	)

	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: status server failed", "error", err)
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "alive",
		"instance_id": s.cfg.InstanceID,
		"uptime":      int64(time.Since(s.started).Seconds()),
		"state":       s.cfg.Scheduler.State(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	entries := s.cfg.Scheduler.Sink().Snapshot()
	if entries == nil {
		entries = []stats.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	video := s.cfg.Scheduler.Metrics().Video

	width, err := intParam(r, "width", video.Width)
	if err != nil || width <= 0 {
		writeError(w, http.StatusBadRequest, "width must be a positive integer")
		return
	}
	height, err := intParam(r, "height", video.Height)
	if err != nil || height <= 0 {
		writeError(w, http.StatusBadRequest, "height must be a positive integer")
		return
	}

	var point *[2]float64
	if r.URL.Query().Has("x") || r.URL.Query().Has("y") {
		x, errX := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
		y, errY := strconv.ParseFloat(r.URL.Query().Get("y"), 64)
		if errX != nil || errY != nil {
			writeError(w, http.StatusBadRequest, "x and y must both be numbers")
			return
		}
		point = &[2]float64{x, y}
	}

	resp := DetectionsResponse{Width: width, Height: height, Objects: []ObjectView{}}
	for _, obj := range s.cfg.Scheduler.FrameObjects() {
		rect := geometry.ObjectRect(obj, width, height).Clamp(width, height)
		if point != nil && !rect.Contains(point[0], point[1]) {
			continue
		}
		resp.Objects = append(resp.Objects, ObjectView{Result: obj, Rect: rect})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	sched := s.cfg.Scheduler

	resp := MetricsResponse{
		InstanceID:       s.cfg.InstanceID,
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
		Scheduler:        sched.Metrics(),
		RepeatIntervalMS: milliseconds(sched.RepeatInterval(s.cfg.SubtractLatency)),
		LatencyBudgetMS:  milliseconds(s.cfg.LatencyBudget),
		WithinBudget:     sched.IsWithinLatencyBudget(s.cfg.LatencyBudget),
	}
	if len(s.cfg.Components) > 0 {
		resp.Components = make(map[string]any, len(s.cfg.Components))
		for name, fn := range s.cfg.Components {
			resp.Components[name] = fn()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit, err := intParam(r, "limit", history.DefaultLimit)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	records, err := s.cfg.History.Recent(limit)
	if err != nil {
		s.logger.Error("server: history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLatestCycle(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Latest == nil {
		writeError(w, http.StatusNotFound, "cycle bus is disabled")
		return
	}

	waitMS, err := intParam(r, "wait_ms", 0)
	if err != nil || waitMS < 0 {
		writeError(w, http.StatusBadRequest, "wait_ms must be a non-negative integer")
		return
	}

	if waitMS == 0 {
		report, ok := s.cfg.Latest.TryReceive()
		if !ok {
			writeError(w, http.StatusNotFound, "no cycle published yet")
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	waitMS = min(waitMS, int(maxWait/time.Millisecond))
	wait := time.Duration(waitMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	report, ok := s.cfg.Latest.Receive(ctx)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// intParam reads an integer query parameter, falling back to def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
