// Package server exposes the simulated playback session and the controller
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agleyzer/flexrate/internal/abr"
	"github.com/agleyzer/flexrate/internal/cluster"
	"github.com/agleyzer/flexrate/internal/player"
	"github.com/agleyzer/flexrate/internal/playlist"
)

// ClusterStatus is the view of the Raft node reported by /cluster/status.
type ClusterStatus interface {
	NodeID() string
	State() string
	IsLeader() bool
	LeaderAddr() string
	Peers() []string
	GetState() cluster.CeilingState
}

// Server serves the simulated session's ranked catalog and control endpoints
type Server struct {
	controller *abr.Controller
	player     *player.Player
	cluster    ClusterStatus
	port       int
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server
func New(controller *abr.Controller, p *player.Player, port int, logger *slog.Logger) *Server {
	return &Server{
		controller: controller,
		player:     p,
		port:       port,
		logger:     logger,
	}
}

// SetCluster enables the /cluster/status endpoint. Call before Handler or Start.
func (s *Server) SetCluster(c ClusterStatus) {
	s.cluster = c
}

// Handler returns the routed handler wrapped in request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /playlist.m3u8", s.handlePlaylist)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /stall", s.handleStall)
	mux.HandleFunc("POST /recover", s.handleRecover)
	mux.HandleFunc("POST /downgrade", s.handleDowngrade)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.cluster != nil {
		mux.HandleFunc("GET /cluster/status", s.handleClusterStatus)
	}

	return s.loggingMiddleware(mux)
}

// Start starts the HTTP server and blocks until ctx is canceled
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handlePlaylist serves the session's catalog in its current ranked order
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	content, err := playlist.Render(s.player.Catalog())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

// handleHealth serves controller statistics
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  s.controller.Stats(),
	})
}

// handleStall makes the simulated session start buffering
func (s *Server) handleStall(w http.ResponseWriter, r *http.Request) {
	s.player.Stall()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "stalled"})
}

// handleRecover ends a simulated stall
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	s.player.Recover()
	writeJSON(w, http.StatusOK, map[string]any{"status": "playing"})
}

// handleDowngrade sends the explicit downgrade signal for the simulated session
func (s *Server) handleDowngrade(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Downgrade(s.player); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"ceiling_kbps": s.controller.AcceptableBitrateKbps(),
		"source":       s.player.CurrentSource(),
	})
}

// handleClusterStatus reports this node's Raft role and the replicated ceiling
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	state := s.cluster.GetState()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":      s.cluster.NodeID(),
		"state":        s.cluster.State(),
		"is_leader":    s.cluster.IsLeader(),
		"leader":       s.cluster.LeaderAddr(),
		"peers":        s.cluster.Peers(),
		"ceiling_kbps": state.CeilingKbps,
		"reductions":   state.Reductions,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
