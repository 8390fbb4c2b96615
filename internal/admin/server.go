// Package admin exposes the operational surface over HTTP: configuration
// reload, maintenance mode, pool and session inspection, and the
// Prometheus metrics endpoint.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/engine"
	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/pool"
)

// Server is the admin HTTP server.
type Server struct {
	engine     *engine.Engine
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time

	// Reload re-reads the configuration from disk and applies it.
	Reload func() (*config.Config, error)
}

// NewServer creates the admin server.
func NewServer(e *engine.Engine, m *metrics.Collector, reload func() (*config.Config, error)) *Server {
	return &Server{
		engine:    e,
		metrics:   m,
		startTime: time.Now(),
		Reload:    reload,
	}
}

// Handler builds the admin route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.status).Methods("GET")
	r.HandleFunc("/pools", s.pools).Methods("GET")
	r.HandleFunc("/sessions", s.sessions).Methods("GET")
	r.HandleFunc("/reload", s.reload).Methods("POST")
	r.HandleFunc("/maintenance/on", s.maintenanceOn).Methods("POST")
	r.HandleFunc("/maintenance/off", s.maintenanceOff).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ln := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			ln <- err
		}
	}()
	select {
	case err := <-ln:
		return fmt.Errorf("admin server: %w", err)
	case <-time.After(100 * time.Millisecond):
	}
	slog.Info("admin server listening", "addr", addr)
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"sessions":       s.engine.Registry.Count(),
		"maintenance":    s.engine.Gate.Paused(),
	})
}

func (s *Server) pools(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]pool.Stats)
	for _, db := range s.engine.Databases() {
		out[db.Name] = db.Cluster.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry.Snapshot())
}

// reload swaps the configuration snapshot atomically; in-flight sessions
// finish on the snapshot they started with.
func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	if s.Reload == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reload not configured"})
		return
	}
	cfg, err := s.Reload()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.engine.Reload(cfg)
	slog.Info("configuration reloaded via admin")
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":  true,
		"databases": len(cfg.Databases),
	})
}

func (s *Server) maintenanceOn(w http.ResponseWriter, r *http.Request) {
	s.engine.Gate.Pause()
	slog.Warn("maintenance mode enabled; dispatch paused")
	writeJSON(w, http.StatusOK, map[string]bool{"maintenance": true})
}

func (s *Server) maintenanceOff(w http.ResponseWriter, r *http.Request) {
	s.engine.Gate.Resume()
	slog.Info("maintenance mode disabled; dispatch resumed")
	writeJSON(w, http.StatusOK, map[string]bool{"maintenance": false})
}
