// SPDX-License-Identifier: MIT

// Package server exposes the admin HTTP surface: health, metrics, pipeline
// stats and a debug submission endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/embedbot/ingest/internal/log"
	"github.com/embedbot/ingest/internal/media"
	"github.com/embedbot/ingest/internal/pipeline"
)

// Server wraps the admin HTTP listener.
type Server struct {
	http *http.Server
	coor *pipeline.Coordinator
}

// New builds the admin server on addr.
func New(addr string, coor *pipeline.Coordinator) *Server {
	s := &Server{coor: coor}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/stats", s.handleStats)
	r.Post("/v1/submit", s.handleSubmit)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(r, "admin"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // submit can block until the job finishes
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger := log.WithComponent("server")
	logger.Info().Str("addr", s.http.Addr).Msg("admin server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.coor.CacheStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_jobs": s.coor.ActiveJobs(),
		"cache": map[string]any{
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"sets":      stats.Sets,
			"evictions": stats.Evictions,
			"entries":   stats.CurrentSize,
		},
	})
}

// submitRequest is the debug submission body.
type submitRequest struct {
	URL             string `json:"url"`
	ChannelID       string `json:"channel_id"`
	MessageID       string `json:"message_id"`
	AllowTruncation bool   `json:"allow_truncation"`
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	Path      string `json:"path,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Origin    string `json:"origin,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleSubmit runs a job synchronously and reports its terminal result.
// It exists for operators and integration tests, not production traffic.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: "invalid request body"})
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: "url is required"})
		return
	}

	var opts []pipeline.SubmitOption
	if req.AllowTruncation {
		opts = append(opts, pipeline.WithTruncation())
	}
	handle := s.coor.Submit(r.Context(), req.URL, media.RequestContext{
		ChannelID: req.ChannelID,
		MessageID: req.MessageID,
	}, time.Time{}, opts...)

	artifact, report := handle.Await(r.Context())
	if report != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(report, context.DeadlineExceeded) || errors.Is(report, context.Canceled) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, submitResponse{
			JobID: report.JobID,
			Stage: string(report.Stage),
			Error: report.Err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		JobID:     artifact.JobID,
		Path:      artifact.Path,
		MediaType: artifact.MediaType,
		Size:      artifact.Size,
		Origin:    string(artifact.Origin),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("server")
		logger.Warn().Err(err).Msg("write response")
	}
}
