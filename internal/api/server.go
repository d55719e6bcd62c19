// Package api exposes the Specialist over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mfenderov/specialist/internal/events"
	"github.com/mfenderov/specialist/pkg/models"
)

// MaxRequestBytes bounds request bodies.
const MaxRequestBytes = 64 << 10

// Specialist answers and retrieves.
type Specialist interface {
	Ask(ctx context.Context, q models.QueryContext) (*models.AgentResponse, error)
	Retrieve(ctx context.Context, q models.QueryContext) (*models.RetrievalResult, error)
}

// Server serves the HTTP API.
type Server struct {
	specialist Specialist
	status     *events.Status
	mux        *http.ServeMux
}

// New creates a server. status may be nil.
func New(specialist Specialist, status *events.Status) *Server {
	s := &Server{
		specialist: specialist,
		status:     status,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/ask", s.handleAsk)
	s.mux.HandleFunc("POST /v1/retrieve", s.handleRetrieve)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type askRequest struct {
	Question string `json:"question"`
	Module   string `json:"module,omitempty"`
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (models.QueryContext, bool) {
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
		writeError(w, models.NewError(models.KindInvalidRequest, "decode request", err))
		return models.QueryContext{}, false
	}
	return models.QueryContext{Question: req.Question, Module: models.Module(req.Module)}, true
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	resp, err := s.specialist.Ask(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	result, err := s.specialist.Retrieve(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type healthResponse struct {
	Status    string                     `json:"status"`
	Ingestion []events.TickCompleteEvent `json:"ingestion"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Ingestion: []events.TickCompleteEvent{}}
	if s.status != nil {
		resp.Ingestion = s.status.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Kind      models.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidRequest:
		return http.StatusBadRequest
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	case models.KindRetrievalFailure, models.KindCompletionFailure, models.KindEmbeddingFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	detail := ErrorDetail{Kind: models.KindOf(err), Message: err.Error()}
	var me *models.Error
	if errors.As(err, &me) {
		detail.Retryable = me.Retryable()
	}
	if detail.Kind == "" {
		detail.Kind = "internal"
	}
	writeJSON(w, StatusFor(detail.Kind), ErrorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
