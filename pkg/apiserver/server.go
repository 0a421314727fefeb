// Package apiserver exposes the decision engine over HTTP JSON.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptgate/promptgate/pkg/batch"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/observability/logging"
	"github.com/promptgate/promptgate/pkg/types"
)

// Server serves the compliance API.
type Server struct {
	engine     *engine.Engine
	executor   *batch.Executor
	configPath string

	httpServer *http.Server
}

// New builds a server. configPath is re-read on POST /api/v1/config/reload.
func New(e *engine.Engine, x *batch.Executor, cfg config.ListenConfig, configPath string) *Server {
	s := &Server{engine: e, executor: x, configPath: configPath}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run starts serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Run() error {
	logging.Infof("Compliance API server listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/decide", s.handleDecide)
	mux.HandleFunc("POST /api/v1/decide/batch", s.handleDecideBatch)

	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("POST /api/v1/config/reload", s.handleConfigReload)
	mux.HandleFunc("POST /api/v1/admin/unblock", s.handleUnblock)

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "healthy", "service": "promptgate"}`))
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req types.ComplianceRequest
	if err := s.parseJSONRequest(w, r, &req, s.bodyLimit()); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	decision, err := s.engine.Decide(r.Context(), &req)
	if err != nil {
		var reqErr *engine.RequestError
		if errors.As(err, &reqErr) {
			s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", reqErr.Error())
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, "DECISION_FAILED", err.Error())
		return
	}

	s.writeJSONResponse(w, http.StatusOK, decision)
}

type batchRequest struct {
	Requests []*types.ComplianceRequest `json:"requests"`
}

type batchResponse struct {
	Decisions []*types.Decision `json:"decisions"`
}

func (s *Server) handleDecideBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := s.parseJSONRequest(w, r, &req, s.batchBodyLimit()); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if len(req.Requests) == 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "requests must not be empty")
		return
	}

	decisions, err := s.executor.DecideBatch(r.Context(), req.Requests)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	s.writeJSONResponse(w, http.StatusOK, batchResponse{Decisions: decisions})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleConfigReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.ReloadConfiguration(s.configPath); err != nil {
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, "RELOAD_REJECTED", err.Error())
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":      "reloaded",
		"fingerprint": s.engine.Config().Fingerprint(),
	})
}

type unblockRequest struct {
	ClientID string `json:"client_id"`
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := s.parseJSONRequest(w, r, &req, envelopeSlack); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.ClientID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "client_id is required")
		return
	}

	if !s.engine.Unblock(req.ClientID) {
		s.writeErrorResponse(w, http.StatusNotFound, "CLIENT_NOT_FOUND", "no record for client")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

// envelopeSlack covers JSON framing and the non-text request fields on top
// of the configured maximum text length.
const envelopeSlack = 4096

// bodyLimit bounds a single-request body so oversized payloads are refused
// before they are buffered.
func (s *Server) bodyLimit() int64 {
	return int64(s.engine.Config().Compliance.MaxTextLength) + envelopeSlack
}

// batchBodyLimit scales the single-request bound by the configured maximum
// batch size.
func (s *Server) batchBodyLimit() int64 {
	n := s.engine.Config().Batch.MaxBatchSize
	if n < 1 {
		n = 1
	}
	return int64(n) * s.bodyLimit()
}

func (s *Server) parseJSONRequest(w http.ResponseWriter, r *http.Request, v any, limit int64) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	defer r.Body.Close()

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	s.writeJSONResponse(w, statusCode, map[string]any{
		"error": map[string]any{
			"code":      errorCode,
			"message":   message,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}
