// Package api is the HTTP server side of the sync protocol: mutation
// delivery with idempotency replay and optimistic version checks, and
// authoritative record reads.
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

	"github.com/henrik/opsync/internal/serverdb"
)

// Server is the HTTP API server for opsync.
type Server struct {
	config Config
	http   *http.Server
	store  *serverdb.ServerDB
	cancel context.CancelFunc
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		config: cfg,
		store:  store,
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the routed handler, for tests using httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	// Periodically prune old idempotency rows
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("cleanup panic", "panic", r)
			}
		}()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.store.PruneIdempotency(time.Now().UTC().Add(-7 * 24 * time.Hour))
				if err != nil {
					slog.Error("prune idempotency", "err", err)
				} else if n > 0 {
					slog.Info("pruned idempotency rows", "count", n)
				}
			}
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/collections/{collection}/mutations", s.requireAuth(s.handleMutation))
	mux.HandleFunc("GET /v1/collections/{collection}/records/{key}", s.requireAuth(s.handleGetRecord))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, loggingMiddleware, maxBytesMiddleware(s.config.MaxBodyBytes))
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// mutationRequest is the body for POST /v1/collections/{c}/mutations.
type mutationRequest struct {
	Kind        string          `json:"kind"`
	TargetID    string          `json:"target_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion *int64          `json:"base_version,omitempty"`
}

// handleMutation applies one mutation with idempotency replay. Version
// conflicts return 409 with the current server state; malformed
// mutations return 422.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	idemKey := r.Header.Get("Idempotency-Key")

	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	res, err := s.store.ApplyMutation(collection, idemKey, req.Kind, req.TargetID, req.Payload, req.BaseVersion)
	if err != nil {
		var ce *serverdb.ConflictError
		var ve *serverdb.ValidationError
		switch {
		case errors.As(err, &ce):
			logFor(r.Context()).Info("mutation conflict",
				"collection", collection, "target", ce.Remote.ID, "remote_version", ce.Remote.Version)
			writeJSON(w, http.StatusConflict, ConflictResponse{
				Code:    ErrCodeConflict,
				Message: ce.Error(),
				Remote: RecordEnvelope{
					Data:    ce.Remote.Data,
					Version: ce.Remote.Version,
					Deleted: ce.Remote.Deleted,
				},
			})
		case errors.As(err, &ve):
			writeError(w, http.StatusUnprocessableEntity, ve.Code, ve.Message)
		case errors.Is(err, serverdb.ErrNotFound):
			writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		default:
			logFor(r.Context()).Error("apply mutation", "collection", collection, "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to apply mutation")
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleGetRecord returns the authoritative record state. Tombstones are
// returned with deleted set rather than as 404s, so clients can
// invalidate their caches.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	key := r.PathValue("key")

	rec, err := s.store.GetRecord(collection, key)
	if errors.Is(err, serverdb.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	if err != nil {
		logFor(r.Context()).Error("get record", "collection", collection, "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read record")
		return
	}

	writeJSON(w, http.StatusOK, RecordEnvelope{
		Data:    rec.Data,
		Version: rec.Version,
		Deleted: rec.Deleted,
	})
}
