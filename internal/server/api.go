// Package server exposes the query and mutation engine over HTTP.
//
// POST /query and POST /mutate accept JSON documents and answer {"data": ...}.
// Schema and validation failures are client errors; anything else is logged and
// reported as an internal error without detail.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"relgraph/internal/dsl"
	"relgraph/internal/enginerr"
	"relgraph/internal/logging"
)

// DefaultMaxBodyBytes bounds request bodies when Config sets no limit.
const DefaultMaxBodyBytes int64 = 1 << 20

// Resolver answers query and mutation documents. *engine.Engine implements it.
type Resolver interface {
	Query(ctx context.Context, q dsl.Query) (map[string]any, error)
	Mutate(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// Backend owns transaction boundaries and liveness for the storage the resolver uses.
type Backend interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
}

// Config tunes the API handlers.
type Config struct {
	MaxBodyBytes       int64
	HealthCheckTimeout time.Duration
}

// API serves the relgraph HTTP endpoints.
type API struct {
	resolver Resolver
	backend  Backend
	cfg      Config
}

// New creates the API handlers.
func New(resolver Resolver, backend Backend, cfg Config) *API {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 2 * time.Second
	}
	return &API{resolver: resolver, backend: backend, cfg: cfg}
}

// Register mounts /query, /mutate and /health on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/query", a.handleQuery)
	mux.HandleFunc("/mutate", a.handleMutate)
	mux.HandleFunc("/health", a.handleHealth)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// RequestID lets clients quote internal failures, whose details are only logged.
	RequestID string `json:"request_id,omitempty"`
}

type dataResponse struct {
	Data map[string]any `json:"data"`
}

// requestError marks a malformed or oversized request body.
type requestError struct {
	status int
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	doc, err := a.decodeBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := dsl.ParseQuery(doc)
	if err != nil {
		writeError(w, r, err)
		return
	}

	data, err := a.resolver.Query(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: data})
}

func (a *API) handleMutate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	payload, err := a.decodeBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var data map[string]any
	err = a.backend.InTx(r.Context(), func(ctx context.Context) error {
		var mutateErr error
		data, mutateErr = a.resolver.Mutate(ctx, payload)
		return mutateErr
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: data})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Kind: "request"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.HealthCheckTimeout)
	defer cancel()

	if err := a.backend.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).Error("health check failed",
			slog.String("error", err.Error()),
			slog.String("check", "database"),
		)
		// Generic body so connection details never leak.
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	w.Header().Set("Allow", http.MethodPost)
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Kind: "request"})
	return false
}

// decodeBody reads one JSON object from the request body.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &requestError{
				status: http.StatusRequestEntityTooLarge,
				err:    fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return nil, &requestError{status: http.StatusBadRequest, err: fmt.Errorf("failed to read request body: %w", err)}
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &requestError{status: http.StatusBadRequest, err: fmt.Errorf("invalid JSON document: %w", err)}
	}
	if doc == nil {
		return nil, &requestError{status: http.StatusBadRequest, err: errors.New("request body must be a JSON object")}
	}
	return doc, nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		writeJSON(w, reqErr.status, errorResponse{Error: reqErr.Error(), Kind: "request"})
		return
	}
	if kind := enginerr.Kind(err); kind != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: kind})
		return
	}

	logging.FromContext(r.Context()).Error("request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:     "internal error",
		RequestID: logging.GetRequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
