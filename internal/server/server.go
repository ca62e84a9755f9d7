package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/metrics"
	"fieldsync/internal/ratelimit"

	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Validator rejects payloads the remote will never accept; rejections answer 422.
type Validator func(entityType string, payload json.RawMessage) error

// ObjectValidator accepts any JSON object.
func ObjectValidator(_ string, payload json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return errors.New("payload must be a JSON object")
	}
	return nil
}

// RequireFields extends ObjectValidator with non-empty fields per entity type.
func RequireFields(required map[string][]string) Validator {
	return func(entityType string, payload json.RawMessage) error {
		if err := ObjectValidator(entityType, payload); err != nil {
			return err
		}
		var obj map[string]any
		_ = json.Unmarshal(payload, &obj)
		for _, field := range required[entityType] {
			v, ok := obj[field]
			if !ok || v == nil || v == "" {
				return fmt.Errorf("%s is required", field)
			}
		}
		return nil
	}
}

// Server is the reference Remote Sync API: bearer-authenticated, versioned, and
// answering stale writes with 409 plus the current state.
type Server struct {
	store     *Store
	tokens    map[string]struct{}
	validate  Validator
	limiter   *ratelimit.Keyed
	logger    *zerolog.Logger
	handler   http.Handler
	server    *http.Server
	tokensMu  sync.RWMutex
	startedAt time.Time
}

type Option func(*Server)

// WithValidator replaces the default payload validator.
func WithValidator(v Validator) Option {
	return func(s *Server) { s.validate = v }
}

// WithStore shares an existing store, e.g. with a test clock.
func WithStore(st *Store) Option {
	return func(s *Server) { s.store = st }
}

func New(cfg config.ServerConfig, logger *zerolog.Logger, opts ...Option) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Server{
		tokens:    make(map[string]struct{}, len(cfg.Tokens)),
		validate:  ObjectValidator,
		limiter:   ratelimit.New(cfg.RateLimit),
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, t := range cfg.Tokens {
		s.tokens[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewStore(cfg.EntityTypes, nil)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /entities/{type}", s.authed(s.handleCreate))
	mux.Handle("GET /entities/{type}", s.authed(s.handlePull))
	mux.Handle("PUT /entities/{type}/{id}", s.authed(s.handleUpdate))
	mux.Handle("DELETE /entities/{type}/{id}", s.authed(s.handleDelete))

	s.handler = s.loggingMiddleware(mux)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Store exposes the backing store.
func (s *Server) Store() *Store {
	return s.store
}

// RevokeToken invalidates a bearer credential.
func (s *Server) RevokeToken(token string) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	delete(s.tokens, token)
}

// GrantToken accepts a new bearer credential.
func (s *Server) GrantToken(token string) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	s.tokens[token] = struct{}{}
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("remote sync API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type createBody struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	ClientVersion int64           `json:"client_version"`
}

type updateBody struct {
	Payload     json.RawMessage `json:"payload"`
	BaseVersion *int64          `json:"base_version"`
}

type ackBody struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "uptime": time.Since(s.startedAt).String()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	entityType := r.PathValue("type")
	if err := s.validate(entityType, body.Payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	e, err := s.store.Create(entityType, body.ID, body.Payload)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ackBody{ID: e.ID, Version: e.Version, UpdatedAt: e.UpdatedAt})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body updateBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.BaseVersion == nil {
		writeError(w, http.StatusBadRequest, "base_version is required")
		return
	}
	entityType := r.PathValue("type")
	if err := s.validate(entityType, body.Payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	e, err := s.store.Update(entityType, r.PathValue("id"), body.Payload, *body.BaseVersion)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackBody{ID: e.ID, Version: e.Version, UpdatedAt: e.UpdatedAt})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	base, err := strconv.ParseInt(r.URL.Query().Get("base_version"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "base_version query parameter is required")
		return
	}

	e, err := s.store.Delete(r.PathValue("type"), r.PathValue("id"), base)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackBody{ID: e.ID, Version: e.Version, UpdatedAt: e.UpdatedAt})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	out, err := s.store.Since(r.PathValue("type"), since)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var conflict *VersionConflict
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, conflict.Current)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownType):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error().Err(err).Msg("store failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// authed checks the bearer credential and the per-token rate limit.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !s.validToken(strings.TrimSpace(token)) {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		if !s.limiter.Allow(token) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	})
}

func (s *Server) validToken(token string) bool {
	if token == "" {
		return false
	}
	s.tokensMu.RLock()
	defer s.tokensMu.RUnlock()
	for known := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.IncHTTP(pattern)

		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Str("remote", host).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
