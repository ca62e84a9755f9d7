package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/database"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/service"

	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// SyncEngine is what the local API needs from the orchestrator.
type SyncEngine interface {
	Status(ctx context.Context) (engine.Status, error)
	RunCycle(ctx context.Context) (engine.CycleResult, error)
	Conflicts(ctx context.Context, includeResolved bool) ([]models.Conflict, error)
	ResolveConflict(ctx context.Context, id string, res models.Resolution) (*models.Conflict, error)
	DeadLetters(ctx context.Context) ([]models.QueueItem, error)
	RetryDeadLetter(ctx context.Context, id int64) error
	DiscardDeadLetter(ctx context.Context, id int64) (*models.QueueItem, error)
	ResumeAuth(token string)
}

// ReportFunc writes the operator report and returns the file path.
type ReportFunc func(ctx context.Context) (string, error)

// HTTPServer is the local status API of the agent.
type HTTPServer struct {
	cfg      config.APIConfig
	engine   SyncEngine
	entities domain.EntityService
	report   ReportFunc
	server   *http.Server
	auth     *HTTPAuth
	logger   *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, eng SyncEngine, entities domain.EntityService, report ReportFunc, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{cfg: cfg, engine: eng, entities: entities, report: report, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", srv.handleStatus)
	mux.HandleFunc("POST /api/v1/sync", srv.handleSync)
	mux.HandleFunc("GET /api/v1/conflicts", srv.handleConflicts)
	mux.HandleFunc("POST /api/v1/conflicts/{id}/resolve", srv.handleResolve)
	mux.HandleFunc("GET /api/v1/deadletters", srv.handleDeadLetters)
	mux.HandleFunc("POST /api/v1/deadletters/{id}/retry", srv.handleRetry)
	mux.HandleFunc("DELETE /api/v1/deadletters/{id}", srv.handleDiscard)
	mux.HandleFunc("POST /api/v1/export", srv.handleExport)
	mux.HandleFunc("POST /api/v1/auth/resume", srv.handleResumeAuth)

	mux.HandleFunc("GET /api/v1/entities/{type}", srv.handleListEntities)
	mux.HandleFunc("POST /api/v1/entities/{type}", srv.handleCreateEntity)
	mux.HandleFunc("GET /api/v1/entities/{type}/{id}", srv.handleGetEntity)
	mux.HandleFunc("PUT /api/v1/entities/{type}/{id}", srv.handleUpdateEntity)
	mux.HandleFunc("DELETE /api/v1/entities/{type}/{id}", srv.handleDeleteEntity)
	mux.HandleFunc("POST /api/v1/entities/{type}/{id}/publish", srv.handlePublishEntity)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	return srv
}

// Handler exposes the routed handler, auth included.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("Local API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RunCycle(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, engine.ErrCycleInProgress):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued after current cycle"})
	default:
		s.writeErr(w, err)
	}
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	conflicts, err := s.engine.Conflicts(r.Context(), all)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []models.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	var res models.Resolution
	if err := decodeBody(w, r, &res); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.engine.ResolveConflict(r.Context(), r.PathValue("id"), res)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.DeadLetters(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": items})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := s.engine.RetryDeadLetter(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": id})
}

func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	item, err := s.engine.DiscardDeadLetter(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.report == nil {
		writeError(w, http.StatusNotImplemented, "export is not configured")
		return
	}
	path, err := s.report(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *HTTPServer) handleResumeAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.engine.ResumeAuth(body.Token)
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

// writeErr maps domain errors onto HTTP status codes.
func (s *HTTPServer) writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidPayload), errors.Is(err, database.ErrInvalidResolution):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrUnknownEntityType):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrAlreadyExists), errors.Is(err, service.ErrDeleted),
		errors.Is(err, service.ErrNotDraft), errors.Is(err, database.ErrConflictResolved),
		errors.Is(err, engine.ErrAuthPaused):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrOffline):
		code = http.StatusServiceUnavailable
	case errors.Is(err, database.ErrStorageFull):
		code = http.StatusInsufficientStorage
	}
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
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
