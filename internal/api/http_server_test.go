package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"fieldsync/internal/config"
	"fieldsync/internal/database"
	"fieldsync/internal/engine"
	"fieldsync/internal/events"
	"fieldsync/internal/models"
	"fieldsync/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Trigger() {}

func (m *mockEngine) Status(ctx context.Context) (engine.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(engine.Status), args.Error(1)
}

func (m *mockEngine) RunCycle(ctx context.Context) (engine.CycleResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(engine.CycleResult), args.Error(1)
}

func (m *mockEngine) Conflicts(ctx context.Context, includeResolved bool) ([]models.Conflict, error) {
	args := m.Called(ctx, includeResolved)
	list, _ := args.Get(0).([]models.Conflict)
	return list, args.Error(1)
}

func (m *mockEngine) ResolveConflict(ctx context.Context, id string, res models.Resolution) (*models.Conflict, error) {
	args := m.Called(ctx, id, res)
	c, _ := args.Get(0).(*models.Conflict)
	return c, args.Error(1)
}

func (m *mockEngine) DeadLetters(ctx context.Context) ([]models.QueueItem, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]models.QueueItem)
	return list, args.Error(1)
}

func (m *mockEngine) RetryDeadLetter(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockEngine) DiscardDeadLetter(ctx context.Context, id int64) (*models.QueueItem, error) {
	args := m.Called(ctx, id)
	item, _ := args.Get(0).(*models.QueueItem)
	return item, args.Error(1)
}

func (m *mockEngine) ResumeAuth(token string) {
	m.Called(token)
}

type nopTrigger struct{}

func (nopTrigger) Trigger() {}

func newTestServer(t *testing.T, cfg config.APIConfig, report ReportFunc) (*HTTPServer, *mockEngine) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eng := new(mockEngine)
	svc := service.NewEntityService(db, events.NewEventBus(), nopTrigger{}, &logger)
	return NewHTTPServer(cfg, eng, svc, report, &logger), eng
}

func do(t *testing.T, srv *HTTPServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	srv, eng := newTestServer(t, config.APIConfig{}, nil)
	eng.On("Status", mock.Anything).Return(engine.Status{Online: true, Pending: 3, Phase: engine.PhaseIdle}, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Online)
	assert.Equal(t, 3, st.Pending)
}

func TestSyncEndpointStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{engine.ErrCycleInProgress, http.StatusAccepted},
		{engine.ErrOffline, http.StatusServiceUnavailable},
		{engine.ErrAuthPaused, http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv, eng := newTestServer(t, config.APIConfig{}, nil)
		eng.On("RunCycle", mock.Anything).Return(engine.CycleResult{Pushed: 1}, tc.err)

		rec := do(t, srv, http.MethodPost, "/api/v1/sync", "")
		assert.Equal(t, tc.code, rec.Code, "error %v", tc.err)
	}
}

func TestResolveConflictEndpoint(t *testing.T) {
	srv, eng := newTestServer(t, config.APIConfig{}, nil)
	res := models.Resolution{Choice: models.ResolveAcceptRemote}
	eng.On("ResolveConflict", mock.Anything, "c-1", res).Return(&models.Conflict{ID: "c-1", Choice: models.ResolveAcceptRemote}, nil)
	eng.On("ResolveConflict", mock.Anything, "c-2", res).Return(nil, database.ErrConflictResolved)
	eng.On("ResolveConflict", mock.Anything, "missing", res).Return(nil, database.ErrNotFound)

	body := `{"choice":"accept_remote"}`
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/conflicts/c-1/resolve", body).Code)
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/v1/conflicts/c-2/resolve", body).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/v1/conflicts/missing/resolve", body).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/v1/conflicts/c-1/resolve", `{"choise":1}`).Code)
}

func TestConflictsListNeverNull(t *testing.T) {
	srv, eng := newTestServer(t, config.APIConfig{}, nil)
	eng.On("Conflicts", mock.Anything, true).Return(nil, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/conflicts?all=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conflicts":[]}`, rec.Body.String())
}

func TestDeadLetterEndpoints(t *testing.T) {
	srv, eng := newTestServer(t, config.APIConfig{}, nil)
	eng.On("DeadLetters", mock.Anything).Return([]models.QueueItem{{ID: 7, EntityID: "q-1"}}, nil)
	eng.On("RetryDeadLetter", mock.Anything, int64(7)).Return(nil)
	eng.On("DiscardDeadLetter", mock.Anything, int64(7)).Return(&models.QueueItem{ID: 7}, nil)
	eng.On("RetryDeadLetter", mock.Anything, int64(8)).Return(database.ErrNotFound)

	rec := do(t, srv, http.MethodGet, "/api/v1/deadletters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"q-1"`)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/deadletters/7/retry", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/v1/deadletters/8/retry", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/v1/deadletters/abc/retry", "").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodDelete, "/api/v1/deadletters/7", "").Code)
	eng.AssertExpectations(t)
}

func TestExportEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{}, nil)
	assert.Equal(t, http.StatusNotImplemented, do(t, srv, http.MethodPost, "/api/v1/export", "").Code)

	srv, _ = newTestServer(t, config.APIConfig{}, func(context.Context) (string, error) {
		return "exports/report.xlsx", nil
	})
	rec := do(t, srv, http.MethodPost, "/api/v1/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"path":"exports/report.xlsx"}`, rec.Body.String())
}

func TestResumeAuthEndpoint(t *testing.T) {
	srv, eng := newTestServer(t, config.APIConfig{}, nil)
	eng.On("ResumeAuth", "fresh").Return()
	eng.On("ResumeAuth", "").Return()

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/auth/resume", `{"token":"fresh"}`).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/auth/resume", "").Code)
	eng.AssertExpectations(t)
}

func TestEntityLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{}, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/entities/quote", `{"id":"q-1","payload":{"customer_name":"Ada","status":"draft","total":100}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var e models.Entity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "q-1", e.ID)
	assert.Equal(t, models.SyncPending, e.SyncStatus)

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/v1/entities/quote", `{"id":"q-1","payload":{"customer_name":"Ada"}}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, srv, http.MethodPost, "/api/v1/entities/quote", `{"payload":[1,2]}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/v1/entities/invoice", `{"payload":{"a":1}}`).Code)

	rec = do(t, srv, http.MethodPut, "/api/v1/entities/quote/q-1", `{"payload":{"customer_name":"Ada","status":"sent","total":100}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `sent`)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/v1/entities/job/q-1", "").Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/entities/quote", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"q-1"`)

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/v1/entities/quote/q-1", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPut, "/api/v1/entities/quote/q-1", `{"payload":{"customer_name":"Bob"}}`).Code)
}

func TestDraftPublishEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, config.APIConfig{}, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/entities/job", `{"id":"j-1","draft":true,"payload":{"customer_name":"Ada","address":"1 Main St","status":"scheduled"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/api/v1/entities/job/j-1/publish", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var e models.Entity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, models.SyncPending, e.SyncStatus)

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/api/v1/entities/job/j-1/publish", "").Code)
}
