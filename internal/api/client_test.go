package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fieldsync/internal/database"
	"fieldsync/internal/engine"
	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestClientRoundTrip(t *testing.T) {
	srv, eng := newTestServer(t, authConfig(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	eng.On("Status", mock.Anything).Return(engine.Status{Pending: 2, Conflicts: 1}, nil)
	eng.On("RunCycle", mock.Anything).Return(engine.CycleResult{}, engine.ErrCycleInProgress).Once()
	eng.On("Conflicts", mock.Anything, false).Return([]models.Conflict{{ID: "c-1", EntityID: "q-1"}}, nil)
	eng.On("RetryDeadLetter", mock.Anything, int64(3)).Return(database.ErrNotFound)
	eng.On("ResumeAuth", "t2").Return()

	client := NewClient(ts.URL, "admin", "secret")

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pending)

	res, err := client.Sync(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)

	conflicts, err := client.Conflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "q-1", conflicts[0].EntityID)

	err = client.RetryDeadLetter(ctx, 3)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	require.NoError(t, client.ResumeAuth(ctx, "t2"))
	eng.AssertExpectations(t)
}

func TestClientRejectedWithoutKey(t *testing.T) {
	srv, _ := newTestServer(t, authConfig(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, err := NewClient(ts.URL, "", "").Status(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

