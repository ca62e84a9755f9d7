package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"fieldsync/internal/engine"
	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, handler http.HandlerFunc, args ...string) (string, error) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--addr", ts.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	out, err := execute(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(engine.Status{Online: true, Pending: 4, Phase: engine.PhaseIdle})
	}, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "pending:      4")
	assert.Contains(t, out, "last sync:    -")
}

func TestResolveSendsChoice(t *testing.T) {
	var got models.Resolution
	_, err := execute(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/conflicts/c-9/resolve", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(models.Conflict{ID: "c-9", Choice: got.Choice})
	}, "conflicts", "resolve", "c-9", "accept_local")
	require.NoError(t, err)
	assert.Equal(t, models.ResolveAcceptLocal, got.Choice)
}

func TestResolveRejectsUnknownChoice(t *testing.T) {
	_, err := execute(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, "conflicts", "resolve", "c-9", "both")
	require.Error(t, err)
}

func TestDeadLetterRetryReportsAPIError(t *testing.T) {
	_, err := execute(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}, "deadletters", "retry", "12")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
