package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPing(t *testing.T) {
	svc, _ := newTestService(t, false)
	h := NewHealthHandler(svc, testConfig())

	rec := httptest.NewRecorder()
	h.Ping(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestStatus(t *testing.T) {
	svc, _ := newTestService(t, true)
	h := NewHealthHandler(svc, testConfig())

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "dimse", resp.ProxyMode)
	assert.Equal(t, []string{"PACS"}, resp.Peers)
	assert.True(t, resp.CacheEnabled)
	assert.Zero(t, resp.CacheEntries)
	assert.Zero(t, resp.PendingMoves)
}
