package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The echo route reports DIMSE failures in the payload, not the HTTP status.
func TestEchoReportsUnreachablePeer(t *testing.T) {
	svc, _ := newTestService(t, false)
	h := NewManagementHandler(svc)

	rec := httptest.NewRecorder()
	h.Echo(rec, httptest.NewRequest(http.MethodPost, "/dimse/echo", strings.NewReader(`{"peerIndex":0}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp echoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "PACS", resp.Peer)
	assert.NotEmpty(t, resp.Error)
}

func TestEchoPeerIndexOutOfRange(t *testing.T) {
	svc, _ := newTestService(t, false)
	h := NewManagementHandler(svc)

	rec := httptest.NewRecorder()
	h.Echo(rec, httptest.NewRequest(http.MethodPost, "/dimse/echo", strings.NewReader(`{"peerIndex":5}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp echoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "out of range")
}

func TestEchoRejectsMalformedBody(t *testing.T) {
	svc, _ := newTestService(t, false)
	h := NewManagementHandler(svc)

	rec := httptest.NewRecorder()
	h.Echo(rec, httptest.NewRequest(http.MethodPost, "/dimse/echo", strings.NewReader(`{"peerIndex":`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheEndpoints(t *testing.T) {
	svc, files := newTestService(t, true)
	storeInstance(t, files, "1.2.3", "1.2.3.1", "1.2.3.1.1")
	h := NewManagementHandler(svc)

	rec := httptest.NewRecorder()
	h.CacheStatus(rec, httptest.NewRequest(http.MethodGet, "/cache/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Entries   int   `json:"entries"`
		SizeBytes int64 `json:"sizeBytes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Entries)
	assert.Positive(t, status.SizeBytes)

	rec = httptest.NewRecorder()
	h.CacheValidate(rec, httptest.NewRequest(http.MethodPost, "/cache/validate", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"droppedEntries":0}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.CacheClear(rec, httptest.NewRequest(http.MethodPost, "/cache/clear", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removedEntries":1}`, rec.Body.String())
}
