package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paparats/paparats/internal/registry"
)

func newTestServer() *Server {
	return NewServer(Config{Registry: registry.New()})
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleSearch_RejectsMissingGroup(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s.handleSearch, "/api/search", searchRequest{Query: "find thing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearch_RejectsMissingQuery(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s.handleSearch, "/api/search", searchRequest{Group: "g"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearch_RejectsMalformedBody(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.handleSearch(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIndex_RejectsMissingProject(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s.handleIndex, "/api/index", indexRequest{Group: "g"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIndex_RejectsEmptyFiles(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s.handleIndex, "/api/index", indexRequest{Group: "g", Project: "p"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFileChanged_RejectsUnregisteredProject(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s.handleFileChanged, "/api/file-changed", fileChangedRequest{
		Group: "g", Project: "p", Path: "a.go", Content: "package a",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFileChanged_RejectsMissingFields(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s.handleFileChanged, "/api/file-changed", fileChangedRequest{Group: "g"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFileDeleted_RejectsMissingFields(t *testing.T) {
	s := newTestServer()
	rec := postJSON(t, s.handleFileDeleted, "/api/file-deleted", fileDeletedRequest{Group: "g"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth_ReturnsOkWhenNotDraining(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleHealth_Returns503WhenDraining(t *testing.T) {
	s := newTestServer()
	s.BeginDraining()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleStats_ReturnsRegisteredProjectCount(t *testing.T) {
	s := newTestServer()
	_, err := s.registry.EnsureDefault("g", "p")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	s.handleStats(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.RegisteredProjects)
}

func TestDrainGate_BlocksNonHealthRoutesWhenDraining(t *testing.T) {
	s := newTestServer()
	s.BeginDraining()

	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDrainGate_AllowsHealthRouteWhenDraining(t *testing.T) {
	s := newTestServer()
	s.BeginDraining()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
