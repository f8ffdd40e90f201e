package mcpserver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTracker_ExpiredFalseForUnknownID(t *testing.T) {
	tr := newSessionTracker(time.Minute)
	assert.False(t, tr.expired("never-seen"))
}

func TestSessionTracker_ExpiredFalseWhileFresh(t *testing.T) {
	tr := newSessionTracker(time.Hour)
	tr.touch("s1")
	assert.False(t, tr.expired("s1"))
}

func TestSessionTracker_ExpiredTrueAfterIdleTimeout(t *testing.T) {
	tr := newSessionTracker(time.Millisecond)
	tr.touch("s1")
	time.Sleep(5 * time.Millisecond)
	assert.True(t, tr.expired("s1"))
	assert.False(t, tr.expired("s1")) // consumed: removed from the map
}

func TestSessionTracker_SweepRemovesOnlyIdleEntries(t *testing.T) {
	tr := newSessionTracker(time.Millisecond)
	tr.touch("stale")
	time.Sleep(5 * time.Millisecond)
	tr.touch("fresh")
	tr.sweep()

	tr.mu.Lock()
	_, staleStillThere := tr.lastSeen["stale"]
	_, freshStillThere := tr.lastSeen["fresh"]
	tr.mu.Unlock()

	assert.False(t, staleStillThere)
	assert.True(t, freshStillThere)
}

func TestSessionTracker_WrapStripsExpiredHeaderAndTouchesNewOne(t *testing.T) {
	tr := newSessionTracker(time.Millisecond)
	tr.touch("old-session")
	time.Sleep(5 * time.Millisecond)

	var sawHeader string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHeader = r.Header.Get(sessionHeader)
		w.Header().Set(sessionHeader, "new-session")
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set(sessionHeader, "old-session")
	rec := httptest.NewRecorder()

	tr.wrap(inner).ServeHTTP(rec, req)

	assert.Equal(t, "", sawHeader, "expired session header should be stripped before forwarding")
	assert.False(t, tr.expired("new-session"))
}

func TestIsInitializeRequest_DetectsInitializeMethod(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(`{"method":"initialize","id":1}`)))
	assert.True(t, isInitializeRequest(req))
}

func TestIsInitializeRequest_FalseForOtherMethods(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(`{"method":"tools/call","id":1}`)))
	assert.False(t, isInitializeRequest(req))
}

func TestRewriteInitializeResponse_PatchesProtocolVersionAndServerName(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-06-18","serverInfo":{"name":"other","version":"1.0"}}}`)
	out := rewriteInitializeResponse(body)
	assert.Contains(t, string(out), `"protocolVersion":"2024-11-05"`)
	assert.Contains(t, string(out), `"name":"paparats-mcp"`)
}

func TestRewriteInitializeResponse_LeavesMalformedBodyUntouched(t *testing.T) {
	body := []byte(`not json`)
	out := rewriteInitializeResponse(body)
	assert.Equal(t, body, out)
}

func TestPatchProtocolVersion_PassesThroughNonInitializeRequests(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("stream-data"))
	})
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()

	patchProtocolVersion(inner).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stream-data", rec.Body.String())
}
