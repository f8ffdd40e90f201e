package mcpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// sessionHeader is the header name the streamable HTTP transport uses
// to carry a session id across an MCP connection's requests.
const sessionHeader = "Mcp-Session-Id"

// defaultIdleTimeout is how long a session may go unused before a
// later request for it is treated as a fresh session, per spec
// §4.15's "unknown session id is transparently accepted as new" rule.
const defaultIdleTimeout = 30 * time.Minute

// NewHandler builds the HTTP surface for both tool sets: /mcp, /sse,
// and /messages for the coding set; the same three under /support/
// for the support set. All three paths per set front the same
// session-aware streamable handler — /sse and /messages are kept as
// aliases for clients still targeting the older HTTP+SSE transport
// naming, while /mcp is the primary Streamable HTTP entry point.
func NewHandler(deps Deps) http.Handler {
	coding := BuildCodingServer(deps)
	support := BuildSupportServer(deps)

	codingHandler := newSessionAwareHandler(coding)
	supportHandler := newSessionAwareHandler(support)

	r := chi.NewRouter()
	for _, path := range []string{"/mcp", "/sse", "/messages"} {
		r.Handle(path, codingHandler)
	}
	for _, path := range []string{"/support/mcp", "/support/sse", "/support/messages"} {
		r.Handle(path, supportHandler)
	}
	return r
}

// newSessionAwareHandler wraps the go-sdk's streamable HTTP handler
// with this server's idle-timeout and protocol-version pinning.
func newSessionAwareHandler(s *mcp.Server) http.Handler {
	base := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s }, nil)
	sessions := newSessionTracker(defaultIdleTimeout)
	go sessions.reapForever(defaultIdleTimeout)
	return sessions.wrap(patchProtocolVersion(base))
}

// reapForever periodically sweeps idle sessions for the life of the
// process; there is one tracker per tool-set handler, so this is the
// only place session memory is bounded.
func (t *sessionTracker) reapForever(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		t.sweep()
	}
}

// sessionTracker records each session id's last-seen time so an idle
// session can be treated as unknown — and therefore transparently
// restarted — without depending on the underlying transport's own
// session bookkeeping.
type sessionTracker struct {
	mu          sync.Mutex
	lastSeen    map[string]time.Time
	idleTimeout time.Duration
}

func newSessionTracker(idleTimeout time.Duration) *sessionTracker {
	return &sessionTracker{lastSeen: make(map[string]time.Time), idleTimeout: idleTimeout}
}

func (t *sessionTracker) touch(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[id] = time.Now()
}

// expired reports whether id was seen before but has since gone idle
// past the timeout. An id never seen is NOT expired here — it may be
// a session minted before this process's lifetime in a multi-replica
// deployment, and the underlying transport is left to judge it.
func (t *sessionTracker) expired(id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	seen, ok := t.lastSeen[id]
	if !ok {
		return false
	}
	if time.Since(seen) > t.idleTimeout {
		delete(t.lastSeen, id)
		return true
	}
	return false
}

// sweep purges idle entries so the map does not grow unbounded across
// a long-lived process. Intended to run periodically from a
// background goroutine the caller owns.
func (t *sessionTracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, seen := range t.lastSeen {
		if time.Since(seen) > t.idleTimeout {
			delete(t.lastSeen, id)
		}
	}
}

func (t *sessionTracker) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(sessionHeader)
		if t.expired(id) {
			r.Header.Del(sessionHeader)
			id = ""
		}

		next.ServeHTTP(w, r)

		if newID := w.Header().Get(sessionHeader); newID != "" {
			t.touch(newID)
		} else if id != "" {
			t.touch(id)
		}
	})
}

// patchProtocolVersion rewrites an initialize JSON-RPC response's
// protocolVersion and serverInfo.name fields to this server's pinned
// values, since the go-sdk negotiates its own default revision. Only
// the POST carrying the "initialize" call is buffered and rewritten;
// every other request — in particular a long-lived SSE stream — is
// passed straight through unbuffered, since buffering would hold an
// open stream's bytes back indefinitely.
func patchProtocolVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !isInitializeRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		buf := &bufferingWriter{header: make(http.Header)}
		next.ServeHTTP(buf, r)

		body := buf.body.Bytes()
		if isJSONResponse(buf.header) {
			body = rewriteInitializeResponse(body)
			buf.header.Set("Content-Length", strconv.Itoa(len(body)))
		}

		for k, v := range buf.header {
			w.Header()[k] = v
		}
		status := buf.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})
}

// isInitializeRequest peeks the request body for a JSON-RPC
// "initialize" call without consuming it for the downstream handler.
func isInitializeRequest(r *http.Request) bool {
	if r.Body == nil {
		return false
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return bytes.Contains(data, []byte(`"method":"initialize"`)) ||
		bytes.Contains(data, []byte(`"method": "initialize"`))
}

// bufferingWriter captures a handler's response so patchProtocolVersion
// can inspect and optionally rewrite the body before it reaches the
// real client.
type bufferingWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferingWriter) Header() http.Header { return b.header }

func (b *bufferingWriter) WriteHeader(status int) { b.status = status }

func (b *bufferingWriter) Write(p []byte) (int, error) { return b.body.Write(p) }

func isJSONResponse(header http.Header) bool {
	ct := header.Get("Content-Type")
	return ct == "" || strings.HasPrefix(ct, "application/json")
}

func rewriteInitializeResponse(body []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	resultRaw, ok := envelope["result"]
	if !ok {
		return body
	}
	var result map[string]any
	if err := json.Unmarshal(resultRaw, &result); err != nil {
		return body
	}
	if _, ok := result["protocolVersion"]; ok {
		result["protocolVersion"] = protocolVersion
	}
	if info, ok := result["serverInfo"].(map[string]any); ok {
		info["name"] = serverName
	}
	patched, err := json.Marshal(result)
	if err != nil {
		return body
	}
	envelope["result"] = patched
	out, err := json.Marshal(envelope)
	if err != nil {
		return body
	}
	return out
}
