package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whookdev/chatrelay/internal/config"
	"github.com/whookdev/chatrelay/internal/models"
	"github.com/whookdev/chatrelay/internal/relay"
	"github.com/whookdev/chatrelay/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUpstream answers every call with {"choices":[]} and records the path
// and credential it saw.
type fakeUpstream struct {
	*httptest.Server
	mu   sync.Mutex
	path string
	auth string
}

func (u *fakeUpstream) last() (path, auth string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.path, u.auth
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.path = r.URL.Path
		u.auth = r.Header.Get("Authorization")
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[]}`)
	}))
	t.Cleanup(u.Close)
	return u
}

func newTestServer(t *testing.T, env string) (*Server, *fakeUpstream, *storage.Memory) {
	t.Helper()
	upstream := newFakeUpstream(t)

	cfg := &config.Config{
		Host:            "127.0.0.1",
		Env:             env,
		UpstreamURL:     upstream.URL + "/v1/chat/completions",
		UpstreamTimeout: 5 * time.Second,
		MaxBodyBytes:    64,
		DevChatPrefix:   "/chat",
	}

	rl, err := relay.New(relay.Options{
		UpstreamURL: cfg.UpstreamURL,
		Timeout:     cfg.UpstreamTimeout,
		Validator:   relay.Chain(relay.MaxBytes(cfg.MaxBodyBytes), relay.WellFormedJSON),
	}, discardLogger())
	require.NoError(t, err)

	mem := storage.NewMemory()
	srv, err := New(cfg, rl, mem, discardLogger())
	require.NoError(t, err)
	return srv, upstream, mem
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_Validation(t *testing.T) {
	srv, _, mem := newTestServer(t, "production")

	_, err := New(nil, srv.relay, mem, discardLogger())
	assert.Error(t, err)
	_, err = New(srv.cfg, nil, mem, discardLogger())
	assert.Error(t, err)
	_, err = New(srv.cfg, srv.relay, nil, discardLogger())
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, "production")

	rec := do(t, srv.Handler(), http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","tunnels":0}`, rec.Body.String())
}

func TestChatRoutes(t *testing.T) {
	srv, upstream, _ := newTestServer(t, "production")
	auth := map[string]string{"Authorization": "Bearer sk-test", "Content-Type": "application/json"}

	tests := []struct {
		name       string
		method     string
		path       string
		headers    map[string]string
		wantStatus int
		wantBody   string
	}{
		{"relays chat", http.MethodPost, "/api/chat", auth, http.StatusOK, `{"choices":[]}`},
		{"completions alias", http.MethodPost, "/api/chat/completions", auth, http.StatusOK, `{"choices":[]}`},
		{"GET is rejected", http.MethodGet, "/api/chat", auth, http.StatusMethodNotAllowed, `{"error":"Method not allowed"}`},
		{"PUT is rejected", http.MethodPut, "/api/chat", auth, http.StatusMethodNotAllowed, `{"error":"Method not allowed"}`},
		{"missing credential", http.MethodPost, "/api/chat", nil, http.StatusUnauthorized, `{"error":"Missing API key"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv.Handler(), tc.method, tc.path, `{"model":"x"}`, tc.headers)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.JSONEq(t, tc.wantBody, rec.Body.String())
		})
	}

	gotPath, gotAuth := upstream.last()
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

var userA = map[string]string{"Authorization": "Bearer sk-user-a"}

func scopedFor(headers map[string]string, key string) string {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", headers["Authorization"])
	return scopedKey(callerScope(req), key)
}

func TestStateSlots(t *testing.T) {
	srv, _, mem := newTestServer(t, "production")
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/state/theme", "", userA)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/api/state/theme", `{"mode":"dark"}`, userA)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/state/theme", "", userA)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"mode":"dark"}`, rec.Body.String())

	v, ok, err := mem.Get(t.Context(), scopedFor(userA, "theme"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"mode":"dark"}`, v)
}

func TestStateSlots_RequireCredential(t *testing.T) {
	srv, _, _ := newTestServer(t, "production")
	h := srv.Handler()

	rec := do(t, h, http.MethodPut, "/api/state/api_key", "sk-secret", userA)
	require.Equal(t, http.StatusNoContent, rec.Code)

	for _, method := range []string{http.MethodGet, http.MethodPut} {
		rec = do(t, h, method, "/api/state/api_key", "stolen", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"Missing API key"}`, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/state/api_key", "", userA)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sk-secret", rec.Body.String())
}

func TestStateSlots_ScopedPerCaller(t *testing.T) {
	srv, _, _ := newTestServer(t, "production")
	h := srv.Handler()
	userB := map[string]string{"Authorization": "Bearer sk-user-b"}

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/api/state/model", "gpt-4o", userA).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/api/state/model", "gpt-4o-mini", userB).Code)

	assert.Equal(t, "gpt-4o", do(t, h, http.MethodGet, "/api/state/model", "", userA).Body.String())
	assert.Equal(t, "gpt-4o-mini", do(t, h, http.MethodGet, "/api/state/model", "", userB).Body.String())
	assert.Equal(t, http.StatusNotFound,
		do(t, h, http.MethodGet, "/api/state/model", "", map[string]string{"Authorization": "Bearer other"}).Code)
}

func TestStateSlots_EscapedKey(t *testing.T) {
	srv, _, mem := newTestServer(t, "production")

	rec := do(t, srv.Handler(), http.MethodPut, "/api/state/chat%2Fhistory", "[]", userA)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok, err := mem.Get(t.Context(), scopedFor(userA, "chat/history"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStateSlots_BodyTooLarge(t *testing.T) {
	srv, _, _ := newTestServer(t, "production")

	rec := do(t, srv.Handler(), http.MethodPut, "/api/state/big", strings.Repeat("x", 65), userA)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStateSlots_MethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t, "production")

	rec := do(t, srv.Handler(), http.MethodDelete, "/api/state/theme", "", userA)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDevRewrite(t *testing.T) {
	t.Run("development forwards to upstream path", func(t *testing.T) {
		srv, upstream, _ := newTestServer(t, "development")

		rec := do(t, srv.Handler(), http.MethodPost, "/chat/anything", `{}`,
			map[string]string{"Authorization": "Bearer sk-dev"})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"choices":[]}`, rec.Body.String())
		path, auth := upstream.last()
		assert.Equal(t, "/v1/chat/completions", path)
		assert.Equal(t, "Bearer sk-dev", auth)
	})

	t.Run("production does not mount it", func(t *testing.T) {
		srv, _, _ := newTestServer(t, "production")

		rec := do(t, srv.Handler(), http.MethodPost, "/chat/anything", `{}`, nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestNewDevProxy_RejectsRelativeURL(t *testing.T) {
	_, err := newDevProxy("/v1/chat/completions", discardLogger())
	assert.Error(t, err)
}

func TestTunnelEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "production")
	ws := httptest.NewServer(srv.WSHandler())
	defer ws.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ws.URL, "http")+"/tunnel", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.ActiveTunnels() == 1 }, time.Second, 10*time.Millisecond)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk-test")
	require.NoError(t, conn.WriteJSON(models.Message{
		Type:      models.MessageTypeRequest,
		RequestID: "req-1",
		Headers:   headers,
		Body:      json.RawMessage(`{"model":"x"}`),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply models.Message
	require.NoError(t, conn.ReadJSON(&reply))

	assert.Equal(t, models.MessageTypeResponse, reply.Type)
	assert.Equal(t, http.StatusOK, reply.StatusCode)
	assert.JSONEq(t, `{"choices":[]}`, string(reply.Body))

	conn.Close()
	require.Eventually(t, func() bool { return srv.ActiveTunnels() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriteTimeout(t *testing.T) {
	assert.Zero(t, writeTimeout(0))
	assert.Equal(t, 75*time.Second, writeTimeout(60*time.Second))
}
