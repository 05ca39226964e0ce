package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/mock"
	"github.com/john/multichat/internal/orchestrator"
)

type fakeGateway struct {
	mu           sync.Mutex
	open         map[string]bool
	disconnected []string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (g *fakeGateway) Disconnect(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnected = append(g.disconnected, id)
	return g.open[id]
}

func (g *fakeGateway) Count() int { return len(g.open) }

type fakeRegistry struct {
	mu           sync.Mutex
	disconnected []string
}

func (r *fakeRegistry) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, id)
}

func (r *fakeRegistry) Stats() orchestrator.Stats {
	return orchestrator.Stats{
		Clients:  2,
		Sessions: map[message.Platform]int{message.Kick: 1},
		Statuses: map[message.Platform]map[orchestrator.Status]int{
			message.Kick:   {orchestrator.StatusConnected: 1},
			message.Twitch: {orchestrator.StatusFailed: 1},
		},
	}
}

type broadcasts struct {
	mu     sync.Mutex
	events []string
}

func (b *broadcasts) Broadcast(event string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

type fixture struct {
	srv      *httptest.Server
	gateway  *fakeGateway
	registry *fakeRegistry
	sent     *broadcasts
	gen      *mock.Generator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		gateway:  &fakeGateway{open: map[string]bool{"c1": true}},
		registry: &fakeRegistry{},
		sent:     &broadcasts{},
	}
	f.gen = mock.New(f.sent, mock.Config{}, nil)
	t.Cleanup(func() { f.gen.Stop() })

	if opts.Services == nil {
		opts.Services = map[message.Platform]bool{message.Twitch: true, message.Kick: true}
	}
	s := New(opts, f.gateway, f.registry, f.gen, nil)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{Version: "test"})

	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, map[string]any{"twitch": true, "kick": true}, body["services"])
	conns := body["connections"].(map[string]any)
	assert.Equal(t, float64(1), conns["sockets"])
	assert.Equal(t, float64(2), conns["clients"])
	assert.Equal(t, map[string]any{"kick": float64(1)}, conns["sessions"])
	assert.Equal(t, false, body["mock"].(map[string]any)["isRunning"])
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	f := newFixture(t, Options{})
	resp, _ := f.do(t, http.MethodGet, "/health", "", http.Header{"X-Correlation-Id": {"abc-123"}})
	assert.Equal(t, "abc-123", resp.Header.Get("X-Correlation-ID"))
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	resp, _ := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketRoute(t *testing.T) {
	f := newFixture(t, Options{})
	resp, _ := f.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestDisconnectSelf(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.do(t, http.MethodPost, "/disconnect-self", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "missing")

	resp, body = f.do(t, http.MethodPost, "/disconnect-self?id=c1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []string{"c1"}, f.registry.disconnected)
	assert.Equal(t, []string{"c1"}, f.gateway.disconnected)

	resp, _ = f.do(t, http.MethodGet, "/disconnect-self?id=c1", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAdminToken(t *testing.T) {
	f := newFixture(t, Options{AdminToken: "s3cret"})

	resp, _ := f.do(t, http.MethodGet, "/test/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/test/status", "", http.Header{"X-Admin-Token": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/disconnect-self?id=c1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, f.registry.disconnected)

	resp, _ = f.do(t, http.MethodGet, "/test/status", "", http.Header{"X-Admin-Token": {"s3cret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/test/status", "", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMockLifecycle(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.do(t, http.MethodPost, "/test/start-mock", `{"interval":1000,"burstMode":true}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "started", body["status"])
	cfg := body["config"].(map[string]any)
	assert.Equal(t, float64(1000), cfg["interval"])
	assert.Equal(t, true, cfg["burstMode"])

	_, body = f.do(t, http.MethodGet, "/test/status", "", nil)
	assert.Equal(t, true, body["isRunning"])

	resp, body = f.do(t, http.MethodPost, "/test/stop-mock", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", body["status"])
	assert.False(t, f.gen.Status().Running)
}

func TestStartMockRejectsBadInput(t *testing.T) {
	f := newFixture(t, Options{})

	resp, _ := f.do(t, http.MethodPost, "/test/start-mock", `{"interval":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body := f.do(t, http.MethodPost, "/test/start-mock", `{"chatWeight":3}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "chatWeight")
}

func TestGenerate(t *testing.T) {
	f := newFixture(t, Options{})

	resp, body := f.do(t, http.MethodPost, "/test/generate/chat/twitch", `{"username":"bob","message":"hey"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	ev := body["event"].(map[string]any)
	assert.Equal(t, "twitch", ev["platform"])
	assert.Equal(t, "bob", ev["username"])
	assert.Equal(t, "hey", ev["message"])

	resp, body = f.do(t, http.MethodPost, "/test/generate/resub/kick", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev = body["event"].(map[string]any)
	assert.Equal(t, "resub", ev["type"])
	assert.Equal(t, float64(6), ev["months"])

	resp, _ = f.do(t, http.MethodPost, "/test/generate/raid/kick", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/test/generate/chat/youtube", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.sent.mu.Lock()
	defer f.sent.mu.Unlock()
	assert.Equal(t, []string{message.EventChatMessage, message.EventAlertMessage}, f.sent.events)
}

func TestMockDisabled(t *testing.T) {
	s := New(Options{}, &fakeGateway{}, &fakeRegistry{}, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/test/start-mock", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotContains(t, body, "mock")
}

func TestCORS(t *testing.T) {
	f := newFixture(t, Options{CORSOrigins: []string{"https://overlay.example.com", "*.streamer.tv"}})

	resp, _ := f.do(t, http.MethodOptions, "/test/start-mock", "", http.Header{"Origin": {"https://overlay.example.com"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://overlay.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = f.do(t, http.MethodGet, "/health", "", http.Header{"Origin": {"https://obs.streamer.tv"}})
	assert.Equal(t, "https://obs.streamer.tv", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = f.do(t, http.MethodGet, "/health", "", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
