package gateway

import (
	"encoding/json"
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
)

type dispatched struct {
	client string
	event  string
	data   string
}

type fakeDispatcher struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	requests     []dispatched
}

func (d *fakeDispatcher) Connect(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, id)
}

func (d *fakeDispatcher) Disconnect(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, id)
}

func (d *fakeDispatcher) Dispatch(id, event string, data json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, dispatched{id, event, string(data)})
	return nil
}

func (d *fakeDispatcher) snapshot() (connected, disconnected []string, requests []dispatched) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.connected...),
		append([]string(nil), d.disconnected...),
		append([]dispatched(nil), d.requests...)
}

func startHub(t *testing.T, opts Options) (*Hub, *fakeDispatcher, string) {
	t.Helper()
	hub := New(opts)
	d := &fakeDispatcher{}
	hub.SetDispatcher(d)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, d, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dial(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	f := readFrame(t, ws)
	require.Equal(t, EventSession, f.Event)
	var hello struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &hello))
	require.NotEmpty(t, hello.ID)
	return ws, hello.ID
}

func readFrame(t *testing.T, ws *websocket.Conn) received {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var f received
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestSessionFrameAndConnect(t *testing.T) {
	hub, d, url := startHub(t, Options{})
	_, id := dial(t, url)

	require.Eventually(t, func() bool {
		connected, _, _ := d.snapshot()
		return len(connected) == 1
	}, 2*time.Second, 5*time.Millisecond)
	connected, _, _ := d.snapshot()
	assert.Equal(t, id, connected[0])
	assert.Equal(t, 1, hub.Count())
}

func TestRequestsAreDispatched(t *testing.T) {
	_, d, url := startHub(t, Options{})
	ws, id := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"join-kick","data":{"channel":"abc"}}`)))

	require.Eventually(t, func() bool {
		_, _, reqs := d.snapshot()
		return len(reqs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, _, reqs := d.snapshot()
	assert.Equal(t, dispatched{id, "join-kick", `{"channel":"abc"}`}, reqs[0])
}

func TestEmitToAndBroadcast(t *testing.T) {
	hub, _, url := startHub(t, Options{})
	a, idA := dial(t, url)
	b, _ := dial(t, url)

	hub.EmitTo(idA, "platform-connected", map[string]string{"platform": "kick", "channel": "abc"})
	hub.EmitTo("nobody", "warning", map[string]string{"message": "lost"})
	hub.Broadcast("chat-message", map[string]string{"message": "hi"})

	f := readFrame(t, a)
	assert.Equal(t, "platform-connected", f.Event)
	assert.JSONEq(t, `{"platform":"kick","channel":"abc"}`, string(f.Data))
	assert.Equal(t, "chat-message", readFrame(t, a).Event)

	f = readFrame(t, b)
	assert.Equal(t, "chat-message", f.Event)
	assert.JSONEq(t, `{"message":"hi"}`, string(f.Data))
}

func TestEmitToPreservesOrder(t *testing.T) {
	hub, _, url := startHub(t, Options{})
	ws, id := dial(t, url)

	for i := 0; i < 50; i++ {
		hub.EmitTo(id, "chat-message", map[string]int{"n": i})
	}
	for i := 0; i < 50; i++ {
		var data struct{ N int }
		require.NoError(t, json.Unmarshal(readFrame(t, ws).Data, &data))
		require.Equal(t, i, data.N)
	}
}

func TestServerDisconnect(t *testing.T) {
	hub, d, url := startHub(t, Options{})
	ws, id := dial(t, url)

	assert.True(t, hub.Disconnect(id))
	assert.False(t, hub.Disconnect("nobody"))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool {
		_, disconnected, _ := d.snapshot()
		return len(disconnected) == 1 && hub.Count() == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, disconnected, _ := d.snapshot()
	assert.Equal(t, id, disconnected[0])
}

func TestClientClose(t *testing.T) {
	hub, d, url := startHub(t, Options{})
	ws, id := dial(t, url)

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()

	require.Eventually(t, func() bool {
		_, disconnected, _ := d.snapshot()
		return len(disconnected) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, disconnected, _ := d.snapshot()
	assert.Equal(t, id, disconnected[0])
	assert.Zero(t, hub.Count())

	// Emitting to a departed client is a no-op.
	hub.EmitTo(id, "warning", map[string]string{"message": "late"})
}

func TestSlowClientDropsFrames(t *testing.T) {
	hub := New(Options{SendBuffer: 2})
	c := &conn{id: "slow", send: make(chan []byte, 2), done: make(chan struct{}), logger: slog.Default()}
	hub.conns[c.id] = c

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.EmitTo("slow", "chat-message", i)
		}
		hub.Broadcast("chat-message", "all")
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a slow client")
	}
	assert.Len(t, c.send, 2)
	assert.JSONEq(t, `{"event":"chat-message","data":0}`, string(<-c.send))

	c.close()
	hub.EmitTo("slow", "chat-message", 99)
	assert.Len(t, c.send, 1)
}

func TestOriginAllowlist(t *testing.T) {
	_, _, url := startHub(t, Options{AllowedOrigins: []string{"https://overlay.example.com/"}})

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://overlay.example.com"}})
	require.NoError(t, err)
	ws.Close()
}

func TestOriginWildcardUpgrade(t *testing.T) {
	_, _, url := startHub(t, Options{AllowedOrigins: []string{"*.streamer.tv"}})

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://obs.streamer.tv"}})
	require.NoError(t, err)
	ws.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evilstreamer.tv"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", []string{"https://a.test"}, "", "srv", true},
		{"wildcard", []string{"*"}, "https://x.test", "srv", true},
		{"listed", []string{"https://a.test"}, "https://A.test", "srv", true},
		{"unlisted", []string{"https://a.test"}, "https://b.test", "srv", false},
		{"same host without list", nil, "http://srv:8080", "srv:8080", true},
		{"cross host without list", nil, "http://other:8080", "srv:8080", false},
		{"subdomain wildcard", []string{"*.streamer.tv"}, "https://obs.streamer.tv", "srv", true},
		{"wildcard apex", []string{"*.streamer.tv"}, "https://streamer.tv", "srv", true},
		{"wildcard lookalike", []string{"*.streamer.tv"}, "https://evilstreamer.tv", "srv", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(tt.allowed)(r))
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://a.test/", " *.b.test"}
	assert.True(t, OriginAllowed("https://a.test", allowed))
	assert.True(t, OriginAllowed("https://A.test/", allowed))
	assert.True(t, OriginAllowed("https://x.b.test", allowed))
	assert.True(t, OriginAllowed("https://b.test", allowed))
	assert.False(t, OriginAllowed("https://c.test", allowed))
	assert.False(t, OriginAllowed("https://evilb.test", allowed))
}
