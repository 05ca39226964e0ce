// Package gateway delivers events to front-end clients over WebSocket and
// forwards their requests to a Dispatcher.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventSession is the first frame sent on every socket. It carries the
// client id used by the administrative endpoints.
const EventSession = "session"

const (
	defaultSendBuffer = 256
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
	maxFrameSize      = 64 << 10
)

// Dispatcher receives the lifecycle and requests of clients.
type Dispatcher interface {
	Connect(clientID string)
	Disconnect(clientID string)
	Dispatch(clientID, event string, data json.RawMessage) error
}

// Frame is the JSON envelope of every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Options configures a Hub.
type Options struct {
	// AllowedOrigins lists the origins allowed to open a socket. "*" allows
	// any origin; an empty list only allows same-host requests.
	AllowedOrigins []string
	// SendBuffer is the number of frames queued per client before new frames
	// are dropped.
	SendBuffer int
	Logger     *slog.Logger
}

// Hub tracks connected clients. A slow client loses frames; it never blocks
// the sender.
type Hub struct {
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *slog.Logger

	mu         sync.RWMutex
	dispatcher Dispatcher
	conns      map[string]*conn
}

// New creates a Hub. SetDispatcher must be called before serving.
func New(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
		sendBuffer: opts.SendBuffer,
		logger:     opts.Logger.With(slog.String("component", "gateway")),
		conns:      make(map[string]*conn),
	}
}

// SetDispatcher installs the receiver of client requests.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = d
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	wildcard := false
	for _, o := range allowed {
		if strings.TrimSpace(o) == "*" {
			wildcard = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if wildcard || origin == "" {
			return true
		}
		if len(allowed) > 0 {
			return OriginAllowed(origin, allowed)
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// OriginAllowed matches origin against exact entries and "*.domain"
// wildcards, ignoring case and trailing slashes.
func OriginAllowed(origin string, allowed []string) bool {
	origin = strings.ToLower(strings.TrimRight(origin, "/"))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimRight(strings.TrimSpace(a), "/"))
		if origin == a {
			return true
		}
		if domain, ok := strings.CutPrefix(a, "*."); ok {
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}

// EmitTo queues an event for one client. Unknown clients are ignored.
func (h *Hub) EmitTo(clientID, event string, data any) {
	b, ok := h.encode(event, data)
	if !ok {
		return
	}
	h.mu.RLock()
	c := h.conns[clientID]
	h.mu.RUnlock()
	if c != nil {
		c.enqueue(b)
	}
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(event string, data any) {
	b, ok := h.encode(event, data)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(b)
	}
}

func (h *Hub) encode(event string, data any) ([]byte, bool) {
	b, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		h.logger.Error("encode frame", slog.String("event", event), slog.Any("err", err))
		return nil, false
	}
	return b, true
}

// Disconnect closes the socket of a client. It reports whether the client
// was connected.
func (h *Hub) Disconnect(clientID string) bool {
	h.mu.RLock()
	c := h.conns[clientID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	c.close()
	return true
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close closes every socket.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.close()
	}
}

func (h *Hub) register(c *conn) Dispatcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	return h.dispatcher
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
}

// ServeHTTP upgrades the request and serves the client until its socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("origin", r.Header.Get("Origin")),
			slog.Any("err", err))
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger,
	}
	c.logger = h.logger.With(slog.String("client_id", c.id))

	d := h.register(c)
	if b, ok := h.encode(EventSession, map[string]string{"id": c.id}); ok {
		c.enqueue(b)
	}
	if d != nil {
		d.Connect(c.id)
	}
	c.logger.Info("client connected", slog.String("remote", r.RemoteAddr))

	go c.writeLoop()
	c.readLoop(d)

	c.close()
	h.unregister(c)
	if d != nil {
		d.Disconnect(c.id)
	}
	c.logger.Info("client disconnected")
}
