// Package orchestrator owns every client's upstream sessions: it opens them on
// request, reacts to their failures through the retry supervisor, and forwards
// their events to the gateway.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/retry"
	"github.com/john/multichat/internal/telemetry"
	"github.com/john/multichat/internal/upstream"
)

// Status is the connection state of one platform for one client.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Scope selects who receives chat and alert events.
type Scope string

const (
	ScopeClient Scope = "client"
	ScopeAll    Scope = "all"
)

const (
	defaultConnectTimeout = 10 * time.Second
	badgeTimeout          = 10 * time.Second
)

// ErrUnknownClient is returned for operations on a client that is not connected.
var ErrUnknownClient = errors.New("unknown client")

var errStale = errors.New("attempt superseded")

// Emitter delivers events to connected clients. Calls must not block.
type Emitter interface {
	EmitTo(clientID, event string, data any)
	Broadcast(event string, data any)
}

// BadgeFetcher loads the badge image table of a channel.
type BadgeFetcher interface {
	FetchBadges(ctx context.Context, channel string) (map[string]string, error)
}

// Platform wires one upstream into the orchestrator. Badges is optional.
type Platform struct {
	Factory upstream.Factory
	Badges  BadgeFetcher
}

// Config holds the orchestrator dependencies.
type Config struct {
	Platforms      map[message.Platform]Platform
	Supervisor     *retry.Supervisor
	Emitter        Emitter
	ConnectTimeout time.Duration
	Scope          Scope
	Logger         *slog.Logger
}

// Orchestrator is the registry of connected clients.
type Orchestrator struct {
	platforms      map[message.Platform]Platform
	sup            *retry.Supervisor
	emitter        Emitter
	connectTimeout time.Duration
	scope          Scope
	logger         *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

type platformState struct {
	status  Status
	channel string
	session upstream.Session
	// epoch changes on every join, manual retry and disconnect; seq changes
	// on every attempt. Continuations compare both before acting.
	epoch uint64
	seq   uint64
}

type client struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	platforms map[message.Platform]*platformState
	badges    map[message.Platform]map[string]string
}

func (c *client) state(p message.Platform) *platformState {
	ps, ok := c.platforms[p]
	if !ok {
		ps = &platformState{status: StatusIdle}
		c.platforms[p] = ps
	}
	return ps
}

// current reports whether an attempt is still the latest for its platform.
// Callers hold c.mu.
func (c *client) current(p message.Platform, epoch, seq uint64) bool {
	ps := c.state(p)
	return !c.closed && ps.epoch == epoch && ps.seq == seq
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeClient
	}
	if cfg.Supervisor == nil {
		cfg.Supervisor = retry.NewSupervisor(retry.DefaultPolicy())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		platforms:      cfg.Platforms,
		sup:            cfg.Supervisor,
		emitter:        cfg.Emitter,
		connectTimeout: cfg.ConnectTimeout,
		scope:          cfg.Scope,
		logger:         cfg.Logger.With(slog.String("component", "orchestrator")),
		clients:        make(map[string]*client),
	}
}

// Connect registers a new client. Registering an existing id is a no-op.
func (o *Orchestrator) Connect(clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.clients[clientID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.clients[clientID] = &client{
		id:        clientID,
		ctx:       ctx,
		cancel:    cancel,
		platforms: make(map[message.Platform]*platformState),
		badges:    make(map[message.Platform]map[string]string),
	}
	telemetry.SetClients(len(o.clients))
	o.logger.Debug("client registered", slog.String("client_id", clientID))
}

// Disconnect closes every session of the client, cancels its pending retries
// and forgets it. Nothing is emitted to the client afterwards.
func (o *Orchestrator) Disconnect(clientID string) {
	o.mu.Lock()
	c, ok := o.clients[clientID]
	delete(o.clients, clientID)
	telemetry.SetClients(len(o.clients))
	o.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.closed = true
	var sessions []upstream.Session
	for p, ps := range c.platforms {
		if ps.session != nil {
			sessions = append(sessions, ps.session)
			if ps.status == StatusConnected {
				telemetry.AddSessions(string(p), -1)
			}
		}
		ps.session = nil
		ps.status = StatusIdle
		ps.epoch++
	}
	c.badges = nil
	c.mu.Unlock()

	c.cancel()
	o.sup.CancelAll(clientID)
	for _, s := range sessions {
		s.Close()
	}
	o.logger.Info("client disconnected", slog.String("client_id", clientID), slog.Int("sessions_closed", len(sessions)))
}

func (o *Orchestrator) lookup(clientID string) (*client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	return c, nil
}

// Join starts connecting a client to a platform channel, replacing any
// previous session for that platform. It returns before the connection is
// established; progress is reported through the Emitter.
func (o *Orchestrator) Join(clientID string, p message.Platform, channel string) error {
	c, err := o.lookup(clientID)
	if err != nil {
		return err
	}

	channel = strings.TrimSpace(channel)
	if channel == "" {
		o.emitter.EmitTo(clientID, message.EventWarning, Warning{
			Message:  fmt.Sprintf("A %s channel name is required", p),
			Platform: p,
		})
		return upstream.Errorf(upstream.KindValidation, p, "join", "empty channel name")
	}
	if _, ok := o.platforms[p]; !ok {
		o.emitter.EmitTo(clientID, message.EventWarning, Warning{
			Message:  fmt.Sprintf("%s is not enabled on this server", p),
			Platform: p,
		})
		return upstream.Errorf(upstream.KindValidation, p, "join", "platform not enabled")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	ps := c.state(p)
	o.sup.Cancel(retry.Key{ClientID: clientID, Platform: p})
	old, oldStatus := ps.session, ps.status
	ps.session = nil
	ps.epoch++
	ps.seq++
	ps.status = StatusConnecting
	ps.channel = channel
	epoch, seq := ps.epoch, ps.seq
	c.mu.Unlock()

	if old != nil {
		if oldStatus == StatusConnected {
			telemetry.AddSessions(string(p), -1)
		}
		old.Close()
	}

	o.logger.Info("joining channel",
		slog.String("client_id", clientID),
		slog.String("platform", string(p)),
		slog.String("channel", channel))

	go func() {
		defer o.recoverPanic(clientID, p)
		o.prefetchBadges(c, p, channel, epoch)
		o.attempt(c, p, channel, epoch, seq, false)
	}()
	return nil
}

// Retry is the client initiated re-entry point. It is accepted after a
// terminal failure, while idle, and while an automatic retry is pending.
// An empty channel reuses the last requested one.
func (o *Orchestrator) Retry(clientID string, p message.Platform, channel string) error {
	c, err := o.lookup(clientID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ps := c.state(p)
	status := ps.status
	if strings.TrimSpace(channel) == "" {
		channel = ps.channel
	}
	c.mu.Unlock()

	switch status {
	case StatusConnecting, StatusConnected:
		o.emitter.EmitTo(clientID, message.EventWarning, Warning{
			Message:  fmt.Sprintf("%s is already %s", p, status),
			Platform: p,
		})
		return nil
	}
	return o.Join(clientID, p, channel)
}

// Status returns the connection state of a platform for a client.
func (o *Orchestrator) Status(clientID string, p message.Platform) Status {
	c, err := o.lookup(clientID)
	if err != nil {
		return StatusIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(p).status
}

// Badges returns a copy of the cached badge table of a client.
func (o *Orchestrator) Badges(clientID string) ChannelBadges {
	c, err := o.lookup(clientID)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.badgeSnapshot()
}

// Stats summarises the registry for health reporting.
type Stats struct {
	Clients  int                                 `json:"clients"`
	Sessions map[message.Platform]int            `json:"sessions"`
	Statuses map[message.Platform]map[Status]int `json:"statuses"`
}

// Stats returns the number of clients and connected sessions per platform.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	clients := make([]*client, 0, len(o.clients))
	for _, c := range o.clients {
		clients = append(clients, c)
	}
	o.mu.Unlock()

	st := Stats{
		Clients:  len(clients),
		Sessions: make(map[message.Platform]int),
		Statuses: make(map[message.Platform]map[Status]int),
	}
	for _, c := range clients {
		c.mu.Lock()
		for p, ps := range c.platforms {
			if st.Statuses[p] == nil {
				st.Statuses[p] = make(map[Status]int)
			}
			st.Statuses[p][ps.status]++
			if ps.status == StatusConnected {
				st.Sessions[p]++
			}
		}
		c.mu.Unlock()
	}
	return st
}

// Shutdown disconnects every client.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.clients))
	for id := range o.clients {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.Disconnect(id)
	}
}

func (o *Orchestrator) recoverPanic(clientID string, p message.Platform) {
	if r := recover(); r != nil {
		o.logger.Error("panic in connection goroutine",
			slog.String("client_id", clientID),
			slog.String("platform", string(p)),
			slog.Any("panic", r))
	}
}
