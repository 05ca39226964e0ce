// Package twitch connects to Twitch chat over IRC and fetches chat badges from Helix.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/telemetry"
	"github.com/john/multichat/internal/upstream"
)

// ircClient is the subset of *twitch.Client used by Session.
type ircClient interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	OnUserNoticeMessage(func(twitch.UserNoticeMessage))
	OnSelfJoinMessage(func(twitch.UserJoinMessage))
	OnReconnectMessage(func(twitch.ReconnectMessage))
	OnNoticeMessage(func(twitch.NoticeMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// newIRCClient points the library at the session relay. The relay already
// speaks TLS to Twitch, so the loopback hop is plain TCP.
func newIRCClient(username, oauth, addr string) ircClient {
	c := twitch.NewClient(username, oauth)
	c.IrcAddress = addr
	c.TLS = false
	return c
}

// Credentials identify the bot account used to read chat.
type Credentials struct {
	Username string
	OAuth    string
}

// notices that mean the channel cannot be joined at all.
var fatalJoinNotices = map[string]bool{
	"msg_channel_suspended": true,
	"msg_banned":            true,
	"tos_ban":               true,
	"msg_room_not_found":    true,
}

// Session is one IRC connection joined to one channel.
type Session struct {
	creds     Credentials
	newClient func(username, oauth, addr string) ircClient
	dial      dialFunc
	handler   upstream.Handler
	logger    *slog.Logger

	ready    chan struct{}
	failed   chan error
	done     chan struct{}
	doneOnce sync.Once
	// stopped is closed when the library's Connect loop has returned.
	stopped  chan struct{}

	mu       sync.Mutex
	client   ircClient
	relay    *relay
	channel  string
	connects int
	started  bool
	isReady  bool
	closed   bool
}

// NewFactory returns an upstream.Factory creating Twitch sessions.
func NewFactory(creds Credentials, logger *slog.Logger) upstream.Factory {
	return func(h upstream.Handler) upstream.Session {
		return NewSession(creds, h, logger)
	}
}

// NewSession creates an unconnected session.
func NewSession(creds Credentials, h upstream.Handler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		creds:     creds,
		newClient: newIRCClient,
		dial:      dialTLS(DefaultIRCAddress),
		handler:   h,
		logger:    logger.With(slog.String("platform", string(message.Twitch))),
		ready:     make(chan struct{}),
		failed:    make(chan error, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Connect logs in with the server credentials and joins channel. It returns
// once the server confirms the join.
func (s *Session) Connect(ctx context.Context, channel string) error {
	channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	if channel == "" {
		return upstream.Errorf(upstream.KindValidation, message.Twitch, "connect", "empty channel name")
	}
	if s.creds.Username == "" || s.creds.OAuth == "" {
		return upstream.Errorf(upstream.KindAuth, message.Twitch, "login", "twitch credentials not configured")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return upstream.Wrap(message.Twitch, "connect", upstream.ErrClosed)
	}
	if s.started {
		s.mu.Unlock()
		return upstream.Errorf(upstream.KindValidation, message.Twitch, "connect", "session already used")
	}
	s.started = true
	s.channel = channel
	r, err := listenRelay(s.dial)
	if err != nil {
		s.mu.Unlock()
		close(s.stopped)
		return upstream.Wrap(message.Twitch, "connect", err)
	}
	client := s.newClient(s.creds.Username, s.creds.OAuth, r.addr())
	s.client = client
	s.relay = r
	s.mu.Unlock()

	s.register(client)
	client.Join(channel)

	go func() {
		defer close(s.stopped)
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("twitch client panic", slog.Any("panic", p))
				s.drop(fmt.Errorf("client panic: %v", p))
			}
		}()
		err := client.Connect()
		if rerr := r.Err(); rerr != nil && !errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			err = rerr
		}
		if err == nil || errors.Is(err, twitch.ErrClientDisconnected) {
			err = errors.New("connection closed")
		}
		r.Close()
		s.drop(err)
	}()

	select {
	case <-s.ready:
		s.logger.Info("joined channel", slog.String("channel", channel))
		return nil
	case err := <-s.failed:
		return classify(err)
	case <-s.done:
		return upstream.Wrap(message.Twitch, "connect", upstream.ErrClosed)
	case <-ctx.Done():
		s.Close()
		return upstream.Wrap(message.Twitch, "connect", ctx.Err())
	}
}

func classify(err error) error {
	if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
		return &upstream.Error{Kind: upstream.KindAuth, Platform: message.Twitch, Op: "login", Err: err}
	}
	return upstream.Wrap(message.Twitch, "connect", err)
}

func (s *Session) register(c ircClient) {
	c.OnConnect(func() {
		s.mu.Lock()
		s.connects++
		again := s.connects > 1
		closed := s.closed
		s.mu.Unlock()

		switch {
		case closed:
			go c.Disconnect()
		case again:
			// The library reconnected on its own; retries belong to the supervisor.
			s.drop(errors.New("connection was reset"))
		}
	})

	c.OnSelfJoinMessage(func(m twitch.UserJoinMessage) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			go c.Disconnect()
			return
		}
		if s.isReady || !strings.EqualFold(m.Channel, s.channel) {
			s.mu.Unlock()
			return
		}
		s.isReady = true
		s.mu.Unlock()
		close(s.ready)
	})

	c.OnReconnectMessage(func(twitch.ReconnectMessage) {
		s.drop(errors.New("server requested reconnect"))
	})

	c.OnNoticeMessage(func(m twitch.NoticeMessage) {
		s.logger.Debug("notice", slog.String("msg_id", m.MsgID), slog.String("message", m.Message))
		if fatalJoinNotices[m.MsgID] {
			s.fail(upstream.Errorf(upstream.KindValidation, message.Twitch, "join", "%s", m.Message))
		}
	})

	c.OnPrivateMessage(s.onPrivateMessage)
	c.OnUserNoticeMessage(s.onUserNotice)
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isReady && !s.closed
}

// fail aborts a pending join. After the join it is a drop.
func (s *Session) fail(err error) {
	s.mu.Lock()
	ready := s.isReady
	s.mu.Unlock()
	if ready {
		s.drop(err)
		return
	}
	select {
	case s.failed <- err:
	default:
	}
	s.shutdown()
}

// drop ends the session after an upstream failure. A ready session reports it
// once through the handler; a pending Connect returns it instead.
func (s *Session) drop(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ready := s.isReady
	s.mu.Unlock()

	s.stopClient()
	if !ready {
		select {
		case s.failed <- reason:
		default:
		}
		return
	}
	s.logger.Info("connection dropped", slog.Any("err", reason))
	s.handler.OnDisconnect(upstream.Wrap(message.Twitch, "read", reason))
}

func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.stopClient()
}

func (s *Session) onPrivateMessage(m twitch.PrivateMessage) {
	if !s.live() || strings.EqualFold(m.User.Name, s.creds.Username) {
		return
	}

	tags := m.Tags
	if tags != nil && tags["display-name"] == "" {
		tags = copyTags(tags)
		tags["display-name"] = m.User.Name
	}
	msg, err := message.FromTwitch(tags, m.Message)
	if err != nil || !msg.IsValid() {
		telemetry.IncDroppedFrame(string(message.Twitch))
		s.logger.Debug("dropping chat line", slog.Any("err", err))
		return
	}
	s.handler.OnChat(msg)
}

func copyTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *Session) onUserNotice(m twitch.UserNoticeMessage) {
	if !s.live() {
		return
	}

	user := m.User.DisplayName
	if user == "" {
		user = m.User.Name
	}
	params := m.MsgParams
	meta := message.AlertMeta{Tier: Tier(params["msg-param-sub-plan"]), Message: m.Message}

	var alert message.AlertEvent
	switch m.MsgID {
	case "sub":
		alert = message.NewSubscription(message.Twitch, user, meta)
	case "resub":
		months, _ := strconv.Atoi(params["msg-param-cumulative-months"])
		alert = message.NewResubscription(message.Twitch, user, months, meta)
	case "subgift":
		recipient := params["msg-param-recipient-display-name"]
		if recipient == "" {
			recipient = params["msg-param-recipient-user-name"]
		}
		alert = message.NewGiftSingle(message.Twitch, user, recipient, meta)
	case "submysterygift":
		meta.Count, _ = strconv.Atoi(params["msg-param-mass-gift-count"])
		alert = message.NewGiftBatch(message.Twitch, user, meta)
	default:
		return
	}
	if !alert.IsValid() {
		telemetry.IncDroppedFrame(string(message.Twitch))
		return
	}
	s.handler.OnAlert(alert)
}

// Tier converts a msg-param-sub-plan value to a display label.
func Tier(plan string) string {
	if plan == "Prime" {
		return "Prime"
	}
	n, err := strconv.Atoi(plan)
	if err != nil || n < 1000 {
		return "Tier 1"
	}
	return fmt.Sprintf("Tier %d", n/1000)
}

// Close disconnects from IRC. It is idempotent, never reports a disconnect,
// and unblocks a pending Connect.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.closeDone()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeDone()
	s.stopClient()
	return nil
}

// stopClient ends the upstream connection. The library ignores Disconnect
// until the server's welcome, so closing the relay is what releases the
// socket and stops the library from redialing.
func (s *Session) stopClient() {
	s.mu.Lock()
	client, r := s.client, s.relay
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
	if client != nil {
		go client.Disconnect()
	}
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
