// Package kick connects to Kick chatrooms over the Pusher WebSocket protocol.
package kick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/telemetry"
	"github.com/john/multichat/internal/upstream"
)

// DefaultPusherURL is the public Kick Pusher application endpoint.
const DefaultPusherURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0&flash=false"

const (
	eventPing                = "pusher:ping"
	eventPong                = "pusher:pong"
	eventSubscribe           = "pusher:subscribe"
	eventError               = "pusher:error"
	eventSubscriptionSuccess = "pusher_internal:subscription_succeeded"

	eventChatMessage   = `App\Events\ChatMessageEvent`
	eventSubscription  = `App\Events\SubscriptionEvent`
	eventGiftedSubs    = `App\Events\GiftedSubscriptionsEvent`
	defaultReadTimeout = 3 * time.Minute
	writeTimeout       = 5 * time.Second
)

// Config holds Kick session settings.
type Config struct {
	APIBaseURL string
	PusherURL  string
	// Chatrooms maps lower-case channel slugs to known chatroom ids so the
	// API lookup can be skipped.
	Chatrooms map[string]int
	// ReadTimeout bounds the silence tolerated on an established socket.
	ReadTimeout time.Duration
}

// frame is a Pusher protocol envelope.
type frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Channel string          `json:"channel,omitempty"`
}

// payload returns the frame data, unwrapping the JSON string encoding Pusher
// uses for application events.
func (f frame) payload() ([]byte, error) {
	if len(f.Data) == 0 || f.Data[0] != '"' {
		return f.Data, nil
	}
	var s string
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

type subscribeData struct {
	Auth    string `json:"auth"`
	Channel string `json:"channel"`
}

// Session is one Pusher subscription to one Kick chatroom.
type Session struct {
	api       *Client
	pusherURL string
	chatrooms map[string]int
	timeout   time.Duration
	dialer    *websocket.Dialer
	handler   upstream.Handler
	logger    *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// NewFactory returns an upstream.Factory creating Kick sessions.
func NewFactory(cfg Config, logger *slog.Logger) upstream.Factory {
	api := NewClient(cfg.APIBaseURL)
	return func(h upstream.Handler) upstream.Session {
		return NewSession(api, cfg, h, logger)
	}
}

// NewSession creates an unconnected session.
func NewSession(api *Client, cfg Config, h upstream.Handler, logger *slog.Logger) *Session {
	if cfg.PusherURL == "" {
		cfg.PusherURL = DefaultPusherURL
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		api:       api,
		pusherURL: cfg.PusherURL,
		chatrooms: cfg.Chatrooms,
		timeout:   cfg.ReadTimeout,
		dialer:    &websocket.Dialer{HandshakeTimeout: lookupTimeout},
		handler:   h,
		logger:    logger.With(slog.String("platform", string(message.Kick))),
	}
}

// Connect resolves channel to a chatroom, opens the socket and subscribes.
// It returns once Pusher acknowledges the subscription.
func (s *Session) Connect(ctx context.Context, channel string) error {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return upstream.Errorf(upstream.KindValidation, message.Kick, "connect", "empty channel name")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return upstream.Wrap(message.Kick, "connect", upstream.ErrClosed)
	}
	if s.started {
		s.mu.Unlock()
		return upstream.Errorf(upstream.KindValidation, message.Kick, "connect", "session already used")
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	roomID, err := s.resolve(ctx, channel)
	if err != nil {
		return s.abort(ctx, "lookup", err)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return s.abort(ctx, "dial", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return upstream.Wrap(message.Kick, "connect", upstream.ErrClosed)
	}
	s.conn = conn
	s.mu.Unlock()

	// Closing the socket is the only way to interrupt a blocking read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = s.subscribe(conn, roomID)
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return s.abort(ctx, "subscribe", err)
	}

	s.logger.Info("subscribed to chatroom", slog.String("channel", channel), slog.Int("chatroom_id", roomID))
	go s.readLoop(conn)
	return nil
}

// dial opens the socket. The gorilla dialer only honours context deadlines
// during the HTTP upgrade, so cancellation is watched here as well.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	type result struct {
		conn *websocket.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, _, err := s.dialer.DialContext(ctx, s.pusherURL, nil)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *Session) resolve(ctx context.Context, channel string) (int, error) {
	if id, ok := s.chatrooms[channel]; ok && id > 0 {
		return id, nil
	}
	return s.api.ChatroomID(ctx, channel)
}

// abort classifies a handshake failure, preferring the context error when the
// failure was caused by cancellation or the connect deadline.
func (s *Session) abort(ctx context.Context, op string, err error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return upstream.Wrap(message.Kick, op, upstream.ErrClosed)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		var ue *upstream.Error
		if !errors.As(err, &ue) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
	}
	return upstream.Wrap(message.Kick, op, err)
}

func (s *Session) subscribe(conn *websocket.Conn, roomID int) error {
	channel := fmt.Sprintf("chatrooms.%d.v2", roomID)
	data, err := json.Marshal(subscribeData{Auth: "", Channel: channel})
	if err != nil {
		return err
	}
	if err := s.write(conn, frame{Event: eventSubscribe, Data: data}); err != nil {
		return err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Debug("dropping malformed frame during handshake", slog.Any("err", err))
			continue
		}
		switch f.Event {
		case eventPing:
			if err := s.pong(conn); err != nil {
				return err
			}
		case eventSubscriptionSuccess:
			if f.Channel == "" || f.Channel == channel {
				return nil
			}
		case eventError:
			body, _ := f.payload()
			return upstream.Errorf(upstream.KindProtocol, message.Kick, "subscribe", "pusher error: %s", body)
		}
	}
}

func (s *Session) write(conn *websocket.Conn, f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (s *Session) pong(conn *websocket.Conn) error {
	return s.write(conn, frame{Event: eventPong, Data: json.RawMessage(`{}`)})
}

func (s *Session) readLoop(conn *websocket.Conn) {
	var reason error
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("kick read loop panic", slog.Any("panic", r))
			reason = fmt.Errorf("read loop panic: %v", r)
		}
		conn.Close()
		s.mu.Lock()
		closed := s.closed
		s.closed = true
		s.mu.Unlock()
		if !closed {
			s.handler.OnDisconnect(upstream.Wrap(message.Kick, "read", reason))
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.timeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			reason = err
			return
		}
		if err := s.handleFrame(conn, raw); err != nil {
			reason = err
			return
		}
	}
}

// handleFrame processes one inbound frame. Only a failed pong is fatal;
// everything else that cannot be understood is dropped.
func (s *Session) handleFrame(conn *websocket.Conn, raw []byte) error {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		telemetry.IncDroppedFrame(string(message.Kick))
		s.logger.Debug("dropping malformed frame", slog.Any("err", err))
		return nil
	}

	if f.Event == eventPing {
		return s.pong(conn)
	}

	switch f.Event {
	case eventChatMessage, eventSubscription, eventGiftedSubs:
	default:
		return nil
	}

	data, err := f.payload()
	if err != nil {
		telemetry.IncDroppedFrame(string(message.Kick))
		s.logger.Debug("dropping frame with bad payload", slog.String("event", f.Event), slog.Any("err", err))
		return nil
	}

	switch f.Event {
	case eventChatMessage:
		s.handleChat(data)
	case eventSubscription:
		s.handleSubscription(data)
	case eventGiftedSubs:
		s.handleGifts(data)
	}
	return nil
}

func (s *Session) handleChat(data []byte) {
	msg, err := message.FromKick(data)
	if err != nil || !msg.IsValid() {
		telemetry.IncDroppedFrame(string(message.Kick))
		s.logger.Debug("dropping chat event", slog.Any("err", err))
		return
	}
	s.handler.OnChat(msg)
}

type subscriptionEvent struct {
	Username string `json:"username"`
	Months   int    `json:"months"`
}

func (s *Session) handleSubscription(data []byte) {
	var ev subscriptionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		telemetry.IncDroppedFrame(string(message.Kick))
		return
	}
	var alert message.AlertEvent
	if ev.Months > 1 {
		alert = message.NewResubscription(message.Kick, ev.Username, ev.Months, message.AlertMeta{})
	} else {
		alert = message.NewSubscription(message.Kick, ev.Username, message.AlertMeta{Months: ev.Months})
	}
	s.emitAlert(alert)
}

type giftedSubscriptionsEvent struct {
	GifterUsername  string   `json:"gifter_username"`
	GiftedUsernames []string `json:"gifted_usernames"`
}

func (s *Session) handleGifts(data []byte) {
	var ev giftedSubscriptionsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		telemetry.IncDroppedFrame(string(message.Kick))
		return
	}
	var alert message.AlertEvent
	if len(ev.GiftedUsernames) == 1 {
		alert = message.NewGiftSingle(message.Kick, ev.GifterUsername, ev.GiftedUsernames[0], message.AlertMeta{})
	} else {
		alert = message.NewGiftBatch(message.Kick, ev.GifterUsername, message.AlertMeta{Count: len(ev.GiftedUsernames)})
	}
	s.emitAlert(alert)
}

func (s *Session) emitAlert(a message.AlertEvent) {
	if !a.IsValid() {
		telemetry.IncDroppedFrame(string(message.Kick))
		return
	}
	s.handler.OnAlert(a)
}

// Close tears the session down. It is safe to call at any time and more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, conn := s.cancel, s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}
