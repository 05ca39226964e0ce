package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/upstream"
)

type fakeIRC struct {
	onConnect   func()
	onPrivate   func(twitch.PrivateMessage)
	onUser      func(twitch.UserNoticeMessage)
	onSelfJoin  func(twitch.UserJoinMessage)
	onReconnect func(twitch.ReconnectMessage)
	onNotice    func(twitch.NoticeMessage)

	loginErr    error
	joined      []string
	connected   chan struct{}
	exit        chan error
	disconnects atomic.Int32
}

func newFakeIRC() *fakeIRC {
	return &fakeIRC{connected: make(chan struct{}), exit: make(chan error, 1)}
}

func (f *fakeIRC) OnConnect(cb func()) { f.onConnect = cb }
func (f *fakeIRC) OnPrivateMessage(cb func(twitch.PrivateMessage)) { f.onPrivate = cb }
func (f *fakeIRC) OnUserNoticeMessage(cb func(twitch.UserNoticeMessage)) { f.onUser = cb }
func (f *fakeIRC) OnSelfJoinMessage(cb func(twitch.UserJoinMessage)) { f.onSelfJoin = cb }
func (f *fakeIRC) OnReconnectMessage(cb func(twitch.ReconnectMessage)) { f.onReconnect = cb }
func (f *fakeIRC) OnNoticeMessage(cb func(twitch.NoticeMessage)) { f.onNotice = cb }
func (f *fakeIRC) Join(channels ...string) { f.joined = append(f.joined, channels...) }

func (f *fakeIRC) Connect() error {
	if f.loginErr != nil {
		close(f.connected)
		return f.loginErr
	}
	f.onConnect()
	close(f.connected)
	return <-f.exit
}

func (f *fakeIRC) Disconnect() error {
	f.disconnects.Add(1)
	select {
	case f.exit <- twitch.ErrClientDisconnected:
	default:
	}
	return nil
}

type recorder struct {
	mu          sync.Mutex
	chats       []message.ChatMessage
	alerts      []message.AlertEvent
	disconnects []error
}

func (r *recorder) OnChat(m message.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, m)
}

func (r *recorder) OnAlert(a message.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recorder) OnDisconnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, err)
}

func (r *recorder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func newTestSession(rec *recorder) (*Session, *fakeIRC) {
	f := newFakeIRC()
	s := NewSession(Credentials{Username: "bot", OAuth: "oauth:secret"}, rec, nil)
	s.newClient = func(string, string, string) ircClient { return f }
	return s, f
}

// connected returns a session that has joined #abc.
func connected(t *testing.T, rec *recorder) (*Session, *fakeIRC) {
	t.Helper()
	s, f := newTestSession(rec)
	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), "#ABC") }()

	<-f.connected
	f.onSelfJoin(twitch.UserJoinMessage{Channel: "abc", User: "bot"})
	require.NoError(t, <-errc)
	t.Cleanup(func() { s.Close() })
	return s, f
}

func TestConnectJoinsChannel(t *testing.T) {
	_, f := connected(t, &recorder{})
	assert.Equal(t, []string{"abc"}, f.joined)
}

func TestConnectAuthFailure(t *testing.T) {
	s, f := newTestSession(&recorder{})
	f.loginErr = twitch.ErrLoginAuthenticationFailed

	err := s.Connect(context.Background(), "abc")
	require.Error(t, err)
	assert.Equal(t, upstream.KindAuth, upstream.KindOf(err))
	assert.False(t, upstream.Retryable(err))
}

func TestConnectWithoutCredentials(t *testing.T) {
	s := NewSession(Credentials{}, &recorder{}, nil)
	err := s.Connect(context.Background(), "abc")
	assert.Equal(t, upstream.KindAuth, upstream.KindOf(err))
}

func TestConnectTimeout(t *testing.T) {
	s, f := newTestSession(&recorder{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx, "abc")
	assert.Equal(t, upstream.KindTimeout, upstream.KindOf(err))
	require.Eventually(t, func() bool { return f.disconnects.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestConnectBannedChannel(t *testing.T) {
	s, f := newTestSession(&recorder{})
	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), "abc") }()

	<-f.connected
	f.onNotice(twitch.NoticeMessage{MsgID: "msg_channel_suspended", Message: "This channel has been suspended."})
	err := <-errc
	assert.Equal(t, upstream.KindValidation, upstream.KindOf(err))
}

func TestChatNormalization(t *testing.T) {
	rec := &recorder{}
	_, f := connected(t, rec)

	f.onPrivate(twitch.PrivateMessage{
		User:    twitch.User{Name: "alice", DisplayName: "Alice"},
		Message: "hello",
		Tags:    map[string]string{"display-name": "Alice", "color": "#FF0000", "badges": "subscriber/6"},
	})
	f.onPrivate(twitch.PrivateMessage{
		User:    twitch.User{Name: "bot"},
		Message: "my own line",
		Tags:    map[string]string{"display-name": "Bot"},
	})
	f.onPrivate(twitch.PrivateMessage{
		User:    twitch.User{Name: "quiet"},
		Message: "",
		Tags:    map[string]string{"display-name": "Quiet"},
	})
	f.onPrivate(twitch.PrivateMessage{
		User:    twitch.User{Name: "nodisplay"},
		Message: "still here",
		Tags:    map[string]string{},
	})

	require.Len(t, rec.chats, 2)
	assert.Equal(t, "Alice", rec.chats[0].Username)
	assert.Equal(t, "#FF0000", rec.chats[0].Color)
	assert.JSONEq(t, `{"subscriber":"6"}`, string(rec.chats[0].Badges))
	assert.Equal(t, "nodisplay", rec.chats[1].Username)
}

func TestUserNoticeAlerts(t *testing.T) {
	rec := &recorder{}
	_, f := connected(t, rec)

	f.onUser(twitch.UserNoticeMessage{
		User: twitch.User{DisplayName: "Ann"}, MsgID: "sub",
		MsgParams: map[string]string{"msg-param-sub-plan": "Prime"},
	})
	f.onUser(twitch.UserNoticeMessage{
		User: twitch.User{DisplayName: "Ben"}, MsgID: "resub", Message: "10 months!",
		MsgParams: map[string]string{"msg-param-sub-plan": "2000", "msg-param-cumulative-months": "10"},
	})
	f.onUser(twitch.UserNoticeMessage{
		User: twitch.User{DisplayName: "Cat"}, MsgID: "subgift",
		MsgParams: map[string]string{"msg-param-sub-plan": "1000", "msg-param-recipient-display-name": "Dan"},
	})
	f.onUser(twitch.UserNoticeMessage{
		User: twitch.User{DisplayName: "Eve"}, MsgID: "submysterygift",
		MsgParams: map[string]string{"msg-param-sub-plan": "3000", "msg-param-mass-gift-count": "5"},
	})
	f.onUser(twitch.UserNoticeMessage{User: twitch.User{DisplayName: "Raider"}, MsgID: "raid"})

	require.Len(t, rec.alerts, 4)
	assert.Equal(t, message.Subscription, rec.alerts[0].Kind)
	assert.Equal(t, "Prime", rec.alerts[0].Tier)
	assert.Equal(t, message.Resubscription, rec.alerts[1].Kind)
	assert.Equal(t, 10, rec.alerts[1].Months)
	assert.Equal(t, "Tier 2", rec.alerts[1].Tier)
	assert.Equal(t, "10 months!", rec.alerts[1].Message)
	assert.Equal(t, message.GiftSingle, rec.alerts[2].Kind)
	assert.Equal(t, "Dan", rec.alerts[2].Recipient)
	assert.Equal(t, message.GiftBatch, rec.alerts[3].Kind)
	assert.Equal(t, 5, rec.alerts[3].Count)
	assert.Equal(t, "Tier 3", rec.alerts[3].Tier)
}

func TestReconnectMessageIsSingleDrop(t *testing.T) {
	rec := &recorder{}
	_, f := connected(t, rec)

	f.onReconnect(twitch.ReconnectMessage{})
	f.onReconnect(twitch.ReconnectMessage{})

	require.Eventually(t, func() bool { return f.disconnects.Load() > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.disconnectCount())
	assert.True(t, upstream.Retryable(rec.disconnects[0]))

	// Events after the drop are not delivered.
	f.onPrivate(twitch.PrivateMessage{User: twitch.User{Name: "late"}, Message: "x", Tags: map[string]string{"display-name": "Late"}})
	assert.Empty(t, rec.chats)
}

func TestLibraryReconnectIsDrop(t *testing.T) {
	rec := &recorder{}
	_, f := connected(t, rec)

	f.onConnect()
	assert.Equal(t, 1, rec.disconnectCount())
}

func TestCloseIsIdempotentAndSilent(t *testing.T) {
	rec := &recorder{}
	s, f := connected(t, rec)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	require.Eventually(t, func() bool { return f.disconnects.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.disconnectCount())
}

func TestCloseBeforeConnect(t *testing.T) {
	s, _ := newTestSession(&recorder{})
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Connect(context.Background(), "abc"), upstream.ErrClosed)
}

func TestCloseWhileConnecting(t *testing.T) {
	rec := &recorder{}
	s, f := newTestSession(rec)
	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), "abc") }()

	<-f.connected
	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-errc, upstream.ErrClosed)
	assert.Equal(t, 0, rec.disconnectCount())
}

func TestTier(t *testing.T) {
	assert.Equal(t, "Prime", Tier("Prime"))
	assert.Equal(t, "Tier 1", Tier("1000"))
	assert.Equal(t, "Tier 3", Tier("3000"))
	assert.Equal(t, "Tier 1", Tier(""))
}

func TestHelixFetchBadges(t *testing.T) {
	var tokenRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		assert.Equal(t, "secret", r.Form.Get("client_secret"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "apptoken", "token_type": "bearer", "expires_in": 3600})
	})
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer apptoken" || r.Header.Get("Client-Id") != "cid" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/helix/users", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("login") != "abc" {
			w.Write([]byte(`{"data":[]}`))
			return
		}
		w.Write([]byte(`{"data":[{"id":"1001","login":"abc"}]}`))
	}))
	mux.HandleFunc("/helix/chat/badges/global", auth(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[
			{"set_id":"subscriber","versions":[{"id":"0","image_url_1x":"g0-1x","image_url_2x":"g0-2x"}]},
			{"set_id":"moderator","versions":[{"id":"1","image_url_1x":"mod-1x","image_url_2x":"mod-2x"}]}
		]}`))
	}))
	mux.HandleFunc("/helix/chat/badges", auth(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1001", r.URL.Query().Get("broadcaster_id"))
		w.Write([]byte(`{"data":[
			{"set_id":"subscriber","versions":[{"id":"0","image_url_2x":"c0-2x"},{"id":"6","image_url_2x":"c6-2x"}]}
		]}`))
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := NewHelixClient("cid", "secret", srv.URL+"/helix", srv.URL+"/oauth2/token")

	badges, err := h.FetchBadges(context.Background(), "ABC")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"subscriber/0": "c0-2x",
		"subscriber/6": "c6-2x",
		"moderator/1":  "mod-2x",
	}, badges)

	_, err = h.FetchBadges(context.Background(), "nobody")
	assert.Equal(t, upstream.KindValidation, upstream.KindOf(err))
	assert.Equal(t, int32(1), tokenRequests.Load())
}
