package twitch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultIRCAddress is the Twitch chat TLS endpoint.
const DefaultIRCAddress = "irc.chat.twitch.tv:6697"

var errUpstreamClosed = errors.New("server closed the connection")

// dialFunc opens the upstream IRC socket.
type dialFunc func(ctx context.Context) (net.Conn, error)

func dialTLS(addr string) dialFunc {
	host, _, _ := net.SplitHostPort(addr)
	d := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: 10 * time.Second},
		Config:    &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host},
	}
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// relay owns the upstream socket of one IRC client. The client dials a
// loopback listener that accepts a single connection and pipes it upstream.
// Once that connection ends, the library's own redials are refused, so its
// Connect loop returns instead of reconnecting.
type relay struct {
	ln     net.Listener
	dial   dialFunc
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	down, up net.Conn
	err      error
	closed   bool
}

func listenRelay(dial dialFunc) (*relay, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &relay{ln: ln, dial: dial, ctx: ctx, cancel: cancel}
	go r.serve()
	return r, nil
}

// addr is the loopback address handed to the IRC client.
func (r *relay) addr() string { return r.ln.Addr().String() }

func (r *relay) serve() {
	down, err := r.ln.Accept()
	r.ln.Close()
	if err != nil {
		r.finish(false, nil)
		return
	}
	r.mu.Lock()
	r.down = down
	closed := r.closed
	r.mu.Unlock()
	if closed {
		down.Close()
		return
	}

	up, err := r.dial(r.ctx)
	if err != nil {
		r.finish(true, err)
		return
	}
	r.mu.Lock()
	r.up = up
	closed = r.closed
	r.mu.Unlock()
	if closed {
		up.Close()
		return
	}

	go func() {
		_, err := io.Copy(up, down)
		r.finish(false, err)
	}()
	_, err = io.Copy(down, up)
	if err == nil {
		err = errUpstreamClosed
	}
	r.finish(true, err)
}

// finish tears both sides down. Only the first call records its error, and
// only when the upstream side ended first.
func (r *relay) finish(fromUpstream bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if fromUpstream {
		r.err = err
	}
	down, up := r.down, r.up
	r.mu.Unlock()

	r.cancel()
	r.ln.Close()
	if down != nil {
		down.Close()
	}
	if up != nil {
		up.Close()
	}
}

// Close ends the relay. It is idempotent.
func (r *relay) Close() {
	r.finish(false, nil)
}

// Err returns the upstream failure that ended the relay, if any.
func (r *relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
