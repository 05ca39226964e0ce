package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/retry"
	"github.com/john/multichat/internal/telemetry"
	"github.com/john/multichat/internal/upstream"
)

// sessionHandler routes the events of one attempt's session. Events from a
// superseded attempt or a closed client are discarded.
type sessionHandler struct {
	o       *Orchestrator
	c       *client
	p       message.Platform
	channel string
	epoch   uint64
	seq     uint64

	// early holds a drop reported before Connect returned. Guarded by c.mu.
	early error
}

func (h *sessionHandler) OnChat(m message.ChatMessage) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if !h.c.current(h.p, h.epoch, h.seq) {
		return
	}
	telemetry.IncChat(string(h.p))
	h.o.deliver(h.c, message.EventChatMessage, m)
}

func (h *sessionHandler) OnAlert(a message.AlertEvent) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if !h.c.current(h.p, h.epoch, h.seq) {
		return
	}
	telemetry.IncAlert(string(h.p), string(a.Kind))
	h.o.deliver(h.c, message.EventAlertMessage, a)
}

func (h *sessionHandler) OnDisconnect(reason error) {
	c := h.c
	c.mu.Lock()
	if !c.current(h.p, h.epoch, h.seq) {
		c.mu.Unlock()
		return
	}
	ps := c.state(h.p)
	if ps.status != StatusConnected {
		h.early = reason
		c.mu.Unlock()
		return
	}
	ps.session = nil
	ps.status = StatusReconnecting
	h.o.emitter.EmitTo(c.id, message.EventPlatformDisconnected, PlatformDisconnected{
		Platform: h.p,
		Reason:   reason.Error(),
	})
	c.mu.Unlock()

	telemetry.AddSessions(string(h.p), -1)
	h.o.logger.Warn("upstream session dropped",
		slog.String("client_id", c.id),
		slog.String("platform", string(h.p)),
		slog.Any("err", reason))
	h.o.fail(c, h.p, h.channel, h.epoch, "stream", reason)
}

// deliver sends a chat or alert event according to the delivery scope.
// Callers hold c.mu.
func (o *Orchestrator) deliver(c *client, event string, data any) {
	if o.scope == ScopeAll {
		o.emitter.Broadcast(event, data)
		return
	}
	o.emitter.EmitTo(c.id, event, data)
}

// attempt opens one session and waits for it to become ready. It returns nil
// only when the session is connected and still current.
func (o *Orchestrator) attempt(c *client, p message.Platform, channel string, epoch, seq uint64, recovering bool) error {
	h := &sessionHandler{o: o, c: c, p: p, channel: channel, epoch: epoch, seq: seq}
	sess := o.platforms[p].Factory(h)

	c.mu.Lock()
	if !c.current(p, epoch, seq) {
		c.mu.Unlock()
		return errStale
	}
	c.state(p).session = sess
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, o.connectTimeout)
	ctx, span := telemetry.StartSpan(ctx, "orchestrator", "upstream.connect",
		attribute.String("platform", string(p)),
		attribute.String("channel", channel),
		attribute.Bool("recovering", recovering))
	start := time.Now()
	err := sess.Connect(ctx, channel)
	cancel()
	telemetry.EndSpan(span, err)

	result := "ok"
	if err != nil {
		result = string(upstream.KindOf(err))
	}
	telemetry.ObserveConnect(string(p), result, time.Since(start).Seconds())

	c.mu.Lock()
	if !c.current(p, epoch, seq) {
		c.mu.Unlock()
		sess.Close()
		return errStale
	}
	if err == nil && h.early != nil {
		err = h.early
	}
	ps := c.state(p)
	if err != nil {
		ps.session = nil
		c.mu.Unlock()
		sess.Close()
		o.logger.Warn("connection attempt failed",
			slog.String("client_id", c.id),
			slog.String("platform", string(p)),
			slog.String("channel", channel),
			slog.Any("err", err))
		o.fail(c, p, channel, epoch, "connect", err)
		return err
	}

	key := retry.Key{ClientID: c.id, Platform: p}
	attempts := o.sup.Attempts(key)
	o.sup.Reset(key)
	ps.status = StatusConnected
	o.emitter.EmitTo(c.id, message.EventPlatformConnected, PlatformConnected{Platform: p, Channel: channel})
	if recovering {
		o.emitter.EmitTo(c.id, message.EventConnectionRecovered, ConnectionRecovered{
			Platform: p,
			Message:  fmt.Sprintf("Reconnected to %s after %d attempt(s)", p, attempts),
			Attempts: attempts,
		})
	}
	c.mu.Unlock()

	telemetry.AddSessions(string(p), 1)
	o.logger.Info("upstream connected",
		slog.String("client_id", c.id),
		slog.String("platform", string(p)),
		slog.String("channel", channel),
		slog.Bool("recovering", recovering))
	return nil
}

// fail hands a failure to the supervisor and reports its decision.
func (o *Orchestrator) fail(c *client, p message.Platform, channel string, epoch uint64, op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.state(p)
	if c.closed || ps.epoch != epoch {
		return
	}

	key := retry.Key{ClientID: c.id, Platform: p}
	d := o.sup.ReportFailure(key, err, func() error { return o.retry(c, p, channel, epoch) })
	if d.WillRetry {
		ps.status = StatusReconnecting
		o.emitter.EmitTo(c.id, message.EventConnectionError, ConnectionError{
			Platform:   p,
			Operation:  op,
			Error:      err.Error(),
			Code:       upstream.Code(err),
			Attempts:   d.Attempt,
			MaxRetries: d.MaxAttempts,
			WillRetry:  true,
			RetryInMs:  d.Delay.Milliseconds(),
			Channel:    channel,
		})
		return
	}

	ps.status = StatusFailed
	o.emitter.EmitTo(c.id, message.EventConnectionFailed, ConnectionFailed{
		Platform:   p,
		Error:      err.Error(),
		Code:       upstream.Code(err),
		Suggestion: retrySuggestion,
		Attempts:   d.Attempt,
		MaxRetries: d.MaxAttempts,
		Channel:    channel,
	})
}

// retry runs a scheduled automatic attempt.
func (o *Orchestrator) retry(c *client, p message.Platform, channel string, epoch uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in retry",
				slog.String("client_id", c.id),
				slog.String("platform", string(p)),
				slog.Any("panic", r))
			err = fmt.Errorf("retry panic: %v", r)
		}
	}()

	c.mu.Lock()
	ps := c.state(p)
	if c.closed || ps.epoch != epoch || ps.status != StatusReconnecting {
		c.mu.Unlock()
		return errStale
	}
	ps.seq++
	seq := ps.seq
	attempt := o.sup.Attempts(retry.Key{ClientID: c.id, Platform: p})
	o.emitter.EmitTo(c.id, message.EventPlatformReconnecting, PlatformReconnecting{
		Platform:   p,
		Attempt:    attempt,
		MaxRetries: o.sup.Policy().MaxAttempts,
	})
	c.mu.Unlock()

	return o.attempt(c, p, channel, epoch, seq, true)
}

// prefetchBadges loads the channel badge table. Failures only produce a warning.
func (o *Orchestrator) prefetchBadges(c *client, p message.Platform, channel string, epoch uint64) {
	fetcher := o.platforms[p].Badges
	if fetcher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, badgeTimeout)
	defer cancel()
	badges, err := fetcher.FetchBadges(ctx, channel)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state(p).epoch != epoch {
		return
	}
	if err != nil {
		o.logger.Warn("badge prefetch failed",
			slog.String("client_id", c.id),
			slog.String("platform", string(p)),
			slog.String("channel", channel),
			slog.Any("err", err))
		o.emitter.EmitTo(c.id, message.EventWarning, Warning{
			Message:  fmt.Sprintf("Badges unavailable for %s channel %s; chat will continue without them", p, channel),
			Platform: p,
		})
		return
	}
	c.badges[p] = badges
	o.emitter.EmitTo(c.id, message.EventChannelBadges, c.badgeSnapshot())
}

// badgeSnapshot copies the cache with an entry for every platform. Callers hold c.mu.
func (c *client) badgeSnapshot() ChannelBadges {
	out := make(ChannelBadges, len(message.Platforms))
	for _, p := range message.Platforms {
		m := make(map[string]string, len(c.badges[p]))
		for k, v := range c.badges[p] {
			m[k] = v
		}
		out[p] = m
	}
	return out
}
