// Package mock produces synthetic chat and alert traffic for testing overlays
// without live upstream channels.
package mock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/john/multichat/internal/message"
)

const (
	minInterval     = 50 * time.Millisecond
	burstChance     = 0.1
	burstChatDelay  = 100 * time.Millisecond
	burstAlertDelay = 200 * time.Millisecond
)

// ErrUnknownType is returned by Generate for an unsupported event type.
var ErrUnknownType = errors.New("unknown mock event type")

// Emitter receives generated events.
type Emitter interface {
	Broadcast(event string, data any)
}

// Config controls the periodic generator.
type Config struct {
	Interval   time.Duration
	ChatWeight float64
	BurstMode  bool
	Platforms  []message.Platform
}

// DefaultConfig emits one event every two seconds, 70% of them chat.
func DefaultConfig() Config {
	return Config{
		Interval:   2 * time.Second,
		ChatWeight: 0.7,
		Platforms:  []message.Platform{message.Twitch, message.Kick},
	}
}

// MarshalJSON renders the interval in milliseconds.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Interval   int64              `json:"interval"`
		ChatWeight float64            `json:"chatWeight"`
		BurstMode  bool               `json:"burstMode"`
		Platforms  []message.Platform `json:"platforms"`
	}{c.Interval.Milliseconds(), c.ChatWeight, c.BurstMode, c.Platforms})
}

// Settings are the overrides accepted by Start. Unset fields keep their
// current value.
type Settings struct {
	IntervalMs *int64             `json:"interval"`
	ChatWeight *float64           `json:"chatWeight"`
	BurstMode  *bool              `json:"burstMode"`
	Platforms  []message.Platform `json:"platforms"`
}

func (s Settings) apply(c Config) (Config, error) {
	if s.IntervalMs != nil {
		c.Interval = time.Duration(*s.IntervalMs) * time.Millisecond
	}
	if s.ChatWeight != nil {
		c.ChatWeight = *s.ChatWeight
	}
	if s.BurstMode != nil {
		c.BurstMode = *s.BurstMode
	}
	if len(s.Platforms) > 0 {
		c.Platforms = append([]message.Platform(nil), s.Platforms...)
	}

	if c.Interval < minInterval {
		return c, fmt.Errorf("interval must be at least %dms", minInterval.Milliseconds())
	}
	if c.ChatWeight < 0 || c.ChatWeight > 1 {
		return c, fmt.Errorf("chatWeight must be between 0 and 1")
	}
	for _, p := range c.Platforms {
		if _, err := message.ParsePlatform(string(p)); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Status describes the generator.
type Status struct {
	Running bool   `json:"isRunning"`
	Config  Config `json:"config"`
	// Uptime is in milliseconds; zero when stopped.
	Uptime int64 `json:"uptime"`
}

// Generator broadcasts synthetic events on a timer.
type Generator struct {
	emitter Emitter
	logger  *slog.Logger
	rnd     *source

	mu      sync.Mutex
	cfg     Config
	started time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a stopped Generator. Invalid fields of cfg fall back to the defaults.
func New(em Emitter, cfg Config, logger *slog.Logger) *Generator {
	def := DefaultConfig()
	if cfg.Interval < minInterval {
		cfg.Interval = def.Interval
	}
	if cfg.ChatWeight <= 0 || cfg.ChatWeight > 1 {
		cfg.ChatWeight = def.ChatWeight
	}
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = def.Platforms
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		emitter: em,
		logger:  logger.With(slog.String("component", "mock")),
		rnd:     newSource(uint64(time.Now().UnixNano())),
		cfg:     cfg,
	}
}

// Start applies the settings and starts generating, restarting if already running.
func (g *Generator) Start(s Settings) (Status, error) {
	g.mu.Lock()
	cfg, err := s.apply(g.cfg)
	if err != nil {
		g.mu.Unlock()
		return Status{}, err
	}
	g.stopLocked()
	g.cfg = cfg
	g.started = time.Now()
	g.stop = make(chan struct{})
	g.wg.Add(1)
	go g.run(cfg, g.stop)
	g.mu.Unlock()

	g.logger.Info("mock generator started",
		slog.Duration("interval", cfg.Interval),
		slog.Float64("chat_weight", cfg.ChatWeight),
		slog.Bool("burst", cfg.BurstMode))
	return g.Status(), nil
}

// Stop halts generation and waits for in-flight events. It is safe to call
// when stopped.
func (g *Generator) Stop() Status {
	g.mu.Lock()
	wasRunning := g.stop != nil
	g.stopLocked()
	g.mu.Unlock()
	g.wg.Wait()

	if wasRunning {
		g.logger.Info("mock generator stopped")
	}
	return g.Status()
}

func (g *Generator) stopLocked() {
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
}

// Status reports whether the generator runs and with which settings.
func (g *Generator) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{Running: g.stop != nil, Config: g.cfg}
	if st.Running {
		st.Uptime = time.Since(g.started).Milliseconds()
	}
	return st
}

func (g *Generator) run(cfg Config, stop <-chan struct{}) {
	defer g.wg.Done()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.tick(cfg, stop)
		}
	}
}

func (g *Generator) tick(cfg Config, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic generating mock event", slog.Any("panic", r))
		}
	}()

	p := pick(g.rnd, cfg.Platforms)
	if g.rnd.float() < cfg.ChatWeight {
		g.emitChat(p, Options{})
	} else {
		g.emitAlert(p, pick(g.rnd, alertKinds), Options{})
	}

	if !cfg.BurstMode || g.rnd.float() >= burstChance {
		return
	}
	for _, step := range []struct {
		delay time.Duration
		chat  bool
	}{{burstChatDelay, true}, {burstAlertDelay, false}} {
		select {
		case <-stop:
			return
		case <-time.After(step.delay):
		}
		if step.chat {
			g.emitChat(pick(g.rnd, cfg.Platforms), Options{})
		} else {
			g.emitAlert(pick(g.rnd, cfg.Platforms), pick(g.rnd, alertKinds), Options{})
		}
	}
}

func (g *Generator) emitChat(p message.Platform, o Options) (message.ChatMessage, error) {
	m, err := g.rnd.chat(p, o)
	if err != nil {
		return m, err
	}
	if !m.IsValid() {
		return m, fmt.Errorf("generated chat message is invalid")
	}
	g.emitter.Broadcast(message.EventChatMessage, m)
	g.logger.Debug("mock chat", slog.String("platform", string(p)), slog.String("username", m.Username))
	return m, nil
}

func (g *Generator) emitAlert(p message.Platform, kind message.AlertKind, o Options) (message.AlertEvent, error) {
	a := g.rnd.alert(p, kind, o)
	if !a.IsValid() {
		return a, fmt.Errorf("generated alert is invalid")
	}
	g.emitter.Broadcast(message.EventAlertMessage, a)
	g.logger.Debug("mock alert", slog.String("platform", string(p)), slog.String("type", string(a.Kind)))
	return a, nil
}

// Generate broadcasts one event of the given type: chat, sub, resub or
// giftsub. It returns the broadcast payload.
func (g *Generator) Generate(kind string, p message.Platform, o Options) (any, error) {
	switch kind {
	case "chat":
		return g.emitChat(p, o)
	case "sub":
		return g.emitAlert(p, message.Subscription, o)
	case "resub":
		if o.Months <= 0 {
			o.Months = 6
		}
		return g.emitAlert(p, message.Resubscription, o)
	case "giftsub":
		if o.Recipient != "" {
			return g.emitAlert(p, message.GiftSingle, o)
		}
		if o.Count <= 0 {
			o.Count = 5
		}
		return g.emitAlert(p, message.GiftBatch, o)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
}
