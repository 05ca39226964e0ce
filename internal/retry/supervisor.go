package retry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/telemetry"
	"github.com/john/multichat/internal/upstream"
)

// Key identifies one retry counter.
type Key struct {
	ClientID string
	Platform message.Platform
}

// Timer is the handle of a scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Decision is the outcome of ReportFailure.
type Decision struct {
	WillRetry   bool
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

type state struct {
	attempts int
	timer    Timer
}

// Supervisor owns the retry bookkeeping for every (client, platform) pair.
// It never holds its lock while running a retry callback.
type Supervisor struct {
	policy   Policy
	schedule Scheduler
	logger   *slog.Logger

	mu     sync.Mutex
	states map[Key]*state
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithScheduler replaces time.AfterFunc, mainly for tests.
func WithScheduler(s Scheduler) Option {
	return func(sup *Supervisor) { sup.schedule = s }
}

// WithLogger sets the logger used for retry decisions.
func WithLogger(l *slog.Logger) Option {
	return func(sup *Supervisor) { sup.logger = l }
}

// NewSupervisor creates a Supervisor. Zero fields in p take their defaults.
func NewSupervisor(p Policy, opts ...Option) *Supervisor {
	s := &Supervisor{
		policy:   p.withDefaults(),
		schedule: afterFunc,
		logger:   slog.Default(),
		states:   make(map[Key]*state),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "retry"))
	return s
}

// Policy returns the effective policy.
func (s *Supervisor) Policy() Policy { return s.policy }

// ReportFailure records a failed attempt for key. When another attempt is
// allowed, retry is scheduled after the backoff delay; a nil result from retry
// resets the counter. retry is responsible for reporting its own failure.
// Non-retryable errors and attempts beyond the ceiling are terminal and purge
// the counter.
func (s *Supervisor) ReportFailure(key Key, err error, retry func() error) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		st = &state{}
		s.states[key] = st
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.attempts++

	d := Decision{Attempt: st.attempts, MaxAttempts: s.policy.MaxAttempts}
	log := s.logger.With(
		slog.String("client_id", key.ClientID),
		slog.String("platform", string(key.Platform)),
		slog.Int("attempt", st.attempts),
	)

	if !upstream.Retryable(err) || st.attempts > s.policy.MaxAttempts {
		delete(s.states, key)
		telemetry.IncTerminalFailure(string(key.Platform))
		log.Warn("giving up on connection", slog.Any("err", err))
		return d
	}

	d.WillRetry = true
	d.Delay = s.policy.Delay(st.attempts)
	st.timer = s.schedule(d.Delay, func() { s.fire(key, st, retry) })
	telemetry.IncRetryScheduled(string(key.Platform))
	log.Info("retry scheduled", slog.Duration("delay", d.Delay), slog.Any("err", err))
	return d
}

func (s *Supervisor) fire(key Key, st *state, retry func() error) {
	s.mu.Lock()
	if s.states[key] != st || st.timer == nil {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	s.mu.Unlock()

	if err := retry(); err == nil {
		s.mu.Lock()
		if s.states[key] == st {
			delete(s.states, key)
		}
		s.mu.Unlock()
	}
}

// Reset clears the counter for key after a successful connection.
func (s *Supervisor) Reset(key Key) {
	s.Cancel(key)
}

// Cancel stops any pending retry for key and deletes its counter.
func (s *Supervisor) Cancel(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key)
}

func (s *Supervisor) cancelLocked(key Key) {
	st, ok := s.states[key]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	delete(s.states, key)
}

// CancelAll stops every pending retry of a client and deletes its counters.
// Callbacks that already fired observe the cancellation and do nothing.
func (s *Supervisor) CancelAll(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.states {
		if key.ClientID == clientID {
			s.cancelLocked(key)
		}
	}
}

// Attempts returns the current failure count for key.
func (s *Supervisor) Attempts(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return st.attempts
	}
	return 0
}

// Pending returns the number of armed retry timers for a client.
func (s *Supervisor) Pending(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, st := range s.states {
		if key.ClientID == clientID && st.timer != nil {
			n++
		}
	}
	return n
}
