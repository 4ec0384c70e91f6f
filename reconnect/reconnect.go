// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package reconnect re-establishes failed sessions with exponential backoff.
//
// A Supervisor watches the state transitions of a session. When the session
// fails for a reason that may go away by itself, such as a reset connection or
// a timeout, it schedules a new connection attempt after
// min(BaseDelay × 2^attempts, MaxDelay). Rejected credentials, configuration
// mismatches and a Disconnect by the caller are never retried.
package reconnect // import "github.com/forketyfork/xmpp/reconnect"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/forketyfork/xmpp"
	"github.com/forketyfork/xmpp/transport"
)

// Config configures a Supervisor.
type Config = xmpp.ReconnectConfig

// Errors reported by the Supervisor.
var (
	ErrGaveUp   = errors.New("reconnect: gave up after too many attempts")
	ErrStopped  = errors.New("reconnect: supervisor stopped")
	ErrDisabled = errors.New("reconnect: automatic reconnection disabled")
)

// Retryable reports whether a session that failed with err may be reconnected
// automatically.
func Retryable(err error) bool {
	var (
		authErr *xmpp.AuthenticationError
		negErr  *xmpp.NegotiationError
		connErr *transport.ConnectionError
	)
	switch {
	case err == nil, errors.Is(err, xmpp.ErrClosed):
		return false
	case errors.As(err, &authErr):
		return false
	case errors.As(err, &negErr):
		return !negErr.Misconfigured
	case errors.As(err, &connErr):
		return true
	case errors.Is(err, xmpp.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// PresenceRestorer resends the local presence after a reconnect.
// It is implemented by *roster.Manager.
type PresenceRestorer interface {
	RestorePresence(context.Context) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger of the supervisor.
func WithLogger(logger kitlog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithPresenceRestorer sets the collaborator used to restore presence every
// time the session becomes Connected.
func WithPresenceRestorer(r PresenceRestorer) Option {
	return func(s *Supervisor) {
		s.restorer = r
	}
}

// State is a snapshot of the supervisor bookkeeping.
type State struct {
	// Attempts is the number of automatic attempts since the last time the
	// session was Connected.
	Attempts int

	// NextDelay is the delay before the next automatic attempt.
	NextDelay time.Duration

	// LastErr is the cause of the last failure.
	LastErr error

	// Scheduled is set while an attempt is waiting for its timer.
	Scheduled bool

	// Terminal is set once the supervisor stopped retrying.
	Terminal bool
}

// Supervisor reconnects a session after retryable failures.
type Supervisor struct {
	session  *xmpp.Session
	cfg      Config
	logger   kitlog.Logger
	restorer PresenceRestorer
	notices  *xmpp.Feed
	events   *xmpp.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	ep        transport.Endpoint
	creds     xmpp.Credentials
	hasTarget bool
	connected bool
	stopped   bool
	state     State
	timer     *time.Timer
	seq       uint64
}

// New returns a supervisor for session.
// If cfg.Enabled is false no attempts are scheduled: the first failure marks
// the supervisor terminal and publishes a Terminal notice matching
// ErrDisabled and the cause.
// Zero values in cfg are replaced by the package defaults of the xmpp
// package.
func New(session *xmpp.Session, cfg Config, opts ...Option) *Supervisor {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		session: session,
		cfg:     cfg,
		logger:  kitlog.NewNopLogger(),
		ctx:     ctx,
		cancel:  cancel,
		state:   State{NextDelay: cfg.BaseDelay},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = kitlog.With(s.logger, "component", "reconnect")
	s.notices = xmpp.NewFeed("reconnect-notices", s.logger)
	s.events = session.Events(s.handleEvent)
	return s
}

// Connect records the target used by automatic attempts and runs the first
// attempt, returning its result.
// Only sessions that were Connected before produce Reconnected notices.
// Calling Connect again replaces the target and clears a terminal state.
func (s *Supervisor) Connect(ctx context.Context, ep transport.Endpoint, creds xmpp.Credentials) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.ep, s.creds, s.hasTarget = ep, creds, true
	s.connected = false
	s.resetLocked()
	s.mu.Unlock()
	return s.session.Connect(ctx, ep, creds)
}

// Notices registers fn for supervisor notices.
func (s *Supervisor) Notices(fn func(Notice)) *xmpp.Subscription {
	return s.notices.Subscribe(func(v interface{}) {
		fn(v.(Notice))
	})
}

// State returns a snapshot of the bookkeeping.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop cancels any scheduled attempt and stops watching the session.
// It does not disconnect the session. Stop is idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopTimerLocked()
	s.mu.Unlock()
	s.cancel()
	s.events.Cancel()
}

// Delay returns the backoff before automatic attempt number attempt,
// counting from zero.
func (s *Supervisor) Delay(attempt int) time.Duration {
	return backoff(s.cfg, attempt)
}

func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= cfg.MaxDelay/2 {
			return cfg.MaxDelay
		}
		d *= 2
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

func (s *Supervisor) resetLocked() {
	s.stopTimerLocked()
	s.state = State{NextDelay: s.cfg.BaseDelay}
}

func (s *Supervisor) stopTimerLocked() {
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state.Scheduled = false
}

func (s *Supervisor) handleEvent(e xmpp.Event) {
	switch e.To {
	case xmpp.Connected:
		s.reconnected()
	case xmpp.Failed:
		s.failed(e.Err)
	case xmpp.Closing:
		s.closed()
	}
}

func (s *Supervisor) reconnected() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	attempts := s.state.Attempts
	again := s.connected
	s.connected = true
	s.resetLocked()
	s.mu.Unlock()

	if !again {
		return
	}
	if s.restorer != nil {
		if err := s.restorer.RestorePresence(s.ctx); err != nil {
			level.Warn(s.logger).Log("msg", "failed to restore presence", "err", err)
		}
	}
	reconnects.Inc()
	level.Info(s.logger).Log("msg", "reconnected", "attempts", attempts)
	s.notices.Publish(Notice{Kind: Reconnected, Attempt: attempts})
}

func (s *Supervisor) failed(cause error) {
	s.mu.Lock()
	if s.stopped || !s.hasTarget || s.state.Terminal {
		s.mu.Unlock()
		return
	}
	s.state.LastErr = cause

	var n Notice
	switch {
	case !Retryable(cause):
		s.state.Terminal = true
		n = Notice{Kind: Terminal, Attempt: s.state.Attempts, Err: cause}
	case !s.cfg.Enabled:
		s.state.Terminal = true
		n = Notice{Kind: Terminal, Attempt: s.state.Attempts, Err: fmt.Errorf("%w: %w", ErrDisabled, cause)}
	case s.state.Attempts >= s.cfg.MaxAttempts:
		s.state.Terminal = true
		n = Notice{Kind: Terminal, Attempt: s.state.Attempts, Err: fmt.Errorf("%w: %w", ErrGaveUp, cause)}
	default:
		delay := backoff(s.cfg, s.state.Attempts)
		s.state.Attempts++
		s.state.NextDelay = backoff(s.cfg, s.state.Attempts)
		s.state.Scheduled = true
		s.seq++
		seq := s.seq
		s.timer = time.AfterFunc(delay, func() { s.attempt(seq) })
		n = Notice{Kind: Scheduled, Attempt: s.state.Attempts, Delay: delay, Err: cause}
	}
	s.mu.Unlock()

	switch n.Kind {
	case Terminal:
		terminalFailures.Inc()
		level.Warn(s.logger).Log("msg", "not reconnecting", "attempts", n.Attempt, "err", n.Err)
	case Scheduled:
		scheduledAttempts.Inc()
		level.Info(s.logger).Log("msg", "reconnect scheduled", "attempt", n.Attempt, "delay", n.Delay, "err", cause)
	}
	s.notices.Publish(n)
}

func (s *Supervisor) closed() {
	s.mu.Lock()
	if s.stopped || !s.hasTarget {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.state.Terminal = true
	s.state.LastErr = xmpp.ErrClosed
	attempts := s.state.Attempts
	s.mu.Unlock()
	s.notices.Publish(Notice{Kind: Terminal, Attempt: attempts, Err: xmpp.ErrClosed})
}

func (s *Supervisor) attempt(seq uint64) {
	s.mu.Lock()
	if s.stopped || seq != s.seq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state.Scheduled = false
	ep, creds, n := s.ep, s.creds, s.state.Attempts
	s.mu.Unlock()

	level.Debug(s.logger).Log("msg", "reconnecting", "attempt", n)
	err := s.session.Connect(s.ctx, ep, creds)
	switch {
	case err == nil:
	case errors.Is(err, xmpp.ErrAlreadyConnected), errors.Is(err, xmpp.ErrClosed):
		level.Debug(s.logger).Log("msg", "reconnect attempt superseded", "err", err)
	default:
		level.Debug(s.logger).Log("msg", "reconnect attempt failed", "attempt", n, "err", err)
	}
}
