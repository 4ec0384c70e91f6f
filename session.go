// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/forketyfork/xmpp/internal/attr"
	intstream "github.com/forketyfork/xmpp/internal/stream"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/transport"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger of the session.
// The default discards everything.
func WithLogger(logger kitlog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithTransportOptions sets options passed to transport.Dial on every
// connection attempt.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(s *Session) {
		s.tOpts = append(s.tOpts, opts...)
	}
}

// Session is an XMPP client stream and the state that goes with it.
// Its methods are safe for concurrent use.
type Session struct {
	id     string
	cfg    Config
	logger kitlog.Logger
	tOpts  []transport.Option

	events  *Feed
	stanzas *Feed
	disp    dispatcher

	mu       sync.Mutex
	state    StreamState
	gen      uint64
	conn     *transport.Conn
	local    jid.JID
	domain   jid.JID
	readDone chan struct{}
	closed   chan struct{}
	cancel   context.CancelFunc
}

// New returns a disconnected session.
func New(cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		id:     attr.ShortID(),
		cfg:    cfg,
		logger: kitlog.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = kitlog.With(s.logger, "session", s.id)
	s.tOpts = append([]transport.Option{transport.WithLogger(s.logger)}, s.tOpts...)
	s.events = NewFeed("events-"+s.id, s.logger)
	s.stanzas = NewFeed("stanzas-"+s.id, s.logger)
	return s, nil
}

// Config returns the configuration of the session with defaults applied.
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the current stream state.
func (s *Session) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalAddr returns the address bound to the stream.
// It is the zero JID until a resource has been bound.
func (s *Session) LocalAddr() jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Domain returns the service domain of the last connection attempt.
func (s *Session) Domain() jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain
}

// Connect dials ep, negotiates the stream, and blocks until the session is
// Connected or the attempt failed.
// It may only be called when the session is Disconnected or Failed and
// returns ErrAlreadyConnected otherwise.
// A Disconnect during the attempt makes it return ErrClosed.
// Failures are committed as a transition to Failed carrying the same error.
func (s *Session) Connect(ctx context.Context, ep transport.Endpoint, creds Credentials) error {
	domain, err := jid.Parse(ep.Domain)
	if err != nil || domain.Localpart() != "" || domain.Resourcepart() != "" {
		return fmt.Errorf("xmpp: invalid endpoint domain %q", ep.Domain)
	}
	if creds.Username == "" {
		return errors.New("xmpp: credentials have no username")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	s.mu.Lock()
	if s.state != Disconnected && s.state != Failed {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.domain = domain
	s.local = jid.JID{}
	if err := s.transitionLocked(Negotiating, nil); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	conn, err := transport.Dial(ctx, ep, s.tOpts...)
	if err != nil {
		return s.attemptFailed(ctx, gen, PhaseOpen, err)
	}
	if !s.attach(gen, conn) {
		_ = conn.Close()
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	n := &negotiator{
		cfg:    s.cfg,
		conn:   conn,
		ep:     ep,
		creds:  creds,
		domain: domain,
		logger: s.logger,
		advance: func(to StreamState) error {
			return s.advance(gen, to)
		},
	}
	local, err := n.negotiate(ctx)
	if !stop() && err == nil {
		// The context expired after the last phase but closed the connection.
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return s.attemptFailed(ctx, gen, n.phase, err)
	}
	_ = conn.SetPhaseDeadline(0)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.local = local
	done := make(chan struct{})
	s.readDone = done
	if err := s.transitionLocked(Connected, nil); err != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return err
	}
	s.mu.Unlock()

	go s.readLoop(gen, conn, done)
	if s.cfg.KeepAlive > 0 {
		go s.keepAlive(gen, done)
	}
	return nil
}

// attach records the transport of an attempt so that Disconnect can close it.
func (s *Session) attach(gen uint64, conn *transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	s.conn = conn
	return true
}

// advance commits a negotiation step unless the attempt has been superseded.
func (s *Session) advance(gen uint64, to StreamState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return ErrClosed
	}
	return s.transitionLocked(to, nil)
}

func (s *Session) attemptFailed(ctx context.Context, gen uint64, phase Phase, err error) error {
	var (
		authErr *AuthenticationError
		negErr  *NegotiationError
	)
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.As(err, &authErr) && !errors.As(err, &negErr) {
		err = &NegotiationError{
			Phase:   phase,
			Timeout: errors.Is(ctxErr, context.DeadlineExceeded),
			Err:     ctxErr,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return ErrClosed
	}
	s.conn = nil
	s.local = jid.JID{}
	if tErr := s.transitionLocked(Failed, err); tErr != nil {
		level.Error(s.logger).Log("msg", "failed to record failed attempt", "err", tErr)
	}
	return err
}

// transitionLocked commits a state change and queues the event for every
// listener. s.mu must be held.
func (s *Session) transitionLocked(to StreamState, cause error) error {
	from := s.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", errBadTransition, from, to)
	}
	s.state = to
	stateTransitions.WithLabelValues(to.String()).Inc()
	if cause != nil {
		level.Info(s.logger).Log("msg", "state changed", "from", from, "to", to, "err", cause)
	} else {
		level.Info(s.logger).Log("msg", "state changed", "from", from, "to", to)
	}

	if from == Connected {
		reason := cause
		if to == Closing {
			reason = ErrClosed
		}
		s.disp.failAll(notConnected(reason))
	}
	s.events.Publish(Event{From: from, To: to, Err: cause, At: time.Now()})
	return nil
}

// Send writes a stanza to the stream.
// It returns ErrNotConnected unless the session is Connected and does not wait
// for anything other than the write itself.
func (s *Session) Send(st stanza.Stanza) error {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := s.conn, s.gen
	s.mu.Unlock()
	return s.write(gen, conn, st)
}

func (s *Session) write(gen uint64, conn *transport.Conn, st stanza.Stanza) error {
	if err := conn.Encode(st); err != nil {
		var connErr *transport.ConnectionError
		if errors.As(err, &connErr) {
			s.streamFailed(gen, err)
		}
		return err
	}
	outgoingStanzas.WithLabelValues(st.Kind().String()).Inc()
	level.Debug(s.logger).Log("msg", "sent stanza", "kind", st.Kind(), "id", st.Head().ID, "to", st.Head().To)
	return nil
}

func (s *Session) readLoop(gen uint64, conn *transport.Conn, done chan struct{}) {
	defer close(done)
	for {
		st, err := conn.ReadStanza()
		if err != nil {
			var decErr *transport.DecodeError
			if errors.As(err, &decErr) {
				level.Warn(s.logger).Log("msg", "skipping undecodable stanza", "name", decErr.Name.Local, "err", decErr.Err)
				continue
			}
			s.streamFailed(gen, err)
			return
		}
		s.dispatch(gen, conn, st)
	}
}

// streamFailed moves a Connected session to Failed.
// It does nothing if the stream of gen is no longer the active one.
func (s *Session) streamFailed(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.state != Connected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	if err := s.transitionLocked(Failed, cause); err != nil {
		level.Error(s.logger).Log("msg", "failed to record stream failure", "err", err)
	}
	s.mu.Unlock()

	var connErr *transport.ConnectionError
	if errors.As(cause, &connErr) && connErr.Closed() {
		_ = intstream.Close(conn)
	}
	_ = conn.Close()
}

// Disconnect closes the stream gracefully.
// If the session is Connected the closing stream tag is sent and the server's
// closing tag is awaited for at most Config.CloseTimeout or until ctx is done.
// A connection attempt in progress is cancelled.
// Disconnect is idempotent; concurrent calls wait for the same close.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Disconnected:
		s.mu.Unlock()
		return nil
	case Closing:
		closed := s.closed
		s.mu.Unlock()
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	from := s.state
	s.gen++
	conn, done := s.conn, s.readDone
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
	}
	closed := make(chan struct{})
	s.closed = closed
	if err := s.transitionLocked(Closing, nil); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	var err error
	if conn != nil {
		if from == Connected {
			err = s.closeStream(ctx, conn, done)
		}
		_ = conn.Close()
	}

	s.mu.Lock()
	s.local = jid.JID{}
	if tErr := s.transitionLocked(Disconnected, nil); tErr != nil {
		level.Error(s.logger).Log("msg", "failed to record disconnect", "err", tErr)
	}
	close(closed)
	s.mu.Unlock()
	return err
}

// closeStream sends the closing stream tag and waits for the reader to see
// the peer's.
func (s *Session) closeStream(ctx context.Context, conn *transport.Conn, done <-chan struct{}) error {
	if err := intstream.Close(conn); err != nil {
		level.Debug(s.logger).Log("msg", "failed to send closing stream tag", "err", err)
		return nil
	}
	timer := time.NewTimer(s.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		level.Debug(s.logger).Log("msg", "server did not close the stream in time")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Session) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}
