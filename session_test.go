// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp_test

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forketyfork/xmpp"
	"github.com/forketyfork/xmpp/internal/saslerr"
	"github.com/forketyfork/xmpp/internal/xmpptest"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/stream"
	"github.com/forketyfork/xmpp/transport"
)

const (
	alice    = "alice"
	alicePw  = "wonderland"
	bob      = "bob"
	bobPw    = "builder"
	waitFor  = 3 * time.Second
	pollTick = 10 * time.Millisecond
)

func newServer(t *testing.T, opts ...xmpptest.Option) *xmpptest.Server {
	t.Helper()
	opts = append([]xmpptest.Option{
		xmpptest.WithUser(alice, alicePw),
		xmpptest.WithUser(bob, bobPw),
	}, opts...)
	return xmpptest.New(t, opts...)
}

func testConfig() xmpp.Config {
	return xmpp.Config{
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 2 * time.Second,
		PhaseTimeout:   2 * time.Second,
		CloseTimeout:   time.Second,
	}
}

func newSession(t *testing.T, cfg xmpp.Config) *xmpp.Session {
	t.Helper()
	s, err := xmpp.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Disconnect(context.Background())
	})
	return s
}

func connect(t *testing.T, srv *xmpptest.Server, cfg xmpp.Config, user, pass, resource string) *xmpp.Session {
	t.Helper()
	s := newSession(t, cfg)
	err := s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{
		Username: user,
		Password: pass,
		Resource: resource,
	})
	require.NoError(t, err)
	return s
}

type eventLog struct {
	mu     sync.Mutex
	events []xmpp.Event
}

func watch(s *xmpp.Session) *eventLog {
	l := &eventLog{}
	s.Events(func(e xmpp.Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, e)
	})
	return l
}

func (l *eventLog) states() []xmpp.StreamState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]xmpp.StreamState, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.To)
	}
	return out
}

func (l *eventLog) last() xmpp.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return xmpp.Event{}
	}
	return l.events[len(l.events)-1]
}

func (l *eventLog) waitState(t *testing.T, want ...xmpp.StreamState) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := l.states()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, waitFor, pollTick, "states: %v", l.states())
}

// silentServer accepts connections and never writes anything.
func silentServer(t *testing.T) transport.Endpoint {
	t.Helper()
	return rawServer(t, nil)
}

// rawServer accepts plain TCP connections and hands each to handle, if any.
// Connections are closed when the test ends.
func rawServer(t *testing.T, handle func(net.Conn)) transport.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			if handle != nil {
				go handle(c)
			}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	addr := ln.Addr().(*net.TCPAddr)
	return transport.Endpoint{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Domain:   "localhost",
		Security: transport.SecurityDisabled,
	}
}

func TestConnectStartTLS(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, testConfig())
	events := watch(s)

	err := s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{
		Username: alice,
		Password: alicePw,
		Resource: "balcony",
	})
	require.NoError(t, err)
	require.Equal(t, xmpp.Connected, s.State())
	require.Equal(t, "alice@localhost/balcony", s.LocalAddr().String())
	require.Equal(t, "localhost", s.Domain().String())
	events.waitState(t, xmpp.Negotiating, xmpp.Authenticated, xmpp.Bound, xmpp.Connected)
	require.Len(t, srv.Bound(jid.MustParse("alice@localhost")), 1)
}

func TestConnectServerAssignsResource(t *testing.T) {
	srv := newServer(t)
	s := connect(t, srv, testConfig(), alice, alicePw, "")
	require.True(t, strings.HasPrefix(s.LocalAddr().Resourcepart(), "resource-"), "resource %q", s.LocalAddr().Resourcepart())
}

func TestConnectLegacySession(t *testing.T) {
	srv := newServer(t, xmpptest.LegacySession())
	s := connect(t, srv, testConfig(), alice, alicePw, "")
	require.Equal(t, xmpp.Connected, s.State())
	_, ok := srv.WaitFor(waitFor, func(r xmpptest.Received) bool {
		return r.Stanza.Namespace() == "urn:ietf:params:xml:ns:xmpp-session"
	})
	require.True(t, ok, "session request never reached the server")
}

func TestConnectInsecurePlain(t *testing.T) {
	srv := newServer(t, xmpptest.NoTLS())
	cfg := testConfig()
	cfg.AllowInsecurePlain = true
	s := connect(t, srv, cfg, alice, alicePw, "cleartext")
	require.Equal(t, xmpp.Connected, s.State())
}

func TestConnectInsecurePlainRefused(t *testing.T) {
	srv := newServer(t, xmpptest.NoTLS())
	s := newSession(t, testConfig())
	err := s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{Username: alice, Password: alicePw})

	var negErr *xmpp.NegotiationError
	require.ErrorAs(t, err, &negErr)
	require.Equal(t, xmpp.PhaseSASL, negErr.Phase)
	require.True(t, negErr.Misconfigured)
	require.Equal(t, xmpp.Failed, s.State())
}

func TestConnectStartTLSNotOffered(t *testing.T) {
	srv := newServer(t, xmpptest.NoTLS())
	ep := srv.Endpoint()
	ep.Security = transport.SecurityStartTLS
	s := newSession(t, testConfig())
	err := s.Connect(context.Background(), ep, xmpp.Credentials{Username: alice, Password: alicePw})

	var negErr *xmpp.NegotiationError
	require.ErrorAs(t, err, &negErr)
	require.Equal(t, xmpp.PhaseStartTLS, negErr.Phase)
	require.True(t, negErr.Misconfigured)
}

func TestConnectServerRequiresTLS(t *testing.T) {
	srv := newServer(t, xmpptest.RequireTLS())
	ep := srv.Endpoint()
	ep.Security = transport.SecurityDisabled
	cfg := testConfig()
	cfg.AllowInsecurePlain = true
	s := newSession(t, cfg)
	err := s.Connect(context.Background(), ep, xmpp.Credentials{Username: alice, Password: alicePw})

	var negErr *xmpp.NegotiationError
	require.ErrorAs(t, err, &negErr)
	require.Equal(t, xmpp.PhaseStartTLS, negErr.Phase)
	require.True(t, negErr.Misconfigured)
}

func TestConnectUntrustedCertificate(t *testing.T) {
	srv := newServer(t)
	ep := srv.Endpoint()
	ep.TLSConfig = &tls.Config{ServerName: srv.Domain(), MinVersion: tls.VersionTLS12}
	s := newSession(t, testConfig())
	err := s.Connect(context.Background(), ep, xmpp.Credentials{Username: alice, Password: alicePw})

	var connErr *transport.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, transport.TLSFailure, connErr.Kind)
}

func TestConnectBadCredentials(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, testConfig())
	events := watch(s)

	err := s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{Username: alice, Password: "wrong"})
	var authErr *xmpp.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, saslerr.NotAuthorized, authErr.Condition)
	require.Equal(t, xmpp.Failed, s.State())
	events.waitState(t, xmpp.Negotiating, xmpp.Failed)
	require.ErrorAs(t, events.last().Err, &authErr)

	err = s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{Username: alice, Password: alicePw})
	require.NoError(t, err)
	require.Equal(t, xmpp.Connected, s.State())
}

func TestConnectRefused(t *testing.T) {
	srv := newServer(t)
	srv.Refuse()
	s := newSession(t, testConfig())
	err := s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{Username: alice, Password: alicePw})

	var connErr *transport.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, transport.Refused, connErr.Kind)
	require.Equal(t, xmpp.Failed, s.State())
}

func TestConnectValidatesArguments(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, testConfig())

	ep := srv.Endpoint()
	ep.Domain = "user@localhost"
	require.Error(t, s.Connect(context.Background(), ep, xmpp.Credentials{Username: alice}))
	require.Error(t, s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{}))
	require.Equal(t, xmpp.Disconnected, s.State())
}

func TestConnectTwice(t *testing.T) {
	srv := newServer(t)
	s := connect(t, srv, testConfig(), alice, alicePw, "")
	err := s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{Username: alice, Password: alicePw})
	require.ErrorIs(t, err, xmpp.ErrAlreadyConnected)
	require.Equal(t, xmpp.Connected, s.State())
}

func TestConnectPhaseTimeout(t *testing.T) {
	ep := silentServer(t)
	cfg := testConfig()
	cfg.PhaseTimeout = 100 * time.Millisecond
	s := newSession(t, cfg)
	err := s.Connect(context.Background(), ep, xmpp.Credentials{Username: alice, Password: alicePw})

	var negErr *xmpp.NegotiationError
	require.ErrorAs(t, err, &negErr)
	require.True(t, negErr.Timeout)
	require.Equal(t, xmpp.PhaseOpen, negErr.Phase)
}

func TestConnectStreamErrorOnOpen(t *testing.T) {
	ep := rawServer(t, func(c net.Conn) {
		_, _ = c.Write([]byte(`<stream:error xmlns:stream='http://etherx.jabber.org/streams'>` +
			`<host-unknown xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>`))
	})
	s := newSession(t, testConfig())
	err := s.Connect(context.Background(), ep, xmpp.Credentials{Username: alice, Password: alicePw})

	require.ErrorIs(t, err, stream.HostUnknown)
	var negErr *xmpp.NegotiationError
	require.ErrorAs(t, err, &negErr)
	require.Equal(t, xmpp.PhaseOpen, negErr.Phase)
	require.Equal(t, xmpp.Failed, s.State())
}

func TestConnectTimeout(t *testing.T) {
	ep := silentServer(t)
	cfg := testConfig()
	cfg.ConnectTimeout = 150 * time.Millisecond
	s := newSession(t, cfg)

	start := time.Now()
	err := s.Connect(context.Background(), ep, xmpp.Credentials{Username: alice, Password: alicePw})
	require.Less(t, time.Since(start), cfg.PhaseTimeout)

	var negErr *xmpp.NegotiationError
	require.ErrorAs(t, err, &negErr)
	require.True(t, negErr.Timeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, xmpp.Failed, s.State())
}

func TestDisconnectDuringConnect(t *testing.T) {
	ep := silentServer(t)
	s := newSession(t, testConfig())

	errc := make(chan error, 1)
	go func() {
		errc <- s.Connect(context.Background(), ep, xmpp.Credentials{Username: alice, Password: alicePw})
	}()
	require.Eventually(t, func() bool {
		return s.State() == xmpp.Negotiating
	}, waitFor, pollTick)

	require.NoError(t, s.Disconnect(context.Background()))
	select {
	case err := <-errc:
		require.ErrorIs(t, err, xmpp.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("connect did not return after disconnect")
	}
	require.Equal(t, xmpp.Disconnected, s.State())
}

func TestDisconnect(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, testConfig())
	events := watch(s)
	require.NoError(t, s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{Username: alice, Password: alicePw}))

	require.NoError(t, s.Disconnect(context.Background()))
	require.Equal(t, xmpp.Disconnected, s.State())
	require.True(t, s.LocalAddr().IsZero())
	require.NoError(t, s.Disconnect(context.Background()))
	events.waitState(t,
		xmpp.Negotiating, xmpp.Authenticated, xmpp.Bound, xmpp.Connected,
		xmpp.Closing, xmpp.Disconnected,
	)
	require.Eventually(t, func() bool {
		return len(srv.Bound(jid.MustParse("alice@localhost"))) == 0
	}, waitFor, pollTick)

	require.ErrorIs(t, s.Send(stanza.Available(stanza.ShowNone, "")), xmpp.ErrNotConnected)
	require.NoError(t, s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{Username: alice, Password: alicePw}))
}

func TestConcurrentDisconnect(t *testing.T) {
	srv := newServer(t)
	s := connect(t, srv, testConfig(), alice, alicePw, "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Disconnect(context.Background()))
		}()
	}
	wg.Wait()
	require.Equal(t, xmpp.Disconnected, s.State())
}

func TestConnectionReset(t *testing.T) {
	srv := newServer(t)
	s := connect(t, srv, testConfig(), alice, alicePw, "")
	events := watch(s)

	srv.ResetConnections()
	events.waitState(t, xmpp.Failed)
	var connErr *transport.ConnectionError
	require.ErrorAs(t, events.last().Err, &connErr)
	require.Equal(t, transport.Reset, connErr.Kind)
	require.Equal(t, xmpp.Failed, s.State())
	require.ErrorIs(t, s.Send(stanza.Available(stanza.ShowNone, "")), xmpp.ErrNotConnected)

	require.NoError(t, s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{Username: alice, Password: alicePw}))
}

func TestStreamError(t *testing.T) {
	srv := newServer(t)
	s := connect(t, srv, testConfig(), alice, alicePw, "")
	events := watch(s)

	require.Equal(t, 1, srv.PushRaw(s.LocalAddr(), xmpptest.StreamError(stream.SystemShutdown)))
	events.waitState(t, xmpp.Failed)
	var se stream.Error
	require.ErrorAs(t, events.last().Err, &se)
	require.Equal(t, stream.SystemShutdown.Err, se.Err)
}

func TestSendMessage(t *testing.T) {
	srv := newServer(t)
	a := connect(t, srv, testConfig(), alice, alicePw, "balcony")
	b := connect(t, srv, testConfig(), bob, bobPw, "workshop")

	got := make(chan stanza.Message, 1)
	b.Subscribe(xmpp.Filter{Kind: stanza.KindMessage}, xmpp.HandlerFunc(func(st stanza.Stanza) error {
		got <- st.(stanza.Message)
		return nil
	}))

	require.NoError(t, a.Send(stanza.NewChat(b.LocalAddr(), "can we fix it?")))
	select {
	case m := <-got:
		require.Equal(t, "can we fix it?", m.Body)
		require.Equal(t, stanza.ChatMessage, m.Type)
		require.True(t, m.From.Equal(a.LocalAddr()), "from %s", m.From)
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}
}

func TestSendPresence(t *testing.T) {
	srv := newServer(t)
	s := connect(t, srv, testConfig(), alice, alicePw, "")

	require.NoError(t, s.Send(stanza.Available(stanza.ShowChat, "here")))
	r, ok := srv.WaitFor(waitFor, func(r xmpptest.Received) bool {
		return r.Stanza.Kind() == stanza.KindPresence
	})
	require.True(t, ok)
	p := r.Stanza.(stanza.Presence)
	require.Equal(t, stanza.ShowChat, p.Show)
	require.Equal(t, "here", p.Status)
}

func TestSendNotConnected(t *testing.T) {
	s := newSession(t, testConfig())
	require.ErrorIs(t, s.Send(stanza.NewChat(jid.MustParse("bob@localhost"), "hi")), xmpp.ErrNotConnected)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := xmpp.New(xmpp.Config{RequestTimeout: -time.Second})
	require.Error(t, err)
}

func TestSessionsAreIndependent(t *testing.T) {
	srv := newServer(t)
	a := connect(t, srv, testConfig(), alice, alicePw, "one")
	b := connect(t, srv, testConfig(), alice, alicePw, "two")

	require.NoError(t, a.Disconnect(context.Background()))
	require.Equal(t, xmpp.Disconnected, a.State())
	require.Equal(t, xmpp.Connected, b.State())
	require.False(t, errors.Is(b.Send(stanza.Available(stanza.ShowNone, "")), xmpp.ErrNotConnected))
}
