// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest provides an in-process XMPP server for tests.
//
// The server speaks just enough of RFC 6120 and RFC 6121 to exercise a
// client: StartTLS with a generated certificate, SASL PLAIN against a user
// table, resource binding, the legacy session request, rosters, pings and
// routing of stanzas between bound clients.
package xmpptest // import "github.com/forketyfork/xmpp/internal/xmpptest"

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/transport"
)

// DefaultDomain is the domain served unless WithDomain is used.
const DefaultDomain = "localhost"

// RosterItem is a contact stored on the server.
type RosterItem struct {
	JID          string   `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Ask          string   `xml:"ask,attr,omitempty"`
	Groups       []string `xml:"group"`
}

// IQHandler answers an IQ addressed to the server.
// If ok is false no reply is sent.
type IQHandler func(from jid.JID, iq stanza.IQ) (reply stanza.IQ, ok bool)

// Received is a stanza sent by a bound client.
type Received struct {
	From   jid.JID
	Stanza stanza.Stanza
}

// Option configures a Server.
type Option func(*Server)

// WithDomain sets the domain served.
func WithDomain(domain string) Option {
	return func(s *Server) { s.domain = domain }
}

// WithUser adds an account.
func WithUser(username, password string) Option {
	return func(s *Server) { s.users[username] = password }
}

// WithRoster seeds the roster of an account.
func WithRoster(username string, items ...RosterItem) Option {
	return func(s *Server) { s.rosters[username] = append(s.rosters[username], items...) }
}

// NoTLS stops the server from offering StartTLS.
func NoTLS() Option {
	return func(s *Server) { s.tls = false }
}

// RequireTLS makes StartTLS mandatory.
func RequireTLS() Option {
	return func(s *Server) { s.tlsRequired = true }
}

// LegacySession makes the server offer a mandatory session establishment
// feature.
func LegacySession() Option {
	return func(s *Server) { s.legacySession = true }
}

// WithIQHandler registers h for IQs addressed to the server whose payload is
// in namespace.
func WithIQHandler(namespace string, h IQHandler) Option {
	return func(s *Server) { s.hooks[namespace] = h }
}

// Server is an in-process XMPP server listening on the loopback interface.
type Server struct {
	domain        string
	tls           bool
	tlsRequired   bool
	legacySession bool
	cert          tls.Certificate
	pool          *x509.CertPool
	logf          func(format string, args ...interface{})

	mu      sync.Mutex
	ln      net.Listener
	addr    string
	closed  bool
	users   map[string]string
	rosters map[string][]RosterItem
	hooks   map[string]IQHandler
	dropped map[string]bool
	conns   map[*conn]struct{}
	bound   map[jid.JID]*conn

	accepted atomic.Int32
	received chan Received
	wg       sync.WaitGroup
}

// New starts a server that is closed when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		domain:   DefaultDomain,
		tls:      true,
		logf:     t.Logf,
		users:    make(map[string]string),
		rosters:  make(map[string][]RosterItem),
		hooks:    make(map[string]IQHandler),
		dropped:  make(map[string]bool),
		conns:    make(map[*conn]struct{}),
		bound:    make(map[jid.JID]*conn),
		received: make(chan Received, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	cert, pool, err := newCertificate(s.domain)
	if err != nil {
		t.Fatalf("xmpptest: generating certificate: %v", err)
	}
	s.cert, s.pool = cert, pool

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("xmpptest: listening: %v", err)
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	s.wg.Add(1)
	go s.acceptLoop(ln)
	t.Cleanup(s.Close)
	return s
}

// Domain returns the domain served.
func (s *Server) Domain() string {
	return s.domain
}

// Endpoint returns an endpoint for the server that trusts its certificate.
func (s *Server) Endpoint() transport.Endpoint {
	host, portStr, _ := net.SplitHostPort(s.addr)
	port, _ := strconv.Atoi(portStr)
	ep := transport.Endpoint{
		Host:     host,
		Port:     port,
		Domain:   s.domain,
		Security: transport.SecurityStartTLS,
		TLSConfig: &tls.Config{
			RootCAs:    s.pool,
			ServerName: s.domain,
			MinVersion: tls.VersionTLS12,
		},
	}
	if !s.tls {
		ep.Security = transport.SecurityDisabled
	}
	return ep
}

// SetPassword adds or changes an account.
func (s *Server) SetPassword(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

// HandleIQ registers h for IQs addressed to the server in namespace.
// A nil handler removes the registration.
func (s *Server) HandleIQ(namespace string, h IQHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.hooks, namespace)
		return
	}
	s.hooks[namespace] = h
}

// DropIQ makes the server ignore IQ requests in namespace without replying.
func (s *Server) DropIQ(namespace string, drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[namespace] = drop
}

// Received returns the stanzas sent by bound clients in arrival order.
// Stanzas are dropped if nobody reads them and the buffer is full.
func (s *Server) Received() <-chan Received {
	return s.received
}

// WaitFor returns the first received stanza matching match, discarding the
// ones that do not.
func (s *Server) WaitFor(timeout time.Duration, match func(Received) bool) (Received, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case r := <-s.received:
			if match == nil || match(r) {
				return r, true
			}
		case <-timer.C:
			return Received{}, false
		}
	}
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Bound returns the full addresses bound for the account with the given bare
// address.
func (s *Server) Bound(bare jid.JID) []jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []jid.JID
	for j := range s.bound {
		if j.Bare().Equal(bare.Bare()) {
			out = append(out, j)
		}
	}
	return out
}

// Roster returns the roster stored for an account.
func (s *Server) Roster(username string) []RosterItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RosterItem(nil), s.rosters[username]...)
}

// Push sends a stanza to the client bound to to, or to every client of the
// account if to is bare. It reports the number of clients reached.
func (s *Server) Push(to jid.JID, st stanza.Stanza) int {
	n := 0
	for _, c := range s.lookup(to) {
		if err := c.send(st); err == nil {
			n++
		}
	}
	return n
}

// PushRaw writes raw XML to the clients selected as by Push.
func (s *Server) PushRaw(to jid.JID, raw string) int {
	n := 0
	for _, c := range s.lookup(to) {
		if err := c.writeRaw(raw); err == nil {
			n++
		}
	}
	return n
}

// ResetConnections closes every client connection without closing the
// stream.
func (s *Server) ResetConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
		delete(s.conns, c)
	}
	for j := range s.bound {
		delete(s.bound, j)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.netConn().Close()
	}
}

// Refuse stops listening so that new connections are refused.
// Connections already established are not affected.
func (s *Server) Refuse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
}

// Accept resumes listening on the original address after Refuse.
func (s *Server) Accept() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("xmpptest: server closed")
	}
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Close stops the server and closes every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	s.mu.Unlock()
	s.ResetConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		c := newConn(s, nc)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

func (s *Server) authenticate(username, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[username]
	return ok && p == password
}

func (s *Server) hook(namespace string) (IQHandler, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[namespace]
	return h, ok, s.dropped[namespace]
}

// register binds c to addr, closing any other connection bound to it.
func (s *Server) register(addr jid.JID, c *conn) {
	s.mu.Lock()
	old := s.bound[addr]
	s.bound[addr] = c
	s.mu.Unlock()
	if old != nil && old != c {
		_ = old.writeRaw(`<stream:error><conflict xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>`)
		_ = old.netConn().Close()
	}
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	if !c.addr.IsZero() && s.bound[c.addr] == c {
		delete(s.bound, c.addr)
	}
}

func (s *Server) lookup(to jid.JID) []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !to.IsBare() {
		if c, ok := s.bound[to]; ok {
			return []*conn{c}
		}
		return nil
	}
	var out []*conn
	for j, c := range s.bound {
		if j.Bare().Equal(to) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) record(from jid.JID, st stanza.Stanza) {
	select {
	case s.received <- Received{From: from, Stanza: st}:
	default:
		s.logf("xmpptest: dropping received %s from %s", st.Kind(), from)
	}
}

func (s *Server) roster(username string) []RosterItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RosterItem(nil), s.rosters[username]...)
}

// updateRoster applies a roster set and returns the items to push.
func (s *Server) updateRoster(username string, items []RosterItem) []RosterItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.rosters[username]
	pushed := make([]RosterItem, 0, len(items))
	for _, item := range items {
		idx := -1
		for i, old := range stored {
			if old.JID == item.JID {
				idx = i
				break
			}
		}
		if item.Subscription == "remove" {
			if idx >= 0 {
				stored = append(stored[:idx], stored[idx+1:]...)
			}
			pushed = append(pushed, item)
			continue
		}
		if idx >= 0 {
			item.Subscription = stored[idx].Subscription
			item.Ask = stored[idx].Ask
			stored[idx] = item
		} else {
			item.Subscription = "none"
			stored = append(stored, item)
		}
		pushed = append(pushed, item)
	}
	s.rosters[username] = stored
	return pushed
}
