// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forketyfork/xmpp"
	"github.com/forketyfork/xmpp/internal/ns"
	"github.com/forketyfork/xmpp/internal/xmpptest"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/transport"
)

func TestPing(t *testing.T) {
	srv := newServer(t)
	s := connect(t, srv, testConfig(), alice, alicePw, "")
	require.NoError(t, s.Ping(context.Background()))
}

func TestPingUnsupported(t *testing.T) {
	srv := newServer(t, xmpptest.WithIQHandler(ns.Ping, func(_ jid.JID, iq stanza.IQ) (stanza.IQ, bool) {
		return iq.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}), true
	}))
	s := connect(t, srv, testConfig(), alice, alicePw, "")
	require.NoError(t, s.Ping(context.Background()))
}

func TestKeepAlive(t *testing.T) {
	srv := newServer(t)
	cfg := testConfig()
	cfg.KeepAlive = 50 * time.Millisecond
	s := connect(t, srv, cfg, alice, alicePw, "")

	for i := 0; i < 2; i++ {
		_, ok := srv.WaitFor(waitFor, func(r xmpptest.Received) bool {
			return r.Stanza.Namespace() == ns.Ping
		})
		require.True(t, ok, "ping %d never arrived", i)
	}
	require.Equal(t, xmpp.Connected, s.State())
}

func TestKeepAliveTimeout(t *testing.T) {
	srv := newServer(t)
	srv.DropIQ(ns.Ping, true)
	cfg := testConfig()
	cfg.KeepAlive = 50 * time.Millisecond
	cfg.RequestTimeout = 100 * time.Millisecond
	s := connect(t, srv, cfg, alice, alicePw, "")
	events := watch(s)

	events.waitState(t, xmpp.Failed)
	var connErr *transport.ConnectionError
	require.ErrorAs(t, events.last().Err, &connErr)
	require.Equal(t, transport.TimedOut, connErr.Kind)
	require.Equal(t, "keepalive", connErr.Op)
	require.ErrorIs(t, connErr, xmpp.ErrRequestTimeout)
}
