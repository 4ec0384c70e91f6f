// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package receipts_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forketyfork/xmpp"
	"github.com/forketyfork/xmpp/internal/xmpptest"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/receipts"
	"github.com/forketyfork/xmpp/stanza"
)

const waitFor = 3 * time.Second

func TestRequest(t *testing.T) {
	msg := stanza.NewChat(jid.MustParse("juliet@example.com"), "wherefore art thou")
	require.False(t, receipts.Requested(msg))

	req := receipts.Request(msg)
	require.True(t, receipts.Requested(req))
	require.Len(t, req.Payload, 1)
	require.Equal(t, receipts.NS, req.Payload[0].XMLName.Space)
	require.Empty(t, msg.Payload)

	require.Equal(t, req, receipts.Request(req))

	errMsg := stanza.Message{Type: stanza.ErrorMessage}
	require.Equal(t, errMsg, receipts.Request(errMsg))
}

func TestReceived(t *testing.T) {
	from := jid.MustParse("romeo@example.net/orchard")
	msg := stanza.Message{
		Header: stanza.Header{ID: "123", From: from},
		Type:   stanza.NormalMessage,
	}
	r := receipts.Received(msg)
	require.Equal(t, from, r.To)
	require.Equal(t, stanza.NormalMessage, r.Type)
	require.NotEmpty(t, r.ID)
	require.NotEqual(t, "123", r.ID)
	require.Len(t, r.Payload, 1)
	require.Equal(t, "received", r.Payload[0].XMLName.Local)
	require.Equal(t, "123", r.Payload[0].Attribute("id"))
	require.False(t, receipts.Requested(r))
}

func newServer(t *testing.T) *xmpptest.Server {
	t.Helper()
	return xmpptest.New(t,
		xmpptest.WithUser("alice", "wonderland"),
		xmpptest.WithUser("bob", "builder"),
		xmpptest.WithUser("carol", "christmas"),
	)
}

func connect(t *testing.T, srv *xmpptest.Server, user, pass string) *xmpp.Session {
	t.Helper()
	s, err := xmpp.New(xmpp.Config{
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 2 * time.Second,
		PhaseTimeout:   2 * time.Second,
		CloseTimeout:   time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Disconnect(context.Background())
	})
	require.NoError(t, s.Connect(context.Background(), srv.Endpoint(), xmpp.Credentials{Username: user, Password: pass}))
	return s
}

func newHandler(t *testing.T, s *xmpp.Session) *receipts.Handler {
	t.Helper()
	h := receipts.New(s)
	t.Cleanup(h.Close)
	return h
}

func TestRoundTrip(t *testing.T) {
	srv := newServer(t)
	a := connect(t, srv, "alice", "wonderland")
	b := connect(t, srv, "bob", "builder")
	ha := newHandler(t, a)
	newHandler(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, ha.SendMessage(ctx, stanza.NewChat(b.LocalAddr(), "hi bob")))
	require.Zero(t, ha.Pending())

	r, ok := srv.WaitFor(waitFor, func(r xmpptest.Received) bool {
		msg, ok := r.Stanza.(stanza.Message)
		return ok && len(msg.Payload) == 1 && msg.Payload[0].XMLName.Local == "received"
	})
	require.True(t, ok)
	require.True(t, r.From.Equal(b.LocalAddr()))
	require.Equal(t, stanza.ChatMessage, r.Stanza.(stanza.Message).Type)
}

func TestNoReceipt(t *testing.T) {
	srv := newServer(t)
	a := connect(t, srv, "alice", "wonderland")
	b := connect(t, srv, "bob", "builder")
	ha := newHandler(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := ha.SendMessage(ctx, stanza.NewChat(b.LocalAddr(), "anyone there?"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, ha.Pending())
}

func TestReceiptFromOtherAccountIgnored(t *testing.T) {
	srv := newServer(t)
	a := connect(t, srv, "alice", "wonderland")
	b := connect(t, srv, "bob", "builder")
	c := connect(t, srv, "carol", "christmas")
	ha := newHandler(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg := stanza.NewChat(b.LocalAddr(), "for bob only")
	msg.ID = "m1"
	errc := make(chan error, 1)
	go func() {
		errc <- ha.SendMessage(ctx, msg)
	}()
	require.Eventually(t, func() bool { return ha.Pending() == 1 }, waitFor, 10*time.Millisecond)

	delivered := stanza.Message{Header: stanza.Header{ID: "m1", From: a.LocalAddr()}, Type: stanza.ChatMessage}
	require.NoError(t, c.Send(receipts.Received(delivered)))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, ha.Pending())

	require.NoError(t, b.Send(receipts.Received(delivered)))
	require.NoError(t, <-errc)
	require.Zero(t, ha.Pending())
}

func TestErrorMessage(t *testing.T) {
	srv := newServer(t)
	a := connect(t, srv, "alice", "wonderland")
	b := connect(t, srv, "bob", "builder")
	ha := newHandler(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg := stanza.NewChat(b.LocalAddr(), "bounce me")
	msg.ID = "m2"
	errc := make(chan error, 1)
	go func() {
		errc <- ha.SendMessage(ctx, msg)
	}()
	require.Eventually(t, func() bool { return ha.Pending() == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, b.Send(stanza.Message{
		Header: stanza.Header{ID: "m2", To: a.LocalAddr()},
		Type:   stanza.ErrorMessage,
		Error:  &stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound},
	}))
	err := <-errc
	var stanzaErr stanza.Error
	require.True(t, errors.As(err, &stanzaErr))
	require.Equal(t, stanza.ItemNotFound, stanzaErr.Condition)
}

func TestDuplicateID(t *testing.T) {
	srv := newServer(t)
	a := connect(t, srv, "alice", "wonderland")
	b := connect(t, srv, "bob", "builder")
	ha := newHandler(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	msg := stanza.NewChat(b.LocalAddr(), "once")
	msg.ID = "dup"
	errc := make(chan error, 1)
	go func() {
		errc <- ha.SendMessage(ctx, msg)
	}()
	require.Eventually(t, func() bool { return ha.Pending() == 1 }, waitFor, 10*time.Millisecond)
	require.ErrorIs(t, ha.SendMessage(context.Background(), msg), receipts.ErrDuplicateID)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.Zero(t, ha.Pending())
}

func TestSendNotConnected(t *testing.T) {
	s, err := xmpp.New(xmpp.Config{})
	require.NoError(t, err)
	h := receipts.New(s)
	defer h.Close()

	err = h.SendMessage(context.Background(), stanza.NewChat(jid.MustParse("bob@localhost"), "hi"))
	require.ErrorIs(t, err, xmpp.ErrNotConnected)
	require.Zero(t, h.Pending())
	require.Error(t, h.SendMessage(context.Background(), stanza.Message{Type: stanza.ErrorMessage}))
}
