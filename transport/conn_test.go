// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package transport_test

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/stream"
	"github.com/forketyfork/xmpp/transport"
)

const header = `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='1' version='1.0'>`

// pipe returns a client Conn that has already consumed the stream header and
// the server end of the pipe.
func pipe(t *testing.T, opts ...transport.Option) (*transport.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c := transport.NewConn(client, opts...)
	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})
	go func() {
		_, _ = io.WriteString(server, header)
	}()
	tok, err := c.Token()
	require.NoError(t, err)
	start, ok := tok.(xml.StartElement)
	require.True(t, ok)
	require.Equal(t, "stream", start.Name.Local)
	return c, server
}

func writeAsync(server net.Conn, s string) {
	go func() {
		_, _ = io.WriteString(server, s)
	}()
}

func TestReadStanza(t *testing.T) {
	c, server := pipe(t)
	writeAsync(server, "\n  <message xmlns='jabber:client' from='a@b/c' type='chat'><body>hi</body></message> <iq id='x' type='result'/>")

	s, err := c.ReadStanza()
	require.NoError(t, err)
	msg, ok := s.(stanza.Message)
	require.True(t, ok)
	require.Equal(t, "hi", msg.Body)
	require.Equal(t, jid.MustParse("a@b/c"), msg.From)

	s, err = c.ReadStanza()
	require.NoError(t, err)
	require.Equal(t, stanza.KindIQ, s.Kind())
	require.Equal(t, "x", s.Head().ID)
}

func TestReadStanzaKeepsPayloadNamespaces(t *testing.T) {
	c, server := pipe(t)
	writeAsync(server, `<iq type='set' id='p1' from='b'><query xmlns='jabber:iq:roster'><item jid='romeo@example.net' subscription='both'><group>Friends</group></item></query></iq>`)

	s, err := c.ReadStanza()
	require.NoError(t, err)
	iq := s.(stanza.IQ)
	require.Equal(t, "jabber:iq:roster", iq.Namespace())

	var query struct {
		Items []struct {
			JID    string   `xml:"jid,attr"`
			Groups []string `xml:"group"`
		} `xml:"item"`
	}
	require.NoError(t, iq.Payload.Decode(&query))
	require.Len(t, query.Items, 1)
	require.Equal(t, "romeo@example.net", query.Items[0].JID)
	require.Equal(t, []string{"Friends"}, query.Items[0].Groups)
}

func TestReadStanzaDecodeErrorIsNotSticky(t *testing.T) {
	c, server := pipe(t)
	writeAsync(server, `<message from='@invalid'><body>x</body></message><r xmlns='urn:xmpp:sm:3'/><presence from='a@b/c'/>`)

	_, err := c.ReadStanza()
	var decodeErr *transport.DecodeError
	require.True(t, errors.As(err, &decodeErr), "got %v", err)
	require.Equal(t, "message", decodeErr.Name.Local)

	_, err = c.ReadStanza()
	require.True(t, errors.As(err, &decodeErr), "got %v", err)
	require.True(t, errors.Is(err, stanza.ErrUnknownElement))

	s, err := c.ReadStanza()
	require.NoError(t, err)
	require.Equal(t, stanza.KindPresence, s.Kind())
}

func TestReadStanzaStreamEnd(t *testing.T) {
	c, server := pipe(t)
	writeAsync(server, `</stream:stream>`)

	_, err := c.ReadStanza()
	require.True(t, errors.Is(err, transport.ErrReset))
	require.True(t, errors.Is(err, io.EOF))
	var connErr *transport.ConnectionError
	require.True(t, errors.As(err, &connErr))
	require.True(t, connErr.Closed())

	_, err2 := c.ReadStanza()
	require.Equal(t, err, err2, "read errors should be sticky")
}

func TestReadStanzaStreamError(t *testing.T) {
	c, server := pipe(t)
	writeAsync(server, `<stream:error><conflict xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>`)

	_, err := c.ReadStanza()
	require.True(t, errors.Is(err, transport.ErrReset))
	require.True(t, errors.Is(err, stream.Conflict))
}

func TestReadStanzaPeerGone(t *testing.T) {
	c, server := pipe(t)
	require.NoError(t, server.Close())

	_, err := c.ReadStanza()
	require.Error(t, err)
	require.Equal(t, transport.Reset, transport.Classify(err))
}

func TestReadLimit(t *testing.T) {
	client, server := net.Pipe()
	c := transport.NewConn(client, transport.WithReadLimit(rate.NewLimiter(rate.Limit(1), 10)))
	defer c.Close()
	defer server.Close()
	writeAsync(server, header)

	_, err := c.Token()
	require.Error(t, err)
	require.True(t, errors.Is(err, transport.ErrReadLimitExceeded))
	require.True(t, errors.Is(err, transport.ErrReset))
}

func TestWritesAreAtomic(t *testing.T) {
	client, server := net.Pipe()
	c := transport.NewConn(client)
	defer c.Close()
	defer server.Close()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Encode(stanza.NewChat(jid.MustParse("a@b"), strings.Repeat("x", 512)))
		}()
	}
	go func() {
		wg.Wait()
		_ = c.Close()
	}()

	d := xml.NewDecoder(server)
	var n int
	for {
		var msg stanza.Message
		err := d.Decode(&msg)
		if err != nil {
			break
		}
		require.Len(t, msg.Body, 512)
		n++
	}
	require.Equal(t, writers, n)
}

func TestSendTokens(t *testing.T) {
	client, server := net.Pipe()
	c := transport.NewConn(client)
	defer c.Close()
	defer server.Close()

	go func() {
		_ = c.Send(stream.Conflict.TokenReader())
	}()
	var se stream.Error
	require.NoError(t, xml.NewDecoder(server).Decode(&se))
	require.Equal(t, stream.Conflict.Err, se.Err)
}

func TestCloseIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := transport.NewConn(client)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	err := c.WriteRaw("</stream:stream>")
	require.Error(t, err)
	var connErr *transport.ConnectionError
	require.True(t, errors.As(err, &connErr))
}

func TestPhaseDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := transport.NewConn(client)
	defer c.Close()

	require.NoError(t, c.SetPhaseDeadline(20*time.Millisecond))
	_, err := c.Token()
	require.True(t, errors.Is(err, transport.ErrTimedOut), "got %v", err)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	_, err = transport.Dial(context.Background(), transport.Endpoint{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Domain:   "localhost",
		Security: transport.SecurityDisabled,
	})
	require.True(t, errors.Is(err, transport.ErrRefused), "got %v", err)
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			accepted <- nc
		}
	}()

	c, err := transport.Dial(context.Background(), transport.Endpoint{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Security: transport.SecurityDisabled,
	})
	require.NoError(t, err)
	defer c.Close()
	nc := <-accepted
	defer nc.Close()

	_, tlsOn := c.ConnectionState()
	require.False(t, tlsOn)
	require.Equal(t, nc.LocalAddr().String(), c.RemoteAddr().String())
}
