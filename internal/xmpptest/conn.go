// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpptest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/forketyfork/xmpp/internal/attr"
	"github.com/forketyfork/xmpp/internal/ns"
	intstream "github.com/forketyfork/xmpp/internal/stream"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/stream"
)

var errCloseStream = errors.New("xmpptest: stream closed")

// conn is the server side of one client connection.
type conn struct {
	srv *Server

	wmu sync.Mutex
	nc  net.Conn
	dec *xml.Decoder
	br  *bufio.Reader

	secure bool
	user   string
	addr   jid.JID
}

func newConn(srv *Server, nc net.Conn) *conn {
	c := &conn{srv: srv, nc: nc}
	c.br = bufio.NewReader(nc)
	c.dec = xml.NewDecoder(c.br)
	return c
}

func (c *conn) netConn() net.Conn {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.nc
}

// Write satisfies io.Writer so that stream headers can be sent on the conn.
func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.nc.Write(p)
}

func (c *conn) writeRaw(s string) error {
	_, err := io.WriteString(c, s)
	return err
}

func (c *conn) send(v interface{}) error {
	var b bytes.Buffer
	if err := xml.NewEncoder(&b).Encode(v); err != nil {
		return err
	}
	_, err := c.Write(b.Bytes())
	return err
}

func (c *conn) serve() {
	defer func() {
		c.srv.unregister(c)
		_ = c.netConn().Close()
	}()
	if err := c.open(); err != nil {
		return
	}
	for {
		tok, err := c.dec.Token()
		if err != nil {
			return
		}
		switch t := tok.(type) {
		case xml.EndElement:
			_ = intstream.Close(c)
			return
		case xml.StartElement:
			if err := c.handle(t); err != nil {
				if errors.Is(err, errCloseStream) {
					_ = intstream.Close(c)
				}
				return
			}
		}
	}
}

// open reads the client stream header, answers it and sends the features
// for the current stage of negotiation.
func (c *conn) open() error {
	if _, err := intstream.Expect(context.Background(), c.dec, true); err != nil {
		return err
	}
	_, err := intstream.Send(c, jid.JID{}, jid.MustParse(c.srv.domain), attr.RandomID(), "en")
	if err != nil {
		return err
	}
	return c.writeRaw(c.features())
}

func (c *conn) features() string {
	var b strings.Builder
	b.WriteString("<stream:features>")
	switch {
	case c.user == "":
		if c.srv.tls && !c.secure {
			b.WriteString("<starttls xmlns='" + ns.StartTLS + "'>")
			if c.srv.tlsRequired {
				b.WriteString("<required/>")
			}
			b.WriteString("</starttls>")
		}
		b.WriteString("<mechanisms xmlns='" + ns.SASL + "'><mechanism>PLAIN</mechanism></mechanisms>")
	default:
		b.WriteString("<bind xmlns='" + ns.Bind + "'/>")
		if c.srv.legacySession {
			b.WriteString("<session xmlns='" + ns.Session + "'/>")
		}
	}
	b.WriteString("</stream:features>")
	return b.String()
}

func (c *conn) handle(start xml.StartElement) error {
	switch {
	case start.Name == xml.Name{Space: ns.StartTLS, Local: "starttls"}:
		if err := c.dec.Skip(); err != nil {
			return err
		}
		return c.startTLS()
	case start.Name == xml.Name{Space: ns.SASL, Local: "auth"}:
		return c.auth(start)
	case stanza.Is(start.Name):
		if c.user == "" {
			_ = c.writeRaw(`<stream:error><not-authorized xmlns='` + ns.Streams + `'/></stream:error>`)
			return errCloseStream
		}
		st, err := c.decode(start)
		if err != nil {
			return err
		}
		c.handleStanza(st)
		return nil
	}
	return c.dec.Skip()
}

func (c *conn) startTLS() error {
	if !c.srv.tls || c.secure {
		_ = c.writeRaw(`<failure xmlns='` + ns.StartTLS + `'/>`)
		return errCloseStream
	}
	if err := c.writeRaw(`<proceed xmlns='` + ns.StartTLS + `'/>`); err != nil {
		return err
	}
	c.wmu.Lock()
	tc := tls.Server(c.nc, &tls.Config{
		Certificates: []tls.Certificate{c.srv.cert},
		MinVersion:   tls.VersionTLS12,
	})
	c.nc = tc
	c.wmu.Unlock()
	if err := tc.Handshake(); err != nil {
		return err
	}
	c.secure = true
	c.br = bufio.NewReader(tc)
	c.dec = xml.NewDecoder(c.br)
	return c.open()
}

func (c *conn) auth(start xml.StartElement) error {
	req := struct {
		Data string `xml:",chardata"`
	}{}
	if err := c.dec.DecodeElement(&req, &start); err != nil {
		return err
	}
	data := req.Data
	fail := func(condition string) error {
		_ = c.writeRaw(`<failure xmlns='` + ns.SASL + `'><` + condition + `/></failure>`)
		return errCloseStream
	}
	switch {
	case c.user != "":
		return fail("aborted")
	case c.srv.tlsRequired && !c.secure:
		return fail("encryption-required")
	case attr.Get(start.Attr, "mechanism") != "PLAIN":
		return fail("invalid-mechanism")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return fail("incorrect-encoding")
	}
	parts := bytes.Split(raw, []byte{0})
	if len(parts) != 3 || !c.srv.authenticate(string(parts[1]), string(parts[2])) {
		return fail("not-authorized")
	}
	if err := c.writeRaw(`<success xmlns='` + ns.SASL + `'/>`); err != nil {
		return err
	}
	c.user = string(parts[1])
	c.dec = xml.NewDecoder(c.br)
	return c.open()
}

func (c *conn) decode(start xml.StartElement) (stanza.Stanza, error) {
	start.Name.Space = ns.Client
	switch start.Name.Local {
	case "message":
		v := stanza.Message{}
		err := c.dec.DecodeElement(&v, &start)
		return v, err
	case "presence":
		v := stanza.Presence{}
		err := c.dec.DecodeElement(&v, &start)
		return v, err
	default:
		v := stanza.IQ{}
		err := c.dec.DecodeElement(&v, &start)
		return v, err
	}
}

func (c *conn) handleStanza(st stanza.Stanza) {
	if c.addr.IsZero() {
		iq, ok := st.(stanza.IQ)
		if !ok {
			_ = c.writeRaw(`<stream:error><not-authorized xmlns='` + ns.Streams + `'/></stream:error>`)
			return
		}
		c.bind(iq)
		return
	}
	switch v := st.(type) {
	case stanza.IQ:
		c.handleIQ(v)
	case stanza.Message:
		v.From = c.addr
		c.srv.record(c.addr, v)
		if !v.To.IsZero() {
			c.srv.Push(v.To, v)
		}
	case stanza.Presence:
		v.From = c.addr
		c.srv.record(c.addr, v)
		if !v.To.IsZero() {
			if v.Type.IsSubscription() {
				v.From = c.addr.Bare()
			}
			c.srv.Push(v.To, v)
		}
	}
}

func (c *conn) bind(iq stanza.IQ) {
	if iq.Type != stanza.SetIQ || iq.Namespace() != ns.Bind {
		_ = c.send(iq.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}))
		return
	}
	req := struct {
		Resource string `xml:"resource"`
	}{}
	if err := iq.Payload.Decode(&req); err != nil {
		_ = c.send(iq.ErrorReply(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}))
		return
	}
	res := strings.TrimSpace(req.Resource)
	if res == "" {
		res = "resource-" + uuid.NewString()[:8]
	}
	addr, err := jid.New(c.user, c.srv.domain, res)
	if err != nil {
		_ = c.send(iq.ErrorReply(stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed}))
		return
	}
	c.addr = addr
	c.srv.register(addr, c)

	var b bytes.Buffer
	b.WriteString("<jid>")
	_ = xml.EscapeText(&b, []byte(addr.String()))
	b.WriteString("</jid>")
	payload := stanza.NewElement(ns.Bind, "bind")
	payload.Inner = b.String()
	_ = c.send(iq.Result(payload))
}

func (c *conn) handleIQ(iq stanza.IQ) {
	iq.From = c.addr
	domain := jid.MustParse(c.srv.domain)
	if !iq.To.IsZero() && !iq.To.Equal(domain) && !iq.To.Equal(c.addr.Bare()) {
		c.srv.record(c.addr, iq)
		if c.srv.Push(iq.To, iq) == 0 && iq.Type.IsRequest() {
			_ = c.send(iq.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}))
		}
		return
	}
	c.srv.record(c.addr, iq)
	if !iq.Type.IsRequest() {
		return
	}

	space := iq.Namespace()
	h, ok, drop := c.srv.hook(space)
	switch {
	case ok:
		if reply, ok := h(c.addr, iq); ok {
			_ = c.send(reply)
		}
		return
	case drop:
		return
	}

	switch space {
	case ns.Session, ns.Ping:
		_ = c.send(iq.Result(nil))
	case ns.Roster:
		c.roster(iq)
	default:
		_ = c.send(iq.ErrorReply(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}))
	}
}

type rosterQuery struct {
	XMLName xml.Name     `xml:"jabber:iq:roster query"`
	Items   []RosterItem `xml:"item"`
}

func (c *conn) roster(iq stanza.IQ) {
	if iq.Type == stanza.GetIQ {
		payload, err := rosterPayload(c.srv.roster(c.user))
		if err != nil {
			_ = c.send(iq.ErrorReply(stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}))
			return
		}
		_ = c.send(iq.Result(payload))
		return
	}

	q := rosterQuery{}
	if err := iq.Payload.Decode(&q); err != nil || len(q.Items) != 1 {
		_ = c.send(iq.ErrorReply(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}))
		return
	}
	pushed := c.srv.updateRoster(c.user, q.Items)
	_ = c.send(iq.Result(nil))
	payload, err := rosterPayload(pushed)
	if err != nil {
		return
	}
	bare := c.addr.Bare()
	for _, to := range c.srv.Bound(bare) {
		c.srv.Push(to, stanza.IQ{
			Header:  stanza.Header{ID: attr.RandomID(), To: to},
			Type:    stanza.SetIQ,
			Payload: payload,
		})
	}
}

// rosterPayload encodes items as a roster query element.
func rosterPayload(items []RosterItem) (*stanza.Element, error) {
	var b bytes.Buffer
	if err := xml.NewEncoder(&b).Encode(rosterQuery{Items: items}); err != nil {
		return nil, err
	}
	el := &stanza.Element{}
	if err := xml.NewDecoder(&b).Decode(el); err != nil {
		return nil, err
	}
	return el, nil
}

// RosterPush returns a roster push IQ carrying items.
func RosterPush(to jid.JID, items ...RosterItem) (stanza.IQ, error) {
	payload, err := rosterPayload(items)
	if err != nil {
		return stanza.IQ{}, err
	}
	return stanza.IQ{
		Header:  stanza.Header{ID: attr.RandomID(), To: to},
		Type:    stanza.SetIQ,
		Payload: payload,
	}, nil
}

// StreamError returns the XML of a stream error followed by the closing
// stream tag, for use with PushRaw.
func StreamError(condition stream.Error) string {
	b, err := xml.Marshal(condition)
	if err != nil {
		return `</stream:stream>`
	}
	return string(b) + `</stream:stream>`
}
