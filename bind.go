// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"

	"github.com/forketyfork/xmpp/internal/attr"
	"github.com/forketyfork/xmpp/internal/ns"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/stream"
)

// bind requests the resource from the credentials, or a server generated one
// if it is empty, and returns the full address assigned by the server.
func (n *negotiator) bind(ctx context.Context) (jid.JID, error) {
	payload := stanza.NewElement(ns.Bind, "bind")
	if res := n.creds.Resource; res != "" {
		var b bytes.Buffer
		b.WriteString("<resource>")
		if err := xml.EscapeText(&b, []byte(res)); err != nil {
			return jid.JID{}, err
		}
		b.WriteString("</resource>")
		payload.Inner = b.String()
	}
	resp, err := n.iq(ctx, payload)
	if err != nil {
		return jid.JID{}, err
	}

	result := struct {
		XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
		JID     string   `xml:"jid"`
	}{}
	if resp.Payload == nil {
		return jid.JID{}, fmt.Errorf("%w: empty bind result", errUnexpectedReply)
	}
	if err := resp.Payload.Decode(&result); err != nil {
		return jid.JID{}, err
	}
	local, err := jid.Parse(result.JID)
	if err != nil {
		return jid.JID{}, err
	}
	if local.IsBare() {
		return jid.JID{}, fmt.Errorf("%w: bound address %s has no resource", errUnexpectedReply, local)
	}
	return local, nil
}

// establishSession sends the session request of RFC 3921 §3 that older
// servers expect before a resource may be used.
func (n *negotiator) establishSession(ctx context.Context) error {
	_, err := n.iq(ctx, stanza.NewElement(ns.Session, "session"))
	return err
}

// iq sends an IQ set carrying payload and reads the matching reply.
// No other stanza may arrive before the stream is ready so the reply must be
// the next element.
// An error reply is returned as its stanza.Error.
func (n *negotiator) iq(ctx context.Context, payload *stanza.Element) (stanza.IQ, error) {
	req := stanza.IQ{
		Header:  stanza.Header{ID: attr.RandomID()},
		Type:    stanza.SetIQ,
		Payload: payload,
	}
	if err := n.conn.Encode(req); err != nil {
		return stanza.IQ{}, err
	}
	if err := ctx.Err(); err != nil {
		return stanza.IQ{}, err
	}
	start, err := n.nextStart()
	if err != nil {
		return stanza.IQ{}, err
	}
	if !stanza.Is(start.Name) || start.Name.Local != "iq" {
		return stanza.IQ{}, stream.UnsupportedStanzaType
	}
	resp := stanza.IQ{}
	if err := n.conn.DecodeElement(&resp, &start); err != nil {
		return stanza.IQ{}, err
	}
	switch {
	case resp.ID != req.ID:
		return stanza.IQ{}, fmt.Errorf("%w: id %q does not match %q", errUnexpectedReply, resp.ID, req.ID)
	case resp.Type == stanza.ErrorIQ:
		if resp.Error == nil {
			return resp, stanza.Error{Type: stanza.Cancel, Condition: stanza.UndefinedCondition}
		}
		return resp, *resp.Error
	case resp.Type != stanza.ResultIQ:
		return stanza.IQ{}, fmt.Errorf("%w: IQ of type %q", errUnexpectedReply, resp.Type)
	}
	return resp, nil
}
