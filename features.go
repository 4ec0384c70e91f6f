// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"encoding/xml"

	"github.com/forketyfork/xmpp/internal/ns"
	"github.com/forketyfork/xmpp/stream"
)

// features is the parsed content of a <stream:features/> element.
type features struct {
	startTLS    bool
	tlsRequired bool
	mechanisms  []string
	bind        bool
	session     bool
	sessionOpt  bool

	// other holds the names of features this package does not negotiate.
	other []xml.Name
}

// readFeatures reads the <stream:features/> element that must follow a stream
// header.
func (n *negotiator) readFeatures() (features, error) {
	var f features
	start, err := n.nextStart()
	if err != nil {
		return f, err
	}
	if start.Name != (xml.Name{Space: stream.NS, Local: "features"}) {
		return f, stream.BadFormat
	}

	for {
		tok, err := n.conn.Token()
		if err != nil {
			return f, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return f, nil
		case xml.StartElement:
			if err := n.parseFeature(&f, t); err != nil {
				return f, err
			}
		}
	}
}

func (n *negotiator) parseFeature(f *features, start xml.StartElement) error {
	switch start.Name {
	case xml.Name{Space: ns.StartTLS, Local: "starttls"}:
		parsed := struct {
			Required *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-tls required"`
		}{}
		if err := n.conn.DecodeElement(&parsed, &start); err != nil {
			return err
		}
		f.startTLS = true
		f.tlsRequired = parsed.Required != nil
	case xml.Name{Space: ns.SASL, Local: "mechanisms"}:
		parsed := struct {
			List []string `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanism"`
		}{}
		if err := n.conn.DecodeElement(&parsed, &start); err != nil {
			return err
		}
		f.mechanisms = parsed.List
	case xml.Name{Space: ns.Bind, Local: "bind"}:
		if err := n.conn.DecodeElement(&struct{}{}, &start); err != nil {
			return err
		}
		f.bind = true
	case xml.Name{Space: ns.Session, Local: "session"}:
		parsed := struct {
			Optional *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-session optional"`
		}{}
		if err := n.conn.DecodeElement(&parsed, &start); err != nil {
			return err
		}
		f.session = true
		f.sessionOpt = parsed.Optional != nil
	default:
		if err := n.conn.DecodeElement(&struct{}{}, &start); err != nil {
			return err
		}
		f.other = append(f.other, start.Name)
	}
	return nil
}
