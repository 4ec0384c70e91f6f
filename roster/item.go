// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package roster

import (
	"bytes"
	"encoding/xml"

	"mellium.im/xmlstream"

	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
)

// NS is the roster namespace.
const NS = "jabber:iq:roster"

// Subscription states of a roster item as defined in RFC 6121 §2.1.2.5.
// SubscriptionRemove is only used in roster sets and pushes.
const (
	SubscriptionNone   = "none"
	SubscriptionTo     = "to"
	SubscriptionFrom   = "from"
	SubscriptionBoth   = "both"
	SubscriptionRemove = "remove"
)

// Item represents a contact in the roster.
type Item struct {
	JID          jid.JID  `xml:"jid,attr,omitempty"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Ask          string   `xml:"ask,attr,omitempty"`
	Groups       []string `xml:"group"`
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (item Item) TokenReader() xml.TokenReader {
	var groups []xml.TokenReader
	for _, g := range item.Groups {
		groups = append(groups, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(g)),
			xml.StartElement{Name: xml.Name{Local: "group"}},
		))
	}

	attrs := []xml.Attr{}
	if j := item.JID.String(); j != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "jid"}, Value: j})
	}
	if item.Name != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "name"}, Value: item.Name})
	}
	if item.Subscription != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "subscription"}, Value: item.Subscription})
	}

	return xmlstream.Wrap(
		xmlstream.MultiReader(groups...),
		xml.StartElement{
			Name: xml.Name{Local: "item"},
			Attr: attrs,
		},
	)
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (item Item) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, item.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface.
func (item Item) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := item.WriteXML(e)
	if err != nil {
		return err
	}
	return e.Flush()
}

type query struct {
	XMLName xml.Name `xml:"jabber:iq:roster query"`
	Ver     string   `xml:"ver,attr,omitempty"`
	Items   []Item   `xml:"item"`
}

// payload returns a roster query element containing items.
func payload(items ...Item) (*stanza.Element, error) {
	var b bytes.Buffer
	e := xml.NewEncoder(&b)
	for _, item := range items {
		if _, err := item.WriteXML(e); err != nil {
			return nil, err
		}
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	el := stanza.NewElement(NS, "query")
	el.Inner = b.String()
	return el, nil
}

// decodeQuery returns the items of a roster query element.
func decodeQuery(el *stanza.Element) (query, error) {
	q := query{}
	if el == nil {
		return q, nil
	}
	err := el.Decode(&q)
	return q, err
}
