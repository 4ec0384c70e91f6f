// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/forketyfork/xmpp/internal/ns"
	"github.com/forketyfork/xmpp/jid"
)

// ErrUnknownElement is returned by Unmarshal when the top level element is not
// a message, presence, or IQ in the jabber:client namespace.
var ErrUnknownElement = errors.New("stanza: not a stanza")

// Kind identifies one of the three stanza types.
type Kind uint8

// A list of stanza kinds.
const (
	KindMessage Kind = iota + 1
	KindPresence
	KindIQ
)

// String returns the element name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindPresence:
		return "presence"
	case KindIQ:
		return "iq"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Stanza is implemented by Message, Presence, and IQ.
type Stanza interface {
	// Kind returns the kind of the stanza.
	Kind() Kind

	// Head returns the addressing attributes common to all stanzas.
	Head() Header

	// Namespace returns the namespace of the first payload element or the empty
	// string if there is no payload.
	Namespace() string

	isStanza()
}

// Header contains the attributes shared by every stanza.
type Header struct {
	ID   string  `xml:"id,attr,omitempty"`
	From jid.JID `xml:"from,attr,omitempty"`
	To   jid.JID `xml:"to,attr,omitempty"`
	Lang string  `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
}

// Element is a generic payload slot holding an extension element that is not
// otherwise modeled by this package.
type Element struct {
	XMLName xml.Name
	Attr    []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

// NewElement returns an empty element with the given namespace and local name.
func NewElement(space, local string) *Element {
	return &Element{XMLName: xml.Name{Space: space, Local: local}}
}

// UnmarshalXML satisfies xml.Unmarshaler.
// Namespace declarations are dropped from the attributes since the name
// already carries the namespace.
func (e *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	type element Element
	var el element
	if err := d.DecodeElement(&el, &start); err != nil {
		return err
	}
	attrs := el.Attr[:0]
	for _, a := range el.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		attrs = append(attrs, a)
	}
	el.Attr = attrs
	if len(el.Attr) == 0 {
		el.Attr = nil
	}
	*e = Element(el)
	return nil
}

// Decode unmarshals the raw inner XML of the element into v.
// The element itself is used as the outer start element.
func (e *Element) Decode(v interface{}) error {
	var b bytes.Buffer
	if err := xml.NewEncoder(&b).Encode(e); err != nil {
		return err
	}
	return xml.NewDecoder(&b).Decode(v)
}

// Attribute returns the value of the unqualified attribute with the given
// local name.
func (e *Element) Attribute(local string) string {
	for _, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// Unmarshal decodes a single top level stanza from b.
// The stanza must be in the jabber:client namespace.
func Unmarshal(b []byte) (Stanza, error) {
	return Decode(xml.NewDecoder(bytes.NewReader(b)))
}

// Decode reads the next element from d and decodes it as a stanza.
func Decode(d *xml.Decoder) (Stanza, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Space != ns.Client && start.Name.Space != "" {
			return nil, fmt.Errorf("%w: %s %s", ErrUnknownElement, start.Name.Space, start.Name.Local)
		}
		start.Name.Space = ns.Client
		switch start.Name.Local {
		case "message":
			v := Message{}
			err = d.DecodeElement(&v, &start)
			return v, err
		case "presence":
			v := Presence{}
			err = d.DecodeElement(&v, &start)
			return v, err
		case "iq":
			v := IQ{}
			err = d.DecodeElement(&v, &start)
			if err == nil {
				err = v.validate()
			}
			return v, err
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, start.Name.Local)
	}
}

// Is reports whether name is the name of a stanza in the client namespace.
func Is(name xml.Name) bool {
	switch name.Local {
	case "message", "presence", "iq":
		return name.Space == ns.Client || name.Space == ""
	}
	return false
}

func firstNamespace(payload []Element) string {
	if len(payload) == 0 {
		return ""
	}
	return payload[0].XMLName.Space
}
