// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza_test

import (
	"encoding/xml"
	"errors"
	"strconv"
	"testing"

	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
)

var (
	_ stanza.Stanza   = stanza.Message{}
	_ stanza.Stanza   = stanza.Presence{}
	_ stanza.Stanza   = stanza.IQ{}
	_ xml.Marshaler   = stanza.Error{}
	_ xml.Unmarshaler = (*stanza.Error)(nil)
	_ xml.Unmarshaler = (*stanza.Element)(nil)
	_ error           = stanza.Error{}
)

func TestMarshal(t *testing.T) {
	to := jid.MustParse("auction@localhost")
	for i, tc := range [...]struct {
		v   interface{}
		out string
	}{
		0: {
			v:   stanza.NewChat(to, "SOLClient version: 1.1; Command: JOIN;"),
			out: `<message xmlns="jabber:client" to="auction@localhost" type="chat"><body>SOLClient version: 1.1; Command: JOIN;</body></message>`,
		},
		1: {
			v:   stanza.Available(stanza.ShowAway, "lunch"),
			out: `<presence xmlns="jabber:client"><show>away</show><status>lunch</status></presence>`,
		},
		2: {
			v:   stanza.NewPresence(to, stanza.SubscribePresence),
			out: `<presence xmlns="jabber:client" to="auction@localhost" type="subscribe"></presence>`,
		},
		3: {
			v: stanza.IQ{
				Header:  stanza.Header{ID: "123", To: to},
				Type:    stanza.GetIQ,
				Payload: stanza.NewElement("urn:xmpp:ping", "ping"),
			},
			out: `<iq xmlns="jabber:client" id="123" to="auction@localhost" type="get"><ping xmlns="urn:xmpp:ping"></ping></iq>`,
		},
		4: {
			v: stanza.IQ{Header: stanza.Header{ID: "123", From: to}, Type: stanza.GetIQ}.ErrorReply(stanza.Error{
				Type:      stanza.Cancel,
				Condition: stanza.ServiceUnavailable,
			}),
			out: `<iq xmlns="jabber:client" id="123" to="auction@localhost" type="error"><error type="cancel"><service-unavailable xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"></service-unavailable></error></iq>`,
		},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			b, err := xml.Marshal(tc.v)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s := string(b); s != tc.out {
				t.Errorf("wrong output:\nwant=%s,\n got=%s", tc.out, s)
			}
		})
	}
}

func TestUnmarshal(t *testing.T) {
	for i, tc := range [...]struct {
		in   string
		kind stanza.Kind
		ns   string
		id   string
		err  bool
	}{
		0: {
			in:   `<message xmlns="jabber:client" from="sniper@localhost/Auction" type="chat"><body>hi</body></message>`,
			kind: stanza.KindMessage,
		},
		1: {
			in:   `<presence xmlns="jabber:client" from="juliet@example.com/balcony"><c xmlns="http://jabber.org/protocol/caps" node="n"/></presence>`,
			kind: stanza.KindPresence,
			ns:   "http://jabber.org/protocol/caps",
		},
		2: {
			in:   `<iq xmlns="jabber:client" id="42" type="result"><query xmlns="jabber:iq:roster"/></iq>`,
			kind: stanza.KindIQ,
			ns:   "jabber:iq:roster",
			id:   "42",
		},
		3: {
			in:   `<iq id="7" type="result"/>`,
			kind: stanza.KindIQ,
			id:   "7",
		},
		4: {
			in:  `<iq xmlns="jabber:client" type="result"/>`,
			err: true,
		},
		5: {
			in:  `<iq xmlns="jabber:client" id="1" type="get"/>`,
			err: true,
		},
		6: {
			in:  `<iq xmlns="jabber:client" id="1" type="bogus"><a xmlns="urn:a"/></iq>`,
			err: true,
		},
		7: {
			in:  `<r xmlns="urn:xmpp:sm:3"/>`,
			err: true,
		},
		8: {
			in:  `<message xmlns="jabber:client" from="@bad"/>`,
			err: true,
		},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			s, err := stanza.Unmarshal([]byte(tc.in))
			switch {
			case tc.err && err == nil:
				t.Fatalf("expected error, got %#v", s)
			case tc.err:
				return
			case err != nil:
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Kind() != tc.kind {
				t.Errorf("wrong kind: want=%v, got=%v", tc.kind, s.Kind())
			}
			if s.Namespace() != tc.ns {
				t.Errorf("wrong namespace: want=%q, got=%q", tc.ns, s.Namespace())
			}
			if s.Head().ID != tc.id {
				t.Errorf("wrong id: want=%q, got=%q", tc.id, s.Head().ID)
			}
		})
	}
}

func TestUnknownElement(t *testing.T) {
	_, err := stanza.Unmarshal([]byte(`<a xmlns="urn:example"/>`))
	if !errors.Is(err, stanza.ErrUnknownElement) {
		t.Errorf("wrong error: want=%v, got=%v", stanza.ErrUnknownElement, err)
	}
}

func TestMessageFields(t *testing.T) {
	s, err := stanza.Unmarshal([]byte(`<message xmlns="jabber:client" from="a@b/c" id="m1" type="chat"><subject>s</subject><thread>t</thread><body>b &amp; c</body><x xmlns="urn:x" k="v"><y/></x></message>`))
	if err != nil {
		t.Fatal(err)
	}
	msg := s.(stanza.Message)
	if msg.Body != "b & c" || msg.Subject != "s" || msg.Thread != "t" {
		t.Errorf("wrong fields: %+v", msg)
	}
	if msg.From.String() != "a@b/c" {
		t.Errorf("wrong from: %s", msg.From)
	}
	if len(msg.Payload) != 1 {
		t.Fatalf("expected one extension element, got %d", len(msg.Payload))
	}
	x := msg.Payload[0]
	if x.XMLName.Space != "urn:x" || x.XMLName.Local != "x" {
		t.Errorf("wrong extension name: %+v", x.XMLName)
	}
	if v := x.Attribute("k"); v != "v" {
		t.Errorf("wrong attribute: want=v, got=%q", v)
	}
	if x.Attribute("xmlns") != "" {
		t.Errorf("namespace declarations should not be kept as attributes")
	}
	if x.Inner != "<y/>" {
		t.Errorf("wrong inner XML: %q", x.Inner)
	}
}

func TestPresenceFields(t *testing.T) {
	s, err := stanza.Unmarshal([]byte(`<presence xmlns="jabber:client" from="a@b/c"><show>dnd</show><status>busy</status><priority> 5 </priority></presence>`))
	if err != nil {
		t.Fatal(err)
	}
	p := s.(stanza.Presence)
	if p.Show != stanza.ShowDND || p.Status != "busy" || p.Priority != 5 {
		t.Errorf("wrong fields: %+v", p)
	}
	if p.Type != stanza.AvailablePresence {
		t.Errorf("wrong type: %q", p.Type)
	}
}

func TestElementDecode(t *testing.T) {
	s, err := stanza.Unmarshal([]byte(`<iq xmlns="jabber:client" id="1" type="result"><query xmlns="jabber:iq:roster" ver="v1"><item jid="a@b" name="A"/><item jid="c@d"/></query></iq>`))
	if err != nil {
		t.Fatal(err)
	}
	iq := s.(stanza.IQ)
	var query struct {
		Ver   string `xml:"ver,attr"`
		Items []struct {
			JID  string `xml:"jid,attr"`
			Name string `xml:"name,attr"`
		} `xml:"item"`
	}
	if err := iq.Payload.Decode(&query); err != nil {
		t.Fatal(err)
	}
	if query.Ver != "v1" || len(query.Items) != 2 || query.Items[0].Name != "A" || query.Items[1].JID != "c@d" {
		t.Errorf("wrong decoded payload: %+v", query)
	}
}

func TestResult(t *testing.T) {
	req := stanza.IQ{
		Header: stanza.Header{ID: "abc", From: jid.MustParse("a@b/c"), To: jid.MustParse("b")},
		Type:   stanza.GetIQ,
	}
	res := req.Result(nil)
	if res.ID != "abc" || res.Type != stanza.ResultIQ {
		t.Errorf("wrong result header: %+v", res)
	}
	if !res.To.Equal(req.From) || !res.From.Equal(req.To) {
		t.Errorf("addresses were not swapped: %+v", res.Header)
	}
	if !req.Type.IsRequest() || res.Type.IsRequest() {
		t.Errorf("wrong request classification")
	}
}

func TestKindString(t *testing.T) {
	for k, s := range map[stanza.Kind]string{
		stanza.KindMessage:  "message",
		stanza.KindPresence: "presence",
		stanza.KindIQ:       "iq",
		stanza.Kind(0):      "Kind(0)",
	} {
		if k.String() != s {
			t.Errorf("wrong string for %d: want=%s, got=%s", k, s, k.String())
		}
	}
}

func TestIs(t *testing.T) {
	if !stanza.Is(xml.Name{Space: "jabber:client", Local: "iq"}) {
		t.Errorf("iq should be a stanza")
	}
	if stanza.Is(xml.Name{Space: "urn:xmpp:sm:3", Local: "r"}) {
		t.Errorf("r should not be a stanza")
	}
	if stanza.Is(xml.Name{Space: "urn:example", Local: "message"}) {
		t.Errorf("message in a foreign namespace should not be a stanza")
	}
}
