// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"github.com/forketyfork/xmpp/jid"
)

// PresenceType is the type of a presence stanza.
// It should normally be one of the constants defined in this package.
type PresenceType string

const (
	// AvailablePresence is a special case that signals that the entity is
	// available for communication.
	AvailablePresence PresenceType = ""

	// ErrorPresence indicates that an error has occurred regarding processing of
	// a previously sent presence stanza; if the presence stanza is of type
	// "error", it MUST include an <error/> child element
	ErrorPresence PresenceType = "error"

	// ProbePresence is a request for an entity's current presence. It should
	// generally only be generated and sent by servers on behalf of a user.
	ProbePresence PresenceType = "probe"

	// SubscribePresence is sent when the sender wishes to subscribe to the
	// recipient's presence.
	SubscribePresence PresenceType = "subscribe"

	// SubscribedPresence indicates that the sender has allowed the recipient to
	// receive future presence broadcasts.
	SubscribedPresence PresenceType = "subscribed"

	// UnavailablePresence indicates that the sender is no longer available for
	// communication.
	UnavailablePresence PresenceType = "unavailable"

	// UnsubscribePresence indicates that the sender is unsubscribing from the
	// receiver's presence.
	UnsubscribePresence PresenceType = "unsubscribe"

	// UnsubscribedPresence indicates that the subscription request has been
	// denied, or a previously granted subscription has been revoked.
	UnsubscribedPresence PresenceType = "unsubscribed"
)

// IsSubscription reports whether t is one of the four subscription management
// types.
func (t PresenceType) IsSubscription() bool {
	switch t {
	case SubscribePresence, SubscribedPresence, UnsubscribePresence, UnsubscribedPresence:
		return true
	}
	return false
}

// Show is the availability sub-state of an available presence.
type Show string

// A list of availability sub-states defined in RFC 6121 §4.7.2.1.
const (
	ShowNone Show = ""
	ShowAway Show = "away"
	ShowChat Show = "chat"
	ShowDND  Show = "dnd"
	ShowXA   Show = "xa"
)

// Presence is an XMPP stanza that is used as an indication that an entity is
// available for communication. It is used to set a status message, broadcast
// availability, and advertise entity capabilities. It can be directed
// (one-to-one), or used as a broadcast mechanism (one-to-many).
type Presence struct {
	XMLName xml.Name `xml:"jabber:client presence"`
	Header
	Type     PresenceType `xml:"type,attr,omitempty"`
	Show     Show         `xml:"show,omitempty"`
	Status   string       `xml:"status,omitempty"`
	Priority int8         `xml:"priority,omitempty"`
	Error    *Error       `xml:"error,omitempty"`
	Payload  []Element    `xml:",any"`
}

// Available returns an available broadcast presence with the given show and
// status.
func Available(show Show, status string) Presence {
	return Presence{Show: show, Status: status}
}

// NewPresence returns a directed presence of the given type.
func NewPresence(to jid.JID, typ PresenceType) Presence {
	return Presence{Header: Header{To: to}, Type: typ}
}

// Kind returns KindPresence.
func (Presence) Kind() Kind { return KindPresence }

// Head returns the presence header.
func (p Presence) Head() Header { return p.Header }

// Namespace returns the namespace of the first extension element.
func (p Presence) Namespace() string { return firstNamespace(p.Payload) }

func (Presence) isStanza() {}
