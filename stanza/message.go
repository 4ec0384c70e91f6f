// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"github.com/forketyfork/xmpp/jid"
)

// MessageType is the type of a message stanza.
// It should normally be one of the constants defined in this package.
type MessageType string

const (
	// NormalMessage is a standalone message that is sent outside the context of a
	// one-to-one conversation or groupchat, and to which it is expected that the
	// recipient will reply.
	NormalMessage MessageType = "normal"

	// ChatMessage represents a message sent in the context of a one-to-one chat
	// session.
	ChatMessage MessageType = "chat"

	// ErrorMessage is generated by an entity that experiences an error when
	// processing a message received from another entity.
	ErrorMessage MessageType = "error"

	// GroupChatMessage is sent in the context of a multi-user chat environment.
	GroupChatMessage MessageType = "groupchat"

	// HeadlineMessage provides an alert, a notification, or other transient
	// information to which no reply is expected.
	HeadlineMessage MessageType = "headline"
)

// Message is an XMPP stanza that contains a payload for direct one-to-one
// communication with another network entity. It is often used for sending chat
// messages to an individual or group chat server, or for notifications and
// alerts that don't require a response.
type Message struct {
	XMLName xml.Name `xml:"jabber:client message"`
	Header
	Type    MessageType `xml:"type,attr,omitempty"`
	Subject string      `xml:"subject,omitempty"`
	Body    string      `xml:"body,omitempty"`
	Thread  string      `xml:"thread,omitempty"`
	Error   *Error      `xml:"error,omitempty"`
	Payload []Element   `xml:",any"`
}

// NewChat returns a chat message with the given body.
func NewChat(to jid.JID, body string) Message {
	return Message{
		Header: Header{To: to},
		Type:   ChatMessage,
		Body:   body,
	}
}

// Kind returns KindMessage.
func (Message) Kind() Kind { return KindMessage }

// Head returns the message header.
func (m Message) Head() Header { return m.Header }

// Namespace returns the namespace of the first extension element.
func (m Message) Namespace() string { return firstNamespace(m.Payload) }

func (Message) isStanza() {}
