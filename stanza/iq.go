// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"errors"
)

// IQType is the type of an IQ stanza.
// It should normally be one of the constants defined in this package.
type IQType string

const (
	// GetIQ is used to query another entity for information.
	GetIQ IQType = "get"

	// SetIQ is used to provide data to another entity, set new values, and
	// replace existing values.
	SetIQ IQType = "set"

	// ResultIQ is sent in response to a successful get or set IQ.
	ResultIQ IQType = "result"

	// ErrorIQ is sent to report that an error occurred during the delivery or
	// processing of a get or set IQ.
	ErrorIQ IQType = "error"
)

// IsRequest reports whether t is get or set.
func (t IQType) IsRequest() bool {
	return t == GetIQ || t == SetIQ
}

// IQ ("Information Query") is used as a general request response mechanism.
// IQ's are one-to-one, provide get and set semantics, and always require a
// response in the form of a result or an error.
type IQ struct {
	XMLName xml.Name `xml:"jabber:client iq"`
	Header
	Type    IQType   `xml:"type,attr"`
	Error   *Error   `xml:"error,omitempty"`
	Payload *Element `xml:",any,omitempty"`
}

// NewIQ returns an IQ of the given type carrying payload.
func NewIQ(typ IQType, payload *Element) IQ {
	return IQ{Type: typ, Payload: payload}
}

// Result returns a result IQ answering iq.
// The addressing attributes are swapped and the ID is kept.
func (iq IQ) Result(payload *Element) IQ {
	return IQ{
		Header: Header{
			ID:   iq.ID,
			From: iq.To,
			To:   iq.From,
			Lang: iq.Lang,
		},
		Type:    ResultIQ,
		Payload: payload,
	}
}

// ErrorReply returns an error IQ answering iq.
func (iq IQ) ErrorReply(e Error) IQ {
	reply := iq.Result(nil)
	reply.Type = ErrorIQ
	reply.Error = &e
	return reply
}

// Kind returns KindIQ.
func (IQ) Kind() Kind { return KindIQ }

// Head returns the IQ header.
func (iq IQ) Head() Header { return iq.Header }

// Namespace returns the namespace of the payload, if any.
func (iq IQ) Namespace() string {
	if iq.Payload == nil {
		return ""
	}
	return iq.Payload.XMLName.Space
}

func (IQ) isStanza() {}

var (
	errIQNoID   = errors.New("stanza: IQ is missing an id")
	errIQType   = errors.New("stanza: IQ has an invalid type")
	errIQNoBody = errors.New("stanza: IQ request carries no payload")
)

func (iq IQ) validate() error {
	if iq.ID == "" {
		return errIQNoID
	}
	switch iq.Type {
	case GetIQ, SetIQ:
		if iq.Payload == nil {
			return errIQNoBody
		}
	case ResultIQ, ErrorIQ:
	default:
		return errIQType
	}
	return nil
}
