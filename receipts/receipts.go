// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package receipts implements XEP-0184: Message Delivery Receipts.
//
// A Handler answers receipt requests carried by incoming messages and lets
// callers send a message and wait until the recipient acknowledges it.
package receipts // import "github.com/forketyfork/xmpp/receipts"

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/forketyfork/xmpp"
	"github.com/forketyfork/xmpp/internal/attr"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
)

// NS is the XML namespace used by message delivery receipts.
const NS = "urn:xmpp:receipts"

// ErrDuplicateID is returned by SendMessage if a message with the same ID is
// already waiting for its receipt.
var ErrDuplicateID = errors.New("receipts: message ID already awaiting a receipt")

// Request returns a copy of msg carrying a request for a delivery receipt.
// Error messages and messages that already carry a request or a receipt are
// returned unchanged.
func Request(msg stanza.Message) stanza.Message {
	if msg.Type == stanza.ErrorMessage {
		return msg
	}
	if _, ok := find(msg); ok {
		return msg
	}
	payload := make([]stanza.Element, 0, len(msg.Payload)+1)
	payload = append(payload, msg.Payload...)
	msg.Payload = append(payload, *stanza.NewElement(NS, "request"))
	return msg
}

// Requested reports whether msg asks for a delivery receipt.
func Requested(msg stanza.Message) bool {
	el, ok := find(msg)
	return ok && el.XMLName.Local == "request"
}

// Received returns the receipt acknowledging msg.
func Received(msg stanza.Message) stanza.Message {
	el := stanza.NewElement(NS, "received")
	el.Attr = []xml.Attr{{Name: xml.Name{Local: "id"}, Value: msg.ID}}
	return stanza.Message{
		Header: stanza.Header{
			ID: attr.RandomID(),
			To: msg.From,
		},
		Type:    msg.Type,
		Payload: []stanza.Element{*el},
	}
}

// find returns the first receipt element of msg.
func find(msg stanza.Message) (stanza.Element, bool) {
	for _, el := range msg.Payload {
		if el.XMLName.Space != NS {
			continue
		}
		switch el.XMLName.Local {
		case "request", "received":
			return el, true
		}
	}
	return stanza.Element{}, false
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger of the handler.
func WithLogger(logger kitlog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

type pending struct {
	to   jid.JID
	done chan error
}

// Handler listens for incoming receipts and matches them to messages sent
// with SendMessage. It also acknowledges every incoming receipt request.
type Handler struct {
	session *xmpp.Session
	logger  kitlog.Logger
	sub     *xmpp.Subscription

	mu   sync.Mutex
	sent map[string]pending
}

// New returns a handler subscribed to the messages of s.
func New(s *xmpp.Session, opts ...Option) *Handler {
	h := &Handler{
		session: s,
		logger:  kitlog.NewNopLogger(),
		sent:    make(map[string]pending),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = kitlog.With(h.logger, "component", "receipts")
	h.sub = s.Subscribe(xmpp.Filter{
		Kind:  stanza.KindMessage,
		Match: h.match,
	}, xmpp.HandlerFunc(h.handle))
	return h
}

// Close stops handling messages.
// Calls to SendMessage that are still waiting keep waiting for their context.
func (h *Handler) Close() {
	h.sub.Cancel()
}

// Pending returns the number of messages waiting for a receipt.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *Handler) match(st stanza.Stanza) bool {
	msg, ok := st.(stanza.Message)
	if !ok {
		return false
	}
	if msg.Type == stanza.ErrorMessage {
		h.mu.Lock()
		_, ok = h.sent[msg.ID]
		h.mu.Unlock()
		return ok
	}
	_, ok = find(msg)
	return ok
}

func (h *Handler) handle(st stanza.Stanza) error {
	msg := st.(stanza.Message)
	if msg.Type == stanza.ErrorMessage {
		err := stanza.Error{Type: stanza.Cancel, Condition: stanza.UndefinedCondition}
		if msg.Error != nil {
			err = *msg.Error
		}
		h.complete(msg.ID, msg.From, err)
		return nil
	}

	el, _ := find(msg)
	switch el.XMLName.Local {
	case "received":
		id := el.Attribute("id")
		if !h.complete(id, msg.From, nil) {
			level.Debug(h.logger).Log("msg", "ignoring unexpected receipt", "id", id, "from", msg.From)
		}
	case "request":
		if msg.ID == "" {
			level.Debug(h.logger).Log("msg", "cannot acknowledge message without id", "from", msg.From)
			return nil
		}
		if err := h.session.Send(Received(msg)); err != nil {
			return fmt.Errorf("receipts: acknowledging %q: %w", msg.ID, err)
		}
	}
	return nil
}

// complete delivers err to the SendMessage call waiting for id.
// Receipts from an address other than the recipient's account are dropped.
func (h *Handler) complete(id string, from jid.JID, err error) bool {
	h.mu.Lock()
	p, ok := h.sent[id]
	if !ok || (!p.to.IsZero() && !from.Bare().Equal(p.to.Bare())) {
		h.mu.Unlock()
		return false
	}
	delete(h.sent, id)
	h.mu.Unlock()
	p.done <- err
	return true
}

func (h *Handler) forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sent, id)
}

// SendMessage sends msg with a receipt request and waits for the receipt.
// An ID is assigned if msg has none.
//
// If ctx is done first its error is returned; a receipt arriving later is
// ignored. An error message answering msg is returned as a stanza.Error.
// The wait survives reconnects of the session, so a receipt for a message
// sent before a connection failure still completes the call.
func (h *Handler) SendMessage(ctx context.Context, msg stanza.Message) error {
	if msg.Type == stanza.ErrorMessage {
		return errors.New("receipts: cannot request a receipt for an error message")
	}
	if msg.ID == "" {
		msg.ID = attr.RandomID()
	}
	done := make(chan error, 1)
	h.mu.Lock()
	if _, ok := h.sent[msg.ID]; ok {
		h.mu.Unlock()
		return ErrDuplicateID
	}
	h.sent[msg.ID] = pending{to: msg.To, done: done}
	h.mu.Unlock()

	if err := h.session.Send(Request(msg)); err != nil {
		h.forget(msg.ID)
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		h.forget(msg.ID)
		return ctx.Err()
	}
}
