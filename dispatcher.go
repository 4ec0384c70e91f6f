// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/forketyfork/xmpp/internal/ns"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/transport"
)

// Handler handles stanzas delivered to a subscription.
// A returned error is reported as a *DispatchError.
type Handler interface {
	HandleStanza(stanza.Stanza) error
}

// HandlerFunc is an adapter that allows the use of ordinary functions as
// handlers.
type HandlerFunc func(stanza.Stanza) error

// HandleStanza calls f(s).
func (f HandlerFunc) HandleStanza(s stanza.Stanza) error {
	return f(s)
}

// Filter selects the incoming stanzas delivered to a subscription.
// Zero fields match anything.
type Filter struct {
	Kind stanza.Kind

	// Namespace is matched against the namespace of the first payload element.
	Namespace string

	// Type is matched against the type attribute.
	Type string

	// Match is an additional predicate. It is called on the reader goroutine and
	// must not block.
	Match func(stanza.Stanza) bool
}

// Matches reports whether s is selected by f.
func (f Filter) Matches(s stanza.Stanza) bool {
	switch {
	case f.Kind != 0 && s.Kind() != f.Kind:
		return false
	case f.Namespace != "" && s.Namespace() != f.Namespace:
		return false
	case f.Type != "" && typeOf(s) != f.Type:
		return false
	case f.Match != nil && !f.Match(s):
		return false
	}
	return true
}

func typeOf(s stanza.Stanza) string {
	switch v := s.(type) {
	case stanza.Message:
		return string(v.Type)
	case stanza.Presence:
		return string(v.Type)
	case stanza.IQ:
		return string(v.Type)
	}
	return ""
}

type response struct {
	iq  stanza.IQ
	err error
}

type pendingRequest struct {
	id   string
	to   jid.JID
	at   time.Time
	done chan response
}

// dispatcher correlates IQ responses with outstanding requests.
type dispatcher struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// add registers iq as outstanding, assigning it a fresh ID if it has none or
// if its ID is already in use.
func (d *dispatcher) add(iq *stanza.IQ) *pendingRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		d.pending = make(map[string]*pendingRequest)
	}
	for iq.ID == "" || d.pending[iq.ID] != nil {
		iq.ID = uuid.New().String()
	}
	p := &pendingRequest{
		id:   iq.ID,
		to:   iq.To,
		at:   time.Now(),
		done: make(chan response, 1),
	}
	d.pending[p.id] = p
	pendingRequests.Inc()
	return p
}

// complete delivers iq to the request it answers.
// It reports false if no request is waiting for it or if it comes from an
// address that may not answer the request.
func (d *dispatcher) complete(iq stanza.IQ, local jid.JID) bool {
	d.mu.Lock()
	p, ok := d.pending[iq.ID]
	if !ok || !mayAnswer(p.to, iq.From, local) {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, iq.ID)
	d.mu.Unlock()
	pendingRequests.Dec()

	resp := response{iq: iq}
	if iq.Type == stanza.ErrorIQ {
		if iq.Error != nil {
			resp.err = *iq.Error
		} else {
			resp.err = stanza.Error{Type: stanza.Cancel, Condition: stanza.UndefinedCondition}
		}
	}
	p.done <- resp
	return true
}

// remove drops the request and reports whether it was still outstanding.
func (d *dispatcher) remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; !ok {
		return false
	}
	delete(d.pending, id)
	pendingRequests.Dec()
	return true
}

// failAll completes every outstanding request with err.
func (d *dispatcher) failAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, p := range pending {
		pendingRequests.Dec()
		p.done <- response{err: err}
	}
}

func (d *dispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// mayAnswer reports whether from is allowed to answer a request sent to to on
// behalf of local.
func mayAnswer(to, from, local jid.JID) bool {
	if from.Equal(to) {
		return true
	}
	server := to.IsZero() || to.Equal(local.Bare()) || to.Equal(local.Domain())
	if !server {
		return false
	}
	return from.IsZero() || from.Equal(local.Bare()) || from.Equal(local.Domain()) || from.Equal(local)
}

// Request sends an IQ get or set and waits for the response.
//
// If the IQ has no ID, or its ID is used by another outstanding request, a
// fresh one is assigned.
// If ctx has no deadline Config.RequestTimeout applies.
// When the deadline passes a *TimeoutError is returned; cancellation returns
// the context error. Neither retracts the sent IQ.
// An error response is returned along with its stanza.Error.
// If the session leaves the Connected state before a response arrives the
// error matches ErrNotConnected and the cause of the transition.
func (s *Session) Request(ctx context.Context, iq stanza.IQ) (stanza.IQ, error) {
	if !iq.Type.IsRequest() || iq.Payload == nil {
		return stanza.IQ{}, errNotRequest
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return stanza.IQ{}, ErrNotConnected
	}
	conn, gen := s.conn, s.gen
	p := s.disp.add(&iq)
	s.mu.Unlock()

	if err := s.write(gen, conn, iq); err != nil {
		s.disp.remove(p.id)
		requestDurationBucket.WithLabelValues("error").Observe(time.Since(p.at).Seconds())
		return stanza.IQ{}, err
	}

	var resp response
	select {
	case resp = <-p.done:
	case <-ctx.Done():
		if s.disp.remove(p.id) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				requestDurationBucket.WithLabelValues("timeout").Observe(time.Since(p.at).Seconds())
				return stanza.IQ{}, &TimeoutError{ID: p.id}
			}
			requestDurationBucket.WithLabelValues("cancelled").Observe(time.Since(p.at).Seconds())
			return stanza.IQ{}, ctx.Err()
		}
		// The response won the race against the deadline.
		resp = <-p.done
	}
	outcome := "result"
	if resp.err != nil {
		outcome = "error"
	}
	requestDurationBucket.WithLabelValues(outcome).Observe(time.Since(p.at).Seconds())
	return resp.iq, resp.err
}

// PendingCount returns the number of requests waiting for a response.
func (s *Session) PendingCount() int {
	return s.disp.count()
}

// Subscribe registers h for incoming stanzas selected by f.
// Responses to requests made with Request are never delivered to
// subscriptions.
// Stanzas reach h in arrival order on a goroutine owned by the subscription.
func (s *Session) Subscribe(f Filter, h Handler) *Subscription {
	return s.stanzas.SubscribeFunc(
		func(v interface{}) bool {
			return f.Matches(v.(stanza.Stanza))
		},
		func(v interface{}) {
			s.handle(h, v.(stanza.Stanza))
		},
	)
}

func (s *Session) handle(h Handler, st stanza.Stanza) {
	defer func() {
		if r := recover(); r != nil {
			s.reportDispatch(&DispatchError{
				Stanza: st,
				Err:    fmt.Errorf("panic: %v", r),
				Panic:  r,
			})
		}
	}()
	if err := h.HandleStanza(st); err != nil {
		s.reportDispatch(&DispatchError{Stanza: st, Err: err})
	}
}

func (s *Session) reportDispatch(err *DispatchError) {
	dispatchErrors.Inc()
	level.Warn(s.logger).Log("msg", "stanza handler failed", "kind", err.Stanza.Kind(), "id", err.Stanza.Head().ID, "err", err)
	if f := s.cfg.OnDispatchError; f != nil {
		f(err)
	}
}

// dispatch routes a stanza read from the stream.
// It runs on the reader goroutine.
func (s *Session) dispatch(gen uint64, conn *transport.Conn, st stanza.Stanza) {
	incomingStanzas.WithLabelValues(st.Kind().String()).Inc()
	level.Debug(s.logger).Log("msg", "received stanza", "kind", st.Kind(), "id", st.Head().ID, "from", st.Head().From)

	iq, isIQ := st.(stanza.IQ)
	if isIQ {
		switch iq.Type {
		case stanza.ResultIQ, stanza.ErrorIQ:
			if s.disp.complete(iq, s.LocalAddr()) {
				return
			}
		case stanza.GetIQ:
			if iq.Payload != nil && iq.Payload.XMLName == (xml.Name{Space: ns.Ping, Local: "ping"}) {
				_ = s.write(gen, conn, iq.Result(nil))
				return
			}
		}
	}

	if n := s.stanzas.Publish(st); n > 0 || !isIQ || !iq.Type.IsRequest() {
		return
	}
	_ = s.write(gen, conn, iq.ErrorReply(stanza.Error{
		Type:      stanza.Cancel,
		Condition: stanza.ServiceUnavailable,
	}))
}
