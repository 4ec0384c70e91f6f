// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"io"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	intstream "github.com/forketyfork/xmpp/internal/stream"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stream"
	"github.com/forketyfork/xmpp/transport"
)

var (
	errTLSNotOffered   = errors.New("xmpp: server does not offer StartTLS")
	errTLSDemanded     = errors.New("xmpp: server requires StartTLS but security is disabled")
	errTLSDisabled     = errors.New("xmpp: TLS is required but security is disabled")
	errStartTLSFailed  = errors.New("xmpp: server refused StartTLS")
	errNoMechanism     = errors.New("xmpp: no usable SASL mechanism offered")
	errBindNotOffered  = errors.New("xmpp: server does not offer resource binding")
	errUnexpectedReply = errors.New("xmpp: unexpected reply")
)

// negotiator drives a new stream from the first header to a bound resource.
// It is used once per connection attempt.
type negotiator struct {
	cfg     Config
	conn    *transport.Conn
	ep      transport.Endpoint
	creds   Credentials
	domain  jid.JID
	logger  kitlog.Logger
	advance func(StreamState) error

	phase    Phase
	streamID string
}

// negotiate runs every phase and returns the bound address.
// Errors are either a *transport.ConnectionError, an *AuthenticationError, or
// a *NegotiationError.
func (n *negotiator) negotiate(ctx context.Context) (jid.JID, error) {
	local, err := n.run(ctx)
	if err != nil {
		return jid.JID{}, n.wrap(err)
	}
	return local, nil
}

func (n *negotiator) run(ctx context.Context) (jid.JID, error) {
	n.phase = PhaseOpen
	f, err := n.open(ctx)
	if err != nil {
		return jid.JID{}, err
	}

	_, secure := n.conn.ConnectionState()
	if !secure {
		n.phase = PhaseStartTLS
		switch {
		case f.startTLS && n.ep.Security != transport.SecurityDisabled:
			if err = n.startTLS(ctx); err != nil {
				return jid.JID{}, err
			}
			level.Debug(n.logger).Log("msg", "secured stream")
			secure = true
			if f, err = n.open(ctx); err != nil {
				return jid.JID{}, err
			}
		case f.tlsRequired:
			return jid.JID{}, &NegotiationError{Phase: PhaseStartTLS, Misconfigured: true, Err: errTLSDemanded}
		case n.cfg.TLSRequired || n.ep.Security == transport.SecurityStartTLS:
			cause := errTLSNotOffered
			if f.startTLS {
				cause = errTLSDisabled
			}
			return jid.JID{}, &NegotiationError{Phase: PhaseStartTLS, Misconfigured: true, Err: cause}
		}
	}

	n.phase = PhaseSASL
	if err = n.authenticate(ctx, f.mechanisms, secure); err != nil {
		return jid.JID{}, err
	}
	level.Debug(n.logger).Log("msg", "authenticated stream", "username", n.creds.Username)
	if err = n.advance(Authenticated); err != nil {
		return jid.JID{}, err
	}
	n.conn.Restart()
	if f, err = n.open(ctx); err != nil {
		return jid.JID{}, err
	}

	n.phase = PhaseBind
	if !f.bind {
		return jid.JID{}, &NegotiationError{Phase: PhaseBind, Err: errBindNotOffered}
	}
	local, err := n.bind(ctx)
	if err != nil {
		return jid.JID{}, err
	}
	if err = n.advance(Bound); err != nil {
		return jid.JID{}, err
	}

	if f.session && !f.sessionOpt {
		n.phase = PhaseSession
		if err = n.establishSession(ctx); err != nil {
			return jid.JID{}, err
		}
	}
	return local, nil
}

// open sends a stream header, reads the server's header, and returns the
// features that follow it.
func (n *negotiator) open(ctx context.Context) (features, error) {
	_ = n.conn.SetPhaseDeadline(n.cfg.PhaseTimeout)
	if _, err := intstream.Send(n.conn, n.domain, jid.JID{}, "", n.cfg.Lang); err != nil {
		return features{}, err
	}
	info, err := intstream.Expect(ctx, n.conn, false)
	if err != nil {
		return features{}, err
	}
	n.streamID = info.ID
	return n.readFeatures()
}

// nextStart returns the next start element, waiting at most the phase timeout.
// A stream error is returned as a stream.Error.
func (n *negotiator) nextStart() (xml.StartElement, error) {
	_ = n.conn.SetPhaseDeadline(n.cfg.PhaseTimeout)
	for {
		tok, err := n.conn.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name == (xml.Name{Space: stream.NS, Local: "error"}) {
				se := stream.Error{}
				if err := n.conn.DecodeElement(&se, &t); err != nil {
					return xml.StartElement{}, err
				}
				return xml.StartElement{}, se
			}
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, &transport.ConnectionError{Kind: transport.Reset, Op: "read", Err: io.EOF}
		}
	}
}

func (n *negotiator) wrap(err error) error {
	var (
		authErr *AuthenticationError
		negErr  *NegotiationError
		connErr *transport.ConnectionError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &negErr):
		return err
	case errors.As(err, &connErr):
		if connErr.Kind == transport.TimedOut && connErr.Op == "read" {
			return &NegotiationError{Phase: n.phase, Timeout: true, Err: err}
		}
		return err
	}
	return &NegotiationError{Phase: n.phase, Err: err}
}
