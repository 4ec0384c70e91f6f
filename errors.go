// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"errors"
	"fmt"

	"github.com/forketyfork/xmpp/internal/saslerr"
	"github.com/forketyfork/xmpp/stanza"
)

// Errors returned by the Session.
var (
	ErrNotConnected     = errors.New("xmpp: session is not connected")
	ErrAlreadyConnected = errors.New("xmpp: session is already connected or connecting")
	ErrClosed           = errors.New("xmpp: session closed by caller")
	ErrRequestTimeout   = errors.New("xmpp: request timed out")

	errBadTransition = errors.New("xmpp: invalid state transition")
	errNotRequest    = errors.New("xmpp: request must be an IQ of type get or set")
)

// AuthenticationError is returned when the server rejects the credentials.
// It is never retried automatically.
type AuthenticationError struct {
	Condition saslerr.Condition
	Text      string
}

// Error satisfies the error interface.
func (e *AuthenticationError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("xmpp: authentication failed: %s: %s", e.Condition, e.Text)
	}
	return fmt.Sprintf("xmpp: authentication failed: %s", e.Condition)
}

// Phase is a step of stream negotiation.
type Phase uint8

// A list of negotiation phases in the order they happen.
const (
	PhaseOpen Phase = iota
	PhaseFeatures
	PhaseStartTLS
	PhaseSASL
	PhaseBind
	PhaseSession
)

// String returns the name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseFeatures:
		return "features"
	case PhaseStartTLS:
		return "starttls"
	case PhaseSASL:
		return "sasl"
	case PhaseBind:
		return "bind"
	case PhaseSession:
		return "session"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// NegotiationError is returned when stream negotiation fails for a reason other
// than rejected credentials or a broken connection.
type NegotiationError struct {
	Phase Phase

	// Misconfigured is set when the failure cannot go away without changing the
	// client or server configuration, for example when TLS is required by one
	// side and not available on the other.
	Misconfigured bool

	// Timeout is set when the server did not answer within the phase timeout.
	Timeout bool

	Err error
}

// Error satisfies the error interface.
func (e *NegotiationError) Error() string {
	s := "xmpp: negotiation failed during " + e.Phase.String()
	switch {
	case e.Timeout:
		s += ": timed out"
	case e.Misconfigured:
		s += ": misconfigured"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error.
func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned by Request when no response arrives in time.
// It matches ErrRequestTimeout with errors.Is.
type TimeoutError struct {
	ID string
}

// Error satisfies the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("xmpp: request %q timed out", e.ID)
}

// Is reports whether target is ErrRequestTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// DispatchError is reported when a subscription handler returns an error or
// panics.
// It is passed to the logger and to Config.OnDispatchError and is never
// returned to the reader of the stream.
type DispatchError struct {
	Stanza stanza.Stanza
	Err    error

	// Panic holds the recovered value if the handler panicked.
	Panic interface{}
}

// Error satisfies the error interface.
func (e *DispatchError) Error() string {
	kind := "<nil>"
	if e.Stanza != nil {
		kind = e.Stanza.Kind().String()
	}
	if e.Panic != nil {
		return fmt.Sprintf("xmpp: handler panicked on %s: %v", kind, e.Panic)
	}
	return fmt.Sprintf("xmpp: handler failed on %s: %v", kind, e.Err)
}

// Unwrap returns the handler error.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// notConnected returns an error that matches both ErrNotConnected and cause.
func notConnected(cause error) error {
	if cause == nil {
		return ErrNotConnected
	}
	return fmt.Errorf("%w: %w", ErrNotConnected, cause)
}
