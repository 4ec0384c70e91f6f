// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Kind distinguishes the ways a connection can fail.
type Kind uint8

// A list of connection failure kinds.
const (
	Reset Kind = iota
	Refused
	TimedOut
	TLSFailure
)

// String returns a short description of the kind.
func (k Kind) String() string {
	switch k {
	case Refused:
		return "connection refused"
	case TimedOut:
		return "timed out"
	case TLSFailure:
		return "tls failure"
	}
	return "connection reset"
}

// Sentinels that match any ConnectionError of the same kind with errors.Is.
var (
	ErrRefused    = &ConnectionError{Kind: Refused}
	ErrTimedOut   = &ConnectionError{Kind: TimedOut}
	ErrReset      = &ConnectionError{Kind: Reset}
	ErrTLSFailure = &ConnectionError{Kind: TLSFailure}
)

// ConnectionError is returned for any I/O failure on the underlying stream.
type ConnectionError struct {
	Kind Kind
	Op   string
	Err  error
}

// Error satisfies the error interface.
func (e *ConnectionError) Error() string {
	s := "transport: "
	if e.Op != "" {
		s += e.Op + ": "
	}
	s += e.Kind.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels (ErrRefused, ErrTimedOut, ErrReset,
// ErrTLSFailure).
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok || t.Err != nil || t.Op != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Closed reports whether the error was caused by the peer closing the stream
// with a closing stream tag.
func (e *ConnectionError) Closed() bool {
	return e.Kind == Reset && errors.Is(e.Err, io.EOF)
}

// Classify maps an error from the net, tls, or x509 packages to a failure kind.
func Classify(err error) Kind {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Kind
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Refused
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return TimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimedOut
	}
	var (
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &verifyErr),
		errors.As(err, &authorityErr),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr):
		return TLSFailure
	}
	return Reset
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return &ConnectionError{Kind: Classify(err), Op: op, Err: err}
}

// ErrReadLimitExceeded is returned by reads when the configured read rate limit
// is exceeded. It is classified as a reset.
var ErrReadLimitExceeded = errors.New("transport: read limit exceeded")

// DecodeError is returned by ReadStanza when a top level element could not
// be decoded as a stanza.
// Unlike other read errors it does not end the stream.
type DecodeError struct {
	Name xml.Name
	Err  error
}

// Error satisfies the error interface.
func (e *DecodeError) Error() string {
	return "transport: undecodable element <" + e.Name.Local + "/>: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
