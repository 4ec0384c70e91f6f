// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
	"mellium.im/xmlstream"

	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/stream"
)

const writeBuffSize = 4096

// Option configures a Conn.
type Option func(*options)

type options struct {
	dialer  net.Dialer
	rLim    *rate.Limiter
	logger  kitlog.Logger
	wrtTout time.Duration
}

// WithDialer sets the dialer used to establish the TCP connection.
func WithDialer(d net.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithReadLimit limits the rate at which bytes are read from the peer.
// No single read is larger than the limiter's burst. Once the peer sends
// faster than the budget allows the read fails with ErrReadLimitExceeded,
// which ends the stream.
func WithReadLimit(rLim *rate.Limiter) Option {
	return func(o *options) { o.rLim = rLim }
}

// WithLogger sets the logger used for traffic and I/O diagnostics.
func WithLogger(logger kitlog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithWriteTimeout bounds every write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.wrtTout = d }
}

// Conn is a single XMPP byte stream.
// Writes are safe for concurrent use and each call is written atomically.
// Reads must happen from one goroutine at a time.
type Conn struct {
	wmu sync.Mutex
	rmu sync.Mutex
	cmu sync.Mutex

	conn net.Conn
	lr   *limitedReader
	br   *bufio.Reader
	bw   *bufio.Writer
	enc  *xml.Encoder
	dec  *xml.Decoder

	readErr error
	wrtTout time.Duration
	logger  kitlog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the endpoint.
// For SecurityDirectTLS the TLS handshake is completed before Dial returns.
// Failures are always a *ConnectionError.
func Dial(ctx context.Context, ep Endpoint, opts ...Option) (*Conn, error) {
	o := options{logger: kitlog.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	nc, err := o.dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, wrap("dial", err)
	}
	if ep.Security == SecurityDirectTLS {
		tc := tls.Client(nc, ep.TLS())
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, &ConnectionError{Kind: tlsKind(err), Op: "tls handshake", Err: err}
		}
		nc = tc
	}
	return newConn(nc, o), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn, opts ...Option) *Conn {
	o := options{logger: kitlog.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return newConn(nc, o)
}

func newConn(nc net.Conn, o options) *Conn {
	c := &Conn{
		wrtTout: o.wrtTout,
		logger:  kitlog.With(o.logger, "remote", nc.RemoteAddr().String()),
	}
	c.reset(nc, o.rLim)
	return c
}

func (c *Conn) reset(nc net.Conn, rLim *rate.Limiter) {
	c.cmu.Lock()
	c.conn = nc
	c.cmu.Unlock()
	c.lr = newLimitedReader(nc, rLim)
	c.br = bufio.NewReader(c.lr)
	c.bw = bufio.NewWriterSize(nc, writeBuffSize)
	c.enc = xml.NewEncoder(c.bw)
	c.dec = xml.NewDecoder(c.br)
}

// WriteRaw writes s verbatim. It is used for stream headers and trailers that
// the XML encoder cannot produce.
func (c *Conn) WriteRaw(s string) error {
	return c.write("write", func() error {
		_, err := c.bw.WriteString(s)
		return err
	})
}

// Write satisfies io.Writer. Each call is written and flushed atomically.
func (c *Conn) Write(p []byte) (n int, err error) {
	err = c.write("write", func() error {
		n, err = c.bw.Write(p)
		return err
	})
	return n, err
}

// Encode writes the XML encoding of v.
func (c *Conn) Encode(v interface{}) error {
	return c.write("encode", func() error {
		if err := c.enc.Encode(v); err != nil {
			return err
		}
		return c.enc.Flush()
	})
}

// Send copies the tokens from r to the stream.
func (c *Conn) Send(r xml.TokenReader) error {
	return c.write("send", func() error {
		if _, err := xmlstream.Copy(c.enc, r); err != nil {
			return err
		}
		return c.enc.Flush()
	})
}

func (c *Conn) write(op string, f func() error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.wrtTout > 0 {
		_ = c.netConn().SetWriteDeadline(time.Now().Add(c.wrtTout))
	}
	err := f()
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		var typeErr *xml.UnsupportedTypeError
		if errors.As(err, &typeErr) {
			return err
		}
		return wrap(op, err)
	}
	return nil
}

// Token returns the next XML token from the stream.
// It is used during stream negotiation.
func (c *Conn) Token() (xml.Token, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	tok, err := c.dec.Token()
	if err != nil {
		return nil, c.failRead(err)
	}
	return tok, nil
}

// DecodeElement decodes the element started by start into v.
func (c *Conn) DecodeElement(v interface{}, start *xml.StartElement) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	if err := c.dec.DecodeElement(v, start); err != nil {
		return c.failRead(err)
	}
	return nil
}

// ReadStanza returns the next top level stanza.
// Whitespace keepalives are skipped.
// A closing stream tag results in a Reset ConnectionError wrapping io.EOF and
// a stream error in one wrapping the stream.Error.
// A *DecodeError is returned for elements that cannot be decoded as a stanza;
// the stream remains usable after one.
func (c *Conn) ReadStanza() (stanza.Stanza, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	for {
		tok, err := c.dec.Token()
		if err != nil {
			return nil, c.failRead(err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Space == stream.NS && t.Name.Local == "stream" {
				return nil, c.failRead(io.EOF)
			}
			return nil, c.failRead(stream.NotWellFormed)
		case xml.StartElement:
			if t.Name.Space == stream.NS && t.Name.Local == "error" {
				se := stream.Error{}
				if err := c.dec.DecodeElement(&se, &t); err != nil {
					return nil, c.failRead(err)
				}
				return nil, c.failRead(se)
			}
			raw, err := c.capture(t)
			if err != nil {
				return nil, c.failRead(err)
			}
			s, err := stanza.Unmarshal(raw)
			if err != nil {
				level.Debug(c.logger).Log("msg", "undecodable element", "name", t.Name.Local, "err", err)
				return nil, &DecodeError{Name: t.Name, Err: err}
			}
			return s, nil
		}
	}
}

// capture re-encodes the element started by start into a standalone
// document so that a bad stanza cannot leave the stream mid-element.
func (c *Conn) capture(start xml.StartElement) ([]byte, error) {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	if err := e.EncodeToken(cleanStart(start)); err != nil {
		return nil, err
	}
	inner := xmlstream.Inner(c.dec)
	for {
		tok, err := inner.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			tok = cleanStart(t)
		case xml.Comment, xml.ProcInst, xml.Directive:
			continue
		}
		if err := e.EncodeToken(tok); err != nil {
			return nil, err
		}
	}
	if err := e.EncodeToken(start.End()); err != nil {
		return nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cleanStart(start xml.StartElement) xml.StartElement {
	attrs := make([]xml.Attr, 0, len(start.Attr))
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		attrs = append(attrs, a)
	}
	start.Attr = attrs
	return start
}

func (c *Conn) failRead(err error) error {
	var connErr *ConnectionError
	switch {
	case errors.As(err, &connErr):
	case errors.Is(err, ErrReadLimitExceeded):
		connErr = &ConnectionError{Kind: Reset, Op: "read", Err: err}
	default:
		var (
			syntaxErr *xml.SyntaxError
			se        stream.Error
		)
		if errors.As(err, &syntaxErr) || errors.As(err, &se) || err == io.EOF {
			connErr = &ConnectionError{Kind: Reset, Op: "read", Err: err}
		} else {
			connErr = &ConnectionError{Kind: Classify(err), Op: "read", Err: err}
		}
	}
	c.readErr = connErr
	return connErr
}

// StartTLS upgrades the connection to TLS as a client and resets the stream
// decoder. It must only be called when no other goroutine is using the Conn.
func (c *Conn) StartTLS(ctx context.Context, cfg *tls.Config) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	tc := tls.Client(c.netConn(), cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		connErr := &ConnectionError{Kind: tlsKind(err), Op: "tls handshake", Err: err}
		c.readErr = connErr
		return connErr
	}
	c.reset(tc, c.lr.limiter())
	return nil
}

// Restart resets the stream decoder after a stream restart that does not
// change the underlying connection (for example after SASL).
func (c *Conn) Restart() {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.dec = xml.NewDecoder(c.br)
}

// ConnectionState returns the TLS state of the connection and whether the
// connection is encrypted.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	if tc, ok := c.netConn().(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// SetPhaseDeadline bounds the wait for the next read.
// A zero duration removes the deadline.
func (c *Conn) SetPhaseDeadline(d time.Duration) error {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	return c.netConn().SetReadDeadline(t)
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.netConn().LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn().RemoteAddr()
}

// Close closes the underlying connection.
// It is safe to call Close more than once; later calls return the result of
// the first.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.netConn().Close()
		if c.closeErr != nil && !errors.Is(c.closeErr, net.ErrClosed) {
			level.Error(c.logger).Log("msg", "failed to close connection", "err", c.closeErr)
		}
	})
	return c.closeErr
}

func (c *Conn) netConn() net.Conn {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	return c.conn
}

func tlsKind(err error) Kind {
	if k := Classify(err); k == TimedOut {
		return k
	}
	return TLSFailure
}
