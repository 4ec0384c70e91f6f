// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log/level"

	"github.com/forketyfork/xmpp/internal/ns"
	"github.com/forketyfork/xmpp/stanza"
	"github.com/forketyfork/xmpp/transport"
)

// Ping sends an XEP-0199 ping to the server and waits for the reply.
// An error reply means the server is reachable but does not support pings and
// is not reported.
func (s *Session) Ping(ctx context.Context) error {
	iq := stanza.NewIQ(stanza.GetIQ, stanza.NewElement(ns.Ping, "ping"))
	iq.To = s.Domain()
	_, err := s.Request(ctx, iq)
	var stanzaErr stanza.Error
	if errors.As(err, &stanzaErr) {
		return nil
	}
	return err
}

// keepAlive pings the server every Config.KeepAlive until the stream of gen
// ends. A ping that times out fails the stream.
func (s *Session) keepAlive(gen uint64, done <-chan struct{}) {
	t := time.NewTicker(s.cfg.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
		}
		if s.generation() != gen {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		err := s.Ping(ctx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, ErrRequestTimeout):
			level.Warn(s.logger).Log("msg", "keepalive ping timed out")
			s.streamFailed(gen, &transport.ConnectionError{Kind: transport.TimedOut, Op: "keepalive", Err: err})
			return
		default:
			return
		}
	}
}
