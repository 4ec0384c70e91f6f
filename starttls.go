// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"

	"github.com/forketyfork/xmpp/internal/ns"
	"github.com/forketyfork/xmpp/stream"
)

// startTLS requests a TLS upgrade and performs the handshake.
// The caller must restart the stream afterwards.
func (n *negotiator) startTLS(ctx context.Context) error {
	if err := n.conn.WriteRaw(`<starttls xmlns='` + ns.StartTLS + `'/>`); err != nil {
		return err
	}
	start, err := n.nextStart()
	if err != nil {
		return err
	}
	if start.Name.Space != ns.StartTLS {
		return stream.UnsupportedStanzaType
	}
	switch start.Name.Local {
	case "proceed":
		if err := n.conn.DecodeElement(&struct{}{}, &start); err != nil {
			return err
		}
		return n.conn.StartTLS(ctx, n.ep.TLS())
	case "failure":
		// The server closes the stream right after a failure.
		_ = n.conn.DecodeElement(&struct{}{}, &start)
		return &NegotiationError{Phase: PhaseStartTLS, Err: errStartTLSFailed}
	}
	return stream.UnsupportedStanzaType
}
