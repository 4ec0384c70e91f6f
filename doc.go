// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpp establishes and maintains an authenticated XMPP client stream
// and exchanges stanzas over it.
//
// A Session owns one stream at a time.
// Connect dials the endpoint, negotiates TLS, authenticates with SASL, and
// binds a resource; once the session is Connected stanzas can be sent with
// Send, IQ requests can be made with Request, and incoming stanzas are
// delivered to subscriptions registered with Subscribe.
//
// Every change of the stream state is published to the listeners registered
// with Events.
// The Session never reconnects by itself; see the reconnect package for a
// supervisor that does.
//
//	s, err := xmpp.New(xmpp.Config{})
//	if err != nil {
//		// handle error
//	}
//	err = s.Connect(ctx, transport.Endpoint{Domain: "example.net"}, xmpp.Credentials{
//		Username: "juliet",
//		Password: "secret",
//	})
//
// Be advised: This API is still unstable and is subject to change.
package xmpp // import "github.com/forketyfork/xmpp"
