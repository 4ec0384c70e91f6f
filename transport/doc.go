// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package transport owns the byte stream underlying an XMPP session.
//
// A Conn wraps a single TCP connection, optionally upgraded to TLS, and
// exposes serialized writes and a sequential reader of XML tokens and
// stanzas.
// The read side is not restartable: once it fails every subsequent read
// returns the same error.
package transport // import "github.com/forketyfork/xmpp/transport"
