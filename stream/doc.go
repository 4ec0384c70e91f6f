// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream errors as defined by RFC 6120 §4.9 and
// the stream version type.
//
// Most people will want to use the facilities of the
// github.com/forketyfork/xmpp package and not create stream errors directly.
package stream // import "github.com/forketyfork/xmpp/stream"

// NS is the XML namespace used by XMPP streams.
const NS = "http://etherx.jabber.org/streams"
