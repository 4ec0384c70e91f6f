// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains the three XMPP stanza types and stanza errors.
//
// The Stanza interface is closed: it is implemented only by Message, Presence,
// and IQ.
// Extension content that this package does not model is carried in the generic
// Element payload slot as raw XML.
package stanza // import "github.com/forketyfork/xmpp/stanza"
