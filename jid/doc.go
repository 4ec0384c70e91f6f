// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the XMPP address format.
//
// XMPP addresses, more often called "JID"s (Jabber IDs) are made up of a
// localpart, a domainpart, and a resourcepart.
// The localpart and resourcepart are optional.
//
//     localpart@domainpart/resourcepart
//
// A JID without a resourcepart is a "bare" JID and a JID with all three parts
// is a "full" JID.
// The JID type in this package is a comparable value: canonicalization is
// applied when it is constructed so that two JIDs referring to the same
// address compare equal with == and may be used as map keys.
package jid // import "github.com/forketyfork/xmpp/jid"
