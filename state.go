// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"fmt"
)

// StreamState is the state of the stream owned by a Session.
type StreamState uint8

// A list of stream states.
const (
	// Disconnected is the initial state and the state after a graceful close.
	Disconnected StreamState = iota

	// Negotiating means a connection attempt is in progress and the stream has
	// not yet been authenticated.
	Negotiating

	// Authenticated means SASL has succeeded but no resource is bound yet.
	Authenticated

	// Bound means a resource has been bound.
	Bound

	// Connected means the stream is ready to exchange stanzas.
	Connected

	// Closing means a graceful close is in progress.
	Closing

	// Failed means the last attempt or stream failed.
	// The cause is carried by the Event that entered this state.
	Failed
)

var stateNames = [...]string{
	Disconnected:  "disconnected",
	Negotiating:   "negotiating",
	Authenticated: "authenticated",
	Bound:         "bound",
	Connected:     "connected",
	Closing:       "closing",
	Failed:        "failed",
}

// String returns the lower case name of the state.
func (s StreamState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("StreamState(%d)", uint8(s))
}

// transitions lists the allowed targets for each state.
var transitions = map[StreamState][]StreamState{
	Disconnected:  {Negotiating},
	Negotiating:   {Authenticated, Failed, Closing},
	Authenticated: {Bound, Failed, Closing},
	Bound:         {Connected, Failed, Closing},
	Connected:     {Failed, Closing},
	Closing:       {Disconnected},
	Failed:        {Negotiating, Closing},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to StreamState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
