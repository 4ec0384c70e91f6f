// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"time"
)

// Event describes a committed state transition.
type Event struct {
	From StreamState
	To   StreamState

	// Err is the cause of a transition to Failed and nil otherwise.
	Err error

	At time.Time
}

// Events registers fn for every state transition of the session.
// Events are delivered in commit order.
func (s *Session) Events(fn func(Event)) *Subscription {
	return s.events.Subscribe(func(v interface{}) {
		fn(v.(Event))
	})
}
