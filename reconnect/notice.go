// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package reconnect

import (
	"fmt"
	"time"
)

// NoticeKind is the kind of a Notice.
type NoticeKind uint8

// A list of notice kinds.
const (
	// Scheduled is published when an automatic attempt has been scheduled.
	Scheduled NoticeKind = iota + 1

	// Reconnected is published when the session is Connected again after having
	// been Connected before.
	Reconnected

	// Terminal is published when the supervisor stops retrying.
	Terminal
)

// String returns the name of the kind.
func (k NoticeKind) String() string {
	switch k {
	case Scheduled:
		return "scheduled"
	case Reconnected:
		return "reconnected"
	case Terminal:
		return "terminal"
	}
	return fmt.Sprintf("NoticeKind(%d)", uint8(k))
}

// Notice reports a decision of the supervisor.
type Notice struct {
	Kind NoticeKind

	// Attempt is the number of the scheduled attempt for Scheduled notices and
	// the number of attempts made otherwise.
	Attempt int

	// Delay is the wait before a scheduled attempt.
	Delay time.Duration

	// Err is the failure that caused the notice.
	// Terminal notices caused by too many attempts match ErrGaveUp.
	Err error
}
