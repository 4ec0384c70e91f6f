// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package reconnect

import "github.com/prometheus/client_golang/prometheus"

var (
	scheduledAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xmpp",
			Subsystem: "reconnect",
			Name:      "scheduled_attempts_total",
			Help:      "The total number of scheduled reconnect attempts.",
		},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xmpp",
			Subsystem: "reconnect",
			Name:      "reconnects_total",
			Help:      "The total number of sessions connected again after a failure.",
		},
	)
	terminalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xmpp",
			Subsystem: "reconnect",
			Name:      "terminal_failures_total",
			Help:      "The total number of failures that were not retried.",
		},
	)
)

func init() {
	prometheus.MustRegister(scheduledAttempts)
	prometheus.MustRegister(reconnects)
	prometheus.MustRegister(terminalFailures)
}
