// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import "github.com/prometheus/client_golang/prometheus"

var (
	incomingStanzas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmpp",
			Subsystem: "session",
			Name:      "incoming_stanzas_total",
			Help:      "The total number of stanzas received.",
		},
		[]string{"kind"},
	)
	outgoingStanzas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmpp",
			Subsystem: "session",
			Name:      "outgoing_stanzas_total",
			Help:      "The total number of stanzas sent.",
		},
		[]string{"kind"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xmpp",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "The total number of stream state transitions by target state.",
		},
		[]string{"state"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xmpp",
			Subsystem: "dispatcher",
			Name:      "pending_requests",
			Help:      "The number of IQ requests waiting for a response.",
		},
	)
	requestDurationBucket = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xmpp",
			Subsystem: "dispatcher",
			Name:      "request_duration_bucket",
			Help:      "Bucketed histogram of IQ request duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
		},
		[]string{"outcome"},
	)
	dispatchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xmpp",
			Subsystem: "dispatcher",
			Name:      "handler_errors_total",
			Help:      "The total number of failed or panicking subscription handlers.",
		},
	)
)

func init() {
	prometheus.MustRegister(incomingStanzas)
	prometheus.MustRegister(outgoingStanzas)
	prometheus.MustRegister(stateTransitions)
	prometheus.MustRegister(pendingRequests)
	prometheus.MustRegister(requestDurationBucket)
	prometheus.MustRegister(dispatchErrors)
}
