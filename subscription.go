// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"strconv"
	"sync"
	"sync/atomic"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackal-xmpp/runqueue/v2"
)

// Subscription is a handle to a listener registered on a Feed.
type Subscription struct {
	feed      *Feed
	rq        *runqueue.RunQueue
	match     func(interface{}) bool
	deliver   func(interface{})
	cancelled atomic.Bool
}

// Cancel removes the listener.
// Nothing published after Cancel returns is delivered; values already queued
// for the listener are dropped as well.
// Cancel is idempotent and safe to call from the listener itself.
func (s *Subscription) Cancel() {
	if s == nil || s.cancelled.Swap(true) {
		return
	}
	s.feed.remove(s)
}

// Cancelled reports whether Cancel has been called.
func (s *Subscription) Cancelled() bool {
	return s.cancelled.Load()
}

// Feed delivers published values to its listeners.
// Each listener has its own run queue so values reach a listener in publish
// order and a slow listener does not delay the publisher or other listeners.
type Feed struct {
	name   string
	logger kitlog.Logger

	mu   sync.RWMutex
	seq  uint64
	subs []*Subscription
}

// NewFeed returns an empty feed.
// The name is used for run queue names and logging.
func NewFeed(name string, logger kitlog.Logger) *Feed {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Feed{name: name, logger: logger}
}

// Subscribe registers fn for every published value.
func (f *Feed) Subscribe(fn func(interface{})) *Subscription {
	return f.SubscribeFunc(nil, fn)
}

// SubscribeFunc registers fn for published values for which match returns
// true. A nil match accepts everything.
// match is called synchronously by Publish and must not block.
func (f *Feed) SubscribeFunc(match func(interface{}) bool, fn func(interface{})) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	sub := &Subscription{
		feed:    f,
		rq:      runqueue.New(f.name + "-" + strconv.FormatUint(f.seq, 10)),
		match:   match,
		deliver: fn,
	}
	f.subs = append(f.subs, sub)
	return sub
}

// Publish queues v for every matching listener and returns the number of
// listeners it was queued for. It never blocks on listeners.
func (f *Feed) Publish(v interface{}) int {
	f.mu.RLock()
	subs := f.subs
	f.mu.RUnlock()

	n := 0
	for _, sub := range subs {
		if sub.cancelled.Load() {
			continue
		}
		if sub.match != nil && !sub.match(v) {
			continue
		}
		n++
		sub := sub
		sub.rq.Run(func() {
			if sub.cancelled.Load() {
				return
			}
			f.run(sub, v)
		})
	}
	return n
}

func (f *Feed) run(sub *Subscription, v interface{}) {
	defer func() {
		if r := recover(); r != nil {
			level.Warn(f.logger).Log("msg", "listener panicked", "feed", f.name, "panic", r)
		}
	}()
	sub.deliver(v)
}

// Len returns the number of active listeners.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		if s != sub {
			subs = append(subs, s)
		}
	}
	f.subs = subs
}
