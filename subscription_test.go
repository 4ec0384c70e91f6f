// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forketyfork/xmpp"
)

type collector struct {
	mu   sync.Mutex
	vals []int
}

func (c *collector) add(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals = append(c.vals, v.(int))
}

func (c *collector) get() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.vals...)
}

func TestFeedOrder(t *testing.T) {
	f := xmpp.NewFeed("test", nil)
	var a, b collector
	f.Subscribe(a.add)
	f.Subscribe(b.add)

	want := make([]int, 100)
	for i := range want {
		want[i] = i
		require.Equal(t, 2, f.Publish(i))
	}
	require.Eventually(t, func() bool { return len(a.get()) == 100 && len(b.get()) == 100 }, waitFor, pollTick)
	require.Equal(t, want, a.get())
	require.Equal(t, want, b.get())
}

func TestFeedMatch(t *testing.T) {
	f := xmpp.NewFeed("test", nil)
	var even collector
	f.SubscribeFunc(func(v interface{}) bool { return v.(int)%2 == 0 }, even.add)
	for i := 0; i < 6; i++ {
		f.Publish(i)
	}
	require.Eventually(t, func() bool { return len(even.get()) == 3 }, waitFor, pollTick)
	require.Equal(t, []int{0, 2, 4}, even.get())
}

func TestFeedCancel(t *testing.T) {
	f := xmpp.NewFeed("test", nil)
	var c collector
	sub := f.Subscribe(c.add)
	require.Equal(t, 1, f.Len())

	f.Publish(1)
	require.Eventually(t, func() bool { return len(c.get()) == 1 }, waitFor, pollTick)

	sub.Cancel()
	sub.Cancel()
	require.True(t, sub.Cancelled())
	require.Equal(t, 0, f.Len())
	require.Equal(t, 0, f.Publish(2))
	require.Equal(t, []int{1}, c.get())
}

func TestFeedCancelFromListener(t *testing.T) {
	f := xmpp.NewFeed("test", nil)
	var (
		c   collector
		sub *xmpp.Subscription
	)
	sub = f.Subscribe(func(v interface{}) {
		c.add(v)
		sub.Cancel()
	})

	f.Publish(1)
	require.Eventually(t, func() bool { return sub.Cancelled() }, waitFor, pollTick)
	f.Publish(2)
	require.Equal(t, []int{1}, c.get())
}

func TestFeedPanicRecovered(t *testing.T) {
	f := xmpp.NewFeed("test", nil)
	var c collector
	f.Subscribe(func(v interface{}) {
		if v.(int) == 1 {
			panic("boom")
		}
		c.add(v)
	})
	for i := 0; i < 3; i++ {
		f.Publish(i)
	}
	require.Eventually(t, func() bool { return len(c.get()) == 2 }, waitFor, pollTick)
	require.Equal(t, []int{0, 2}, c.get())
}
