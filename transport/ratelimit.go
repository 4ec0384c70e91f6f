// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package transport

import (
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// limitedReader fails reads that exceed its rate limiter's budget.
// Each read is capped at the limiter's burst.
type limitedReader struct {
	r    io.Reader
	rLim atomic.Value
}

func newLimitedReader(r io.Reader, rLim *rate.Limiter) *limitedReader {
	lr := &limitedReader{r: r}
	if rLim != nil {
		lr.rLim.Store(rLim)
	}
	return lr
}

// Read implements io.Reader.
func (lr *limitedReader) Read(p []byte) (n int, err error) {
	lim := lr.limiter()
	if lim != nil && lim.Limit() != rate.Inf {
		if b := lim.Burst(); b > 0 && len(p) > b {
			p = p[:b]
		}
	}
	n, err = lr.r.Read(p)
	if n == 0 || lim == nil {
		return n, err
	}
	if !lim.AllowN(time.Now(), n) {
		return 0, ErrReadLimitExceeded
	}
	return n, err
}

func (lr *limitedReader) limiter() *rate.Limiter {
	if v := lr.rLim.Load(); v != nil {
		return v.(*rate.Limiter)
	}
	return nil
}
