// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimitedReaderCapsReadsAtBurst(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{'a'}, 6000))
	lr := newLimitedReader(src, rate.NewLimiter(rate.Every(time.Hour), 100))

	buf := make([]byte, 4096)
	n, err := lr.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	_, err = lr.Read(buf)
	require.ErrorIs(t, err, ErrReadLimitExceeded)
}

func TestLimitedReaderUnlimited(t *testing.T) {
	for name, lim := range map[string]*rate.Limiter{
		"nil": nil,
		"inf": rate.NewLimiter(rate.Inf, 0),
	} {
		t.Run(name, func(t *testing.T) {
			lr := newLimitedReader(bytes.NewReader(make([]byte, 6000)), lim)
			buf := make([]byte, 4096)
			n, err := lr.Read(buf)
			require.NoError(t, err)
			require.Equal(t, 4096, n)
		})
	}
}
