// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package limiter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/zksync/traverse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter(t *testing.T) {
	l := New(10)
	require.NoError(t, l.Acquire(context.Background(), 5))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, l.Acquire(ctx, 10))
	// The tokens gathered by the failed acquire went back.
	l.Release(5)
	require.NoError(t, l.Acquire(context.Background(), 10))
}

func TestNil(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.Acquire(context.Background(), 1<<20))
	l.Release(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, l.Acquire(ctx, 1))
}

func TestConcurrent(t *testing.T) {
	const (
		N      = 500
		tokens = 50
	)
	var inUse int32
	l := New(tokens)
	var begin sync.WaitGroup
	begin.Add(N)
	err := traverse.Each(N, func(i int) error {
		begin.Done()
		begin.Wait()
		n := rand.Intn(tokens) + 1
		if err := l.Acquire(context.Background(), n); err != nil {
			return err
		}
		if m := atomic.AddInt32(&inUse, int32(n)); m > tokens {
			return fmt.Errorf("%d tokens in use, limit %d", m, tokens)
		}
		atomic.AddInt32(&inUse, -int32(n))
		l.Release(n)
		return nil
	})
	require.NoError(t, err)
}
