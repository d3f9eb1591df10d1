// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package traverse provides primitives for concurrent and parallel
// traversal of slices. The engine uses it for batch encryption and
// decryption, where every record is processed independently and a
// failure of one record must not abort the others.
package traverse

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/log"
)

// A T is a traverser: it provides facilities for concurrently
// invoking functions that traverse collections of data.
type T struct {
	// Limit is the traverser's concurrency limit: there will be no more
	// than Limit concurrent invocations per traversal. A limit value of
	// zero (the default value) denotes no limit.
	Limit int
}

// Limit returns a traverser with limit n.
func Limit(n int) T {
	if n <= 0 {
		log.Panicf("traverse.Limit: invalid limit: %d", n)
	}
	return T{Limit: n}
}

// Parallel is the default traverser for CPU-intensive work such as
// AEAD sealing of large batches. It limits the number of concurrent
// invocations to a small multiple of the available processors.
var Parallel = T{Limit: 2 * runtime.GOMAXPROCS(0)}

// Each invokes fn(i) for 0 <= i < n, managing concurrency and error
// propagation. Each returns when all invocations have completed, or
// after the first invocation fails, in which case the first
// invocation error is returned. Panics in fn are propagated to the
// caller.
func (t T) Each(n int, fn func(i int) error) error {
	var once errors.Once
	t.run(n, func() bool { return once.Err() == nil }, func(i int) {
		once.Set(apply(fn, i))
	})
	return repanic(once.Err())
}

// Collect invokes fn(i) for every 0 <= i < n regardless of failures,
// and returns the per-index errors. A nil slice entry means index i
// succeeded. Collect stops starting new invocations once ctx is
// done; the remaining entries are then set to the context's error.
func (t T) Collect(ctx context.Context, n int, fn func(i int) error) []error {
	errs := make([]error, n)
	var panicked errors.Once
	t.run(n, func() bool { return panicked.Err() == nil }, func(i int) {
		if err := ctx.Err(); err != nil {
			errs[i] = errors.E(err, fmt.Sprintf("item %d not processed", i))
			return
		}
		err := apply(fn, i)
		if _, ok := err.(panicErr); ok {
			panicked.Set(err)
		}
		errs[i] = err
	})
	_ = repanic(panicked.Err())
	return errs
}

// run schedules work(i) for each i on at most t.Limit goroutines.
// Workers stop picking up new indices once ok returns false.
func (t T) run(n int, ok func() bool, work func(i int)) {
	if n <= 0 {
		return
	}
	workers := t.Limit
	if workers == 0 || workers > n {
		workers = n
	}
	var (
		wg   sync.WaitGroup
		next int64 = -1
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for ok() {
				i := int(atomic.AddInt64(&next, 1))
				if i >= n {
					return
				}
				work(i)
			}
		}()
	}
	wg.Wait()
}

// Range performs ranged traversal on fn: n is split into contiguous
// ranges, and fn is invoked for each range. The range sizes are
// determined by the traverser's concurrency limits.
func (t T) Range(n int, fn func(start, end int) error) error {
	m := n
	if t.Limit > 0 && t.Limit < n {
		m = t.Limit
	}
	return t.Each(m, func(i int) error {
		var (
			size  = float64(n) / float64(m)
			start = int(float64(i) * size)
			end   = int(float64(i+1) * size)
		)
		if start >= n {
			return nil
		}
		if i == m-1 {
			end = n
		}
		return fn(start, end)
	})
}

// Each performs concurrent traversal over n elements. It is a
// shorthand for (T{}).Each.
func Each(n int, fn func(i int) error) error {
	return T{}.Each(n, fn)
}

func apply(fn func(i int) error, i int) (err error) {
	defer func() {
		if perr := recover(); perr != nil {
			err = panicErr{perr, debug.Stack()}
		}
	}()
	return fn(i)
}

func repanic(err error) error {
	if err, ok := err.(panicErr); ok {
		panic(fmt.Sprintf("traverse child: %v\n%s", err.v, string(err.stack)))
	}
	return err
}

type panicErr struct {
	v     interface{}
	stack []byte
}

func (p panicErr) Error() string { return fmt.Sprint(p.v) }
