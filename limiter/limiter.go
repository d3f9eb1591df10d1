// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package limiter bounds concurrent work, such as relay requests in
// flight, with a bucket of tokens that callers acquire under a
// context.
package limiter

import "context"

// A Limiter holds a bucket of tokens. A goroutine acquires some number
// of tokens, representing the cost of its work, before proceeding and
// releases them when done. Waiters are not served in FIFO order.
//
// A nil Limiter grants any number of tokens.
type Limiter struct {
	c      chan int
	waiter chan struct{}
}

// New returns a limiter holding tokens tokens.
func New(tokens int) *Limiter {
	l := &Limiter{make(chan int, 1), make(chan struct{}, 1)}
	l.waiter <- struct{}{}
	l.Release(tokens)
	return l
}

// Acquire blocks until need tokens are granted or ctx is done. Tokens
// gathered before ctx is done are returned to the bucket.
func (l *Limiter) Acquire(ctx context.Context, need int) error {
	if l == nil {
		return ctx.Err()
	}
	select {
	case <-l.waiter:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { l.waiter <- struct{}{} }()

	var have int
	for {
		select {
		case n := <-l.c:
			have += n
			if extra := have - need; extra >= 0 {
				l.Release(extra)
				return nil
			}
		case <-ctx.Done():
			l.Release(have)
			return ctx.Err()
		}
	}
}

// Release returns n tokens to the bucket.
func (l *Limiter) Release(n int) {
	if l == nil || n == 0 {
		return
	}
	for {
		select {
		case l.c <- n:
			return
		case have := <-l.c:
			n += have
		}
	}
}
