// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance or Set is
// called. Channels returned by After fire, in deadline order, once the
// fake time reaches their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	// waiting is signaled whenever a new waiter is registered, so
	// tests can synchronize with goroutines blocked in After.
	waiting chan struct{}
}

type waiter struct {
	deadline time.Time
	c        chan time.Time
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start, waiting: make(chan struct{}, 64)}
}

// Now implements Clock.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since implements Clock.
func (f *FakeClock) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// After implements Clock.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := make(chan time.Time, 1)
	if d <= 0 {
		c <- f.now
		return c
	}
	f.waiters = append(f.waiters, waiter{f.now.Add(d), c})
	select {
	case f.waiting <- struct{}{}:
	default:
	}
	return c
}

// Advance moves the fake time forward by d and fires every waiter
// whose deadline has been reached.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.setLocked(f.now.Add(d))
	f.mu.Unlock()
}

// Set moves the fake time to t. Time never moves backwards; Set with
// an earlier time is a no-op.
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	if t.After(f.now) {
		f.setLocked(t)
	}
	f.mu.Unlock()
}

func (f *FakeClock) setLocked(t time.Time) {
	f.now = t
	sort.Slice(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	n := 0
	for _, w := range f.waiters {
		if !w.deadline.After(t) {
			w.c <- t
			continue
		}
		f.waiters[n] = w
		n++
	}
	f.waiters = f.waiters[:n]
}

// BlockUntilWaiting blocks until at least one goroutine has called
// After since the last call to BlockUntilWaiting.
func (f *FakeClock) BlockUntilWaiting() {
	<-f.waiting
}

// Pending returns the number of unfired waiters.
func (f *FakeClock) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}
