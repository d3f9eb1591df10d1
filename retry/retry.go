// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package retry contains utilities for implementing retry logic.
// The sync client composes these policies: exponential backoff,
// randomized with jitter, and bounded by a maximum number of tries
// after which a pending change is flagged as failed.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/errors"
)

// A Policy is an interface that abstracts retry policies. Typically
// users will not call methods directly on a Policy but rather use
// the package function retry.Wait.
type Policy interface {
	// Retry tells whether the a new retry should be attempted,
	// and after how long.
	Retry(retry int) (bool, time.Duration)
}

// Wait queries the provided policy at the provided retry number and
// sleeps until the next try should be attempted. Wait returns an
// error if the policy prohibits further tries or if the context was
// canceled, or if its deadline would run out while waiting for the
// next try.
func Wait(ctx context.Context, policy Policy, retry int) error {
	return WaitClock(ctx, clock.Real(), policy, retry)
}

// WaitClock is Wait with an explicit clock.
func WaitClock(ctx context.Context, clk clock.Clock, policy Policy, retry int) error {
	keepgoing, wait := policy.Retry(retry)
	if !keepgoing {
		return errors.E(errors.TooManyTries, fmt.Sprintf("gave up after %d tries", retry))
	}
	return sleep(ctx, clk, wait)
}

// WaitFor is like WaitClock, but waits at least min: it is used to
// honor a delay requested by the relay (e.g., when rate limited) that
// may exceed the policy's own backoff.
func WaitFor(ctx context.Context, clk clock.Clock, policy Policy, retry int, min time.Duration) error {
	keepgoing, wait := policy.Retry(retry)
	if !keepgoing {
		return errors.E(errors.TooManyTries, fmt.Sprintf("gave up after %d tries", retry))
	}
	if wait < min {
		wait = min
	}
	return sleep(ctx, clk, wait)
}

func sleep(ctx context.Context, clk clock.Clock, wait time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok && deadline.Sub(clk.Now()) < wait {
		return errors.E(errors.Timeout, "ran out of time while waiting for retry")
	}
	if wait <= 0 {
		return ctx.Err()
	}
	select {
	case <-clk.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type backoff struct {
	factor       float64
	initial, max time.Duration
}

// Backoff returns a Policy that initially waits for the amount of
// time specified by parameter initial; on each try this value is
// multiplied by the provided factor, up to the max duration.
func Backoff(initial, max time.Duration, factor float64) Policy {
	return &backoff{
		initial: initial,
		max:     max,
		factor:  factor,
	}
}

func (b *backoff) Retry(retries int) (bool, time.Duration) {
	if retries < 0 {
		retries = 0
	}
	// Compute in floating point and clamp before converting so that
	// large retry counts do not overflow time.Duration.
	wait := float64(b.initial) * math.Pow(b.factor, float64(retries))
	if math.IsInf(wait, 0) || math.IsNaN(wait) || wait > float64(b.max) {
		return true, b.max
	}
	return true, time.Duration(wait)
}

type jitter struct {
	policy Policy
	frac   float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// Jitter returns a policy that randomizes the waits of the provided
// policy: a fraction frac of each wait is replaced by a uniformly
// random duration in [0, frac*wait]. With frac = 1 ("full jitter") the
// wait is uniform in [0, wait]; with frac = 0.5 ("equal jitter") it is
// uniform in [wait/2, wait]. Jitter spreads out the retries of many
// devices that failed at the same moment, e.g. during a relay outage.
func Jitter(policy Policy, frac float64) Policy {
	if frac < 0 || frac > 1 {
		panic("retry.Jitter: frac must be within [0, 1]")
	}
	return &jitter{policy: policy, frac: frac, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (j *jitter) Retry(retries int) (bool, time.Duration) {
	keepgoing, wait := j.policy.Retry(retries)
	if !keepgoing || wait <= 0 {
		return keepgoing, wait
	}
	span := time.Duration(j.frac * float64(wait))
	if span <= 0 {
		return keepgoing, wait
	}
	j.mu.Lock()
	r := time.Duration(j.rnd.Int63n(int64(span) + 1))
	j.mu.Unlock()
	return keepgoing, wait - span + r
}

type maxtries struct {
	policy Policy
	max    int
}

// MaxTries returns a policy that enforces a maximum number of
// attempts. The provided policy is invoked when the current number
// of tries is within the permissible limit. If policy is nil, the
// returned policy will permit an immediate retry when the number of
// tries is within the allowable limits.
func MaxTries(policy Policy, n int) Policy {
	if n < 1 {
		panic("retry.MaxTries: n < 1")
	}
	return &maxtries{policy, n - 1}
}

func (m *maxtries) Retry(retries int) (bool, time.Duration) {
	if retries > m.max {
		return false, time.Duration(0)
	}
	if m.policy != nil {
		return m.policy.Retry(retries)
	}
	return true, time.Duration(0)
}

// Exhausted tells whether policy permits no further tries after the
// given number of retries.
func Exhausted(policy Policy, retries int) bool {
	keepgoing, _ := policy.Retry(retries)
	return !keepgoing
}
