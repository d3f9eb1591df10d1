// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/errors"
)

func TestBackoff(t *testing.T) {
	policy := Backoff(time.Second, 10*time.Second, 2)
	expect := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for retries, wait := range expect {
		keepgoing, dur := policy.Retry(retries)
		if !keepgoing {
			t.Fatal("!keepgoing")
		}
		if got, want := dur, wait; got != want {
			t.Errorf("retry %d: got %v, want %v", retries, got, want)
		}
	}
}

// TestBackoffOverflow tests the behavior of exponential backoff for large
// numbers of retries.
func TestBackoffOverflow(t *testing.T) {
	policy := Backoff(time.Second, 10*time.Second, 2)
	for retries := 1000; retries < 1004; retries++ {
		keepgoing, dur := policy.Retry(retries)
		if !keepgoing {
			t.Fatal("!keepgoing")
		}
		if got, want := dur, 10*time.Second; got != want {
			t.Errorf("retry %d: got %v, want %v", retries, got, want)
		}
	}
}

func checkWithin(t *testing.T, wantMin, wantMax, got time.Duration) {
	t.Helper()
	if got < wantMin || got > wantMax {
		t.Errorf("got %v, want within (%v, %v)", got, wantMin, wantMax)
	}
}

func TestBackoffWithFullJitter(t *testing.T) {
	policy := Jitter(Backoff(time.Second, 10*time.Second, 2), 1.0)
	expect := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for retries, wait := range expect {
		keepgoing, dur := policy.Retry(retries)
		if !keepgoing {
			t.Fatal("!keepgoing")
		}
		checkWithin(t, 0, wait, dur)
	}
}

func TestBackoffWithEqualJitter(t *testing.T) {
	policy := Jitter(Backoff(time.Second, 10*time.Second, 2), 0.5)
	expect := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for retries, wait := range expect {
		keepgoing, dur := policy.Retry(retries)
		if !keepgoing {
			t.Fatal("!keepgoing")
		}
		checkWithin(t, wait/2, wait, dur)
	}
}

func TestMaxTries(t *testing.T) {
	policy := MaxTries(Backoff(time.Second, time.Minute, 2), 3)
	for retries := 0; retries < 3; retries++ {
		if Exhausted(policy, retries) {
			t.Errorf("retry %d: exhausted too early", retries)
		}
	}
	if !Exhausted(policy, 3) {
		t.Error("expected policy to be exhausted after 3 tries")
	}
	err := Wait(context.Background(), policy, 3)
	if !errors.Is(errors.TooManyTries, err) {
		t.Errorf("got %v, want TooManyTries", err)
	}
}

func TestWaitCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Backoff(time.Hour, time.Hour, 1)
	cancel()
	if got, want := Wait(ctx, policy, 0), context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWaitDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	policy := Backoff(time.Hour, time.Hour, 1)
	if got, want := Wait(ctx, policy, 0), errors.E(errors.Timeout); !errors.Match(want, got) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWaitForHonorsMinimum(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	policy := Backoff(time.Millisecond, time.Millisecond, 1)
	done := make(chan error, 1)
	go func() {
		done <- WaitFor(context.Background(), clk, policy, 0, 30*time.Second)
	}()
	clk.BlockUntilWaiting()
	clk.Advance(29 * time.Second)
	select {
	case err := <-done:
		t.Fatalf("returned early: %v", err)
	default:
	}
	clk.Advance(time.Second)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
