// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/ttlcache"
	"golang.org/x/time/rate"
)

// idleLimiter is how long an identity's limiter outlives its last
// request. After that a fresh, full bucket is indistinguishable.
const idleLimiter = 10 * time.Minute

// limiter throttles requests per (vault, device) identity.
type limiter struct {
	mu     sync.Mutex
	limit  rate.Limit
	burst  int
	clock  clock.Clock
	byName *ttlcache.Cache[string, *rate.Limiter]
}

func newLimiter(perSecond float64, burst int, clk clock.Clock) *limiter {
	return &limiter{
		limit:  rate.Limit(perSecond),
		burst:  burst,
		clock:  clk,
		byName: ttlcache.NewClock[string, *rate.Limiter](idleLimiter, clk),
	}
}

// allow admits one request of the identity or fails with RateLimited,
// carrying how long the client should wait.
func (l *limiter) allow(vault, device string) error {
	name := vault + "/" + device
	now := l.clock.Now()
	l.mu.Lock()
	lim, ok := l.byName.Get(name)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	l.byName.Set(name, lim)
	l.mu.Unlock()
	if lim.AllowN(now, 1) {
		return nil
	}
	res := lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	res.CancelAt(now)
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return errors.E(errors.RateLimited, errors.Retriable, delay,
		fmt.Sprintf("%s exceeded %.4g requests per second", name, float64(l.limit)))
}
