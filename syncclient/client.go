// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package syncclient runs a device's side of synchronization. It
// pushes the replica's outbox to a relay, pulls the changes other
// devices pushed, and merges them into the replica. Sync runs in the
// background, independent of local reads and writes; a cycle can be
// canceled at any point without leaving a half-merged entity.
//
// Network failures are retried with jittered exponential backoff.
// A change that keeps failing is flagged sync_failed in the outbox
// rather than dropped. Integrity failures are never retried: the
// offending record is reported and the rest of the cycle proceeds.
package syncclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/log"
	"github.com/grailbio/zksync/replica"
	"github.com/grailbio/zksync/retry"
	"github.com/grailbio/zksync/status"
	"github.com/grailbio/zksync/sync/ctxsync"
	"github.com/grailbio/zksync/wire"
)

var logger = log.For("syncclient")

// RelayClient is the subset of the relay a client uses.
// *transport.Client and *relay.Relay implement it.
type RelayClient interface {
	Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error)
	Pull(ctx context.Context, req *wire.PullRequest) (*wire.PullResponse, error)
	Health(ctx context.Context) (*wire.HealthResponse, error)
}

// Options configures a Client.
type Options struct {
	// Vault names the set of devices that share data.
	Vault string
	// Regions lists the relay regions. At least one is required.
	Regions []Region
	// Meta stores cursors. Defaults to an in-memory store.
	Meta MetaStore
	// Clock defaults to clock.Real().
	Clock clock.Clock
	// Interval is the time between background cycles.
	Interval time.Duration
	// BatchSize bounds the changes per push and per pull.
	BatchSize int
	// MaxTries is the number of failed pushes after which a change is
	// flagged sync_failed.
	MaxTries int
	// Backoff is the wait policy between failed cycles. It defaults to
	// jittered exponential backoff from one second to five minutes.
	Backoff retry.Policy
	// Timeout bounds each network operation.
	Timeout time.Duration
	// FailoverThreshold is the number of consecutive failures after
	// which an unpinned client fails over to another region.
	FailoverThreshold int
	// ProbeTTL is how long region probes are cached.
	ProbeTTL time.Duration
	// OnUnknownKey is called when a pulled record names a key the
	// session cannot resolve, typically because another device
	// rotated keys. If it returns nil the record is applied again,
	// once.
	OnUnknownKey func(ctx context.Context, env *encryption.Envelope) error
}

// DefaultOptions holds the defaults applied to unset fields.
var DefaultOptions = Options{
	Interval:          30 * time.Second,
	BatchSize:         200,
	MaxTries:          8,
	Timeout:           30 * time.Second,
	FailoverThreshold: 3,
	ProbeTTL:          10 * time.Minute,
}

func (o *Options) defaults() {
	d := DefaultOptions
	if o.Meta == nil {
		o.Meta = new(MemMeta)
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.BatchSize <= 0 || o.BatchSize > wire.MaxChanges {
		o.BatchSize = d.BatchSize
	}
	if o.MaxTries <= 0 {
		o.MaxTries = d.MaxTries
	}
	if o.Backoff == nil {
		o.Backoff = retry.Jitter(retry.Backoff(time.Second, 5*time.Minute, 2), 0.5)
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.FailoverThreshold <= 0 {
		o.FailoverThreshold = d.FailoverThreshold
	}
	if o.ProbeTTL <= 0 {
		o.ProbeTTL = d.ProbeTTL
	}
}

// Client synchronizes one replica with the relay.
type Client struct {
	opts    Options
	store   *replica.Store
	outbox  replica.Outbox
	regions *regions
	status  status.Status

	// cycle serializes sync cycles.
	cycle ctxsync.Mutex

	trigger chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	unobs  func()
}

// New returns a client syncing store, whose table's outbox is outbox.
func New(store *replica.Store, outbox replica.Outbox, opts Options) (*Client, error) {
	opts.defaults()
	if opts.Vault == "" {
		return nil, errors.E(errors.Invalid, "syncclient: vault is required")
	}
	if len(opts.Regions) == 0 {
		return nil, errors.E(errors.Invalid, "syncclient: at least one relay region is required")
	}
	seen := make(map[string]bool)
	for _, r := range opts.Regions {
		if r.Name == "" || r.Relay == nil || seen[r.Name] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("syncclient: bad or duplicate region %q", r.Name))
		}
		seen[r.Name] = true
	}
	return &Client{
		opts:    opts,
		store:   store,
		outbox:  outbox,
		regions: newRegions(opts.Regions, opts.Clock, opts.Timeout, opts.ProbeTTL, opts.FailoverThreshold),
		trigger: make(chan struct{}, 1),
	}, nil
}

// NewVault returns a fresh vault identifier.
func NewVault() string { return uuid.NewString() }

// Status returns the client's observable status.
func (c *Client) Status() *status.Status { return &c.status }

// Start starts background synchronization. Local writes trigger a
// cycle promptly; otherwise cycles run every Interval, or on the
// backoff schedule after a failure.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.unobs = c.store.Observe("", func(ch replica.Change) {
		if !ch.Remote {
			c.Trigger()
		}
	})
	go c.loop(ctx, c.done)
}

// Stop stops background synchronization, canceling any cycle in
// progress, and waits for the loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done, unobs := c.cancel, c.done, c.unobs
	c.cancel, c.done, c.unobs = nil, nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	unobs()
	cancel()
	<-done
}

// Trigger asks the background loop to run a cycle soon.
func (c *Client) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	failures := 0
	for {
		_, err := c.SyncNow(ctx)
		if ctx.Err() != nil {
			return
		}
		var wait <-chan time.Time
		switch {
		case err == nil:
			failures = 0
			wait = c.opts.Clock.After(c.opts.Interval)
		case errors.Retryable(err):
			failures++
			_, d := c.opts.Backoff.Retry(failures - 1)
			if min := errors.RetryAfterOf(err); d < min {
				d = min
			}
			wait = c.opts.Clock.After(d)
		default:
			failures = 0
			wait = c.opts.Clock.After(c.opts.Interval)
		}
		select {
		case <-ctx.Done():
			return
		case <-wait:
		case <-c.trigger:
			if err != nil && errors.Retryable(err) {
				// Keep backing off; a local write does not make the
				// relay reachable.
				select {
				case <-ctx.Done():
					return
				case <-wait:
				}
			}
		}
	}
}

// PinRegion pins the named region, disabling automatic failover.
func (c *Client) PinRegion(name string) error { return c.regions.pin(name) }

// UnpinRegion re-enables automatic region selection.
func (c *Client) UnpinRegion() { c.regions.unpin() }

// ListRegions returns every region as last probed, best first. It
// reads the probe cache only; regions not probed within the probe TTL
// have a zero ProbedAt.
func (c *Client) ListRegions() []RegionInfo { return c.regions.info() }

// ProbeRegions measures every region now, refreshing the probe cache,
// and returns the result as ListRegions does.
func (c *Client) ProbeRegions(ctx context.Context) []RegionInfo {
	c.regions.probe(ctx)
	return c.regions.info()
}

// Failed returns the changes flagged sync_failed.
func (c *Client) Failed(ctx context.Context) ([]replica.Pending, error) { return c.outbox.Failed(ctx) }

// Retry clears the sync_failed flag of a change and triggers a cycle.
func (c *Client) Retry(ctx context.Context, typ, id string) error {
	if err := c.outbox.Retry(ctx, typ, id); err != nil {
		return err
	}
	c.Trigger()
	return nil
}

// Observed reports whether every device of the vault has pulled e's
// current state from the region in use, as of the last pull. It is
// used as replica.GCOptions.Observed.
func (c *Client) Observed(ctx context.Context) func(*replica.Entity) bool {
	watermark := int64(0)
	region, err := c.regions.choose(ctx)
	if err == nil {
		watermark, err = getInt(ctx, c.opts.Meta, watermarkKey(c.opts.Vault, region.Name))
	}
	if err != nil {
		logger.Debug.Printf("watermark unavailable: %v", err)
	}
	return func(e *replica.Entity) bool {
		return e.RelaySeq > 0 && e.RelaySeq <= watermark
	}
}

// lastSyncedMessage renders the non-alarming status shown while
// retrying.
func lastSyncedMessage(last, now time.Time) string {
	if last.IsZero() {
		return "not synced yet, retrying"
	}
	d := now.Sub(last)
	var ago string
	switch {
	case d < time.Minute:
		ago = "just now"
	case d < time.Hour:
		ago = plural(int(d/time.Minute), "minute") + " ago"
	case d < 48*time.Hour:
		ago = plural(int(d/time.Hour), "hour") + " ago"
	default:
		ago = plural(int(d/(24*time.Hour)), "day") + " ago"
	}
	return "last synced " + ago + ", retrying"
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
