// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package syncclient

import (
	"context"
	"fmt"

	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/replica"
	"github.com/grailbio/zksync/status"
	"github.com/grailbio/zksync/wire"
)

// RecordError is a per-record failure that did not stop the cycle.
type RecordError struct {
	Type, ID string
	Err      error
}

func (e RecordError) Error() string { return fmt.Sprintf("%s/%s: %v", e.Type, e.ID, e.Err) }

// Report summarizes one sync cycle.
type Report struct {
	Region string
	// Pushed counts changes the relay stored; Acknowledged counts
	// changes it already had.
	Pushed, Acknowledged int
	// Failed lists changes flagged sync_failed during the cycle.
	Failed []replica.Pending
	// Pulled counts changes received; Applied counts those that
	// changed the replica.
	Pulled, Applied int
	// Errors lists records that could not be verified or merged.
	Errors []RecordError
}

// SyncNow runs one push-and-pull cycle against the selected region.
// Cycles are serialized. Network failures count toward the region's
// failover threshold and are returned so that the caller may retry;
// per-record failures are listed in the report.
func (c *Client) SyncNow(ctx context.Context) (*Report, error) {
	if err := c.cycle.Lock(ctx); err != nil {
		return nil, errors.E(err, "syncclient: waiting for cycle")
	}
	defer c.cycle.Unlock()

	c.status.Update(c.opts.Clock.Now(), func(s *status.Snapshot) {
		s.State = status.Syncing
	})
	report := new(Report)
	region, err := c.regions.choose(ctx)
	if err == nil {
		report.Region = region.Name
		err = c.push(ctx, region, report)
		if err == nil {
			err = c.pull(ctx, region, report)
		}
		if err != nil && isNetwork(err) && ctx.Err() == nil {
			c.regions.failed(region.Name, err)
		} else if err == nil {
			c.regions.succeeded(region.Name)
		}
	}
	c.finish(ctx, report, err)
	if err != nil {
		return report, err
	}
	logger.Debug.Printf("cycle via %s: pushed %d (+%d acknowledged), pulled %d, applied %d, %d record errors",
		report.Region, report.Pushed, report.Acknowledged, report.Pulled, report.Applied, len(report.Errors))
	return report, nil
}

// isNetwork tells whether err is a failure of the relay or the path
// to it, as opposed to a local or per-request failure.
func isNetwork(err error) bool {
	switch errors.KindOf(err) {
	case errors.Net, errors.Timeout, errors.Unavailable, errors.Remote:
		return true
	}
	return false
}

// finish updates the status after a cycle.
func (c *Client) finish(ctx context.Context, report *Report, err error) {
	now := c.opts.Clock.Now()
	pending, perr := c.outbox.Pending(ctx, 0)
	failed, ferr := c.outbox.Failed(ctx)
	c.status.Update(now, func(s *status.Snapshot) {
		if perr == nil {
			s.Pending = len(pending)
		}
		if ferr == nil {
			s.Failed = len(failed)
		}
		switch {
		case err == nil:
			s.State = status.Idle
			s.Err = nil
			s.LastSuccess = now
			s.Message = ""
			if len(report.Errors) > 0 {
				s.Message = fmt.Sprintf("%d records could not be verified", len(report.Errors))
			}
			if s.Failed > 0 {
				s.Message = fmt.Sprintf("%d changes failed to sync", s.Failed)
			}
		case errors.Is(errors.Canceled, err):
			s.State = status.Idle
		case isNetwork(err) || errors.Is(errors.RateLimited, err):
			s.State = status.Offline
			if !errors.Is(errors.Net, err) {
				s.State = status.Error
			}
			s.Err = err
			s.Message = lastSyncedMessage(s.LastSuccess, now)
		default:
			s.State = status.Error
			s.Err = err
			s.Message = "sync stopped: " + errors.KindOf(err).String()
		}
	})
}

// push sends the outbox in batches. Each entry is attempted at most
// once per cycle so that a device writing continuously still
// finishes its cycle.
func (c *Client) push(ctx context.Context, region Region, report *Report) error {
	attempted := make(map[[2]string]bool)
	for {
		pending, err := c.outbox.Pending(ctx, 0)
		if err != nil {
			return err
		}
		var batch []wire.Change
		for _, p := range pending {
			k := [2]string{p.Type, p.ID}
			if attempted[k] {
				continue
			}
			attempted[k] = true
			e, err := c.store.Entity(ctx, p.Type, p.ID)
			if errors.Is(errors.NotExist, err) {
				if _, err := c.outbox.Fail(ctx, p.Type, p.ID, 1, "entity no longer exists"); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			batch = append(batch, wire.FromEntity(e, c.store.Policy()))
			if len(batch) == c.opts.BatchSize {
				break
			}
		}
		if len(batch) == 0 {
			return nil
		}
		resp, err := c.pushBatch(ctx, region, batch, report)
		if err != nil {
			return err
		}
		for i, ref := range resp.Accepted {
			if err := c.outbox.Ack(ctx, ref.EntityType, ref.EntityID, ref.Hash); err != nil {
				return err
			}
			if i < len(resp.Seqs) {
				if err := c.store.Table().SetRelaySeq(ctx, ref.EntityType, ref.EntityID, ref.Hash, resp.Seqs[i]); err != nil {
					return err
				}
			}
			report.Pushed++
		}
		for _, rej := range resp.Rejected {
			if rej.Reason.Acknowledged() {
				if err := c.outbox.Ack(ctx, rej.EntityType, rej.EntityID, rej.Hash); err != nil {
					return err
				}
				report.Acknowledged++
				continue
			}
			logger.Error.Printf("relay rejected %s: %s %s", rej.Ref, rej.Reason, rej.Message)
			if err := c.fail(ctx, rej.EntityType, rej.EntityID, 1, string(rej.Reason)+": "+rej.Message, report); err != nil {
				return err
			}
		}
	}
}

// pushBatch pushes one batch, charging a failed attempt to every
// change in it when the push fails.
func (c *Client) pushBatch(ctx context.Context, region Region, batch []wire.Change, report *Report) (*wire.PushResponse, error) {
	req := &wire.PushRequest{
		ProtocolVersion: wire.ProtocolVersion,
		Vault:           c.opts.Vault,
		DeviceID:        string(c.store.Device()),
		Timestamp:       c.opts.Clock.Now().UnixNano(),
		Changes:         batch,
	}
	octx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	resp, err := region.Relay.Push(octx, req)
	cancel()
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, errors.E(ctx.Err(), "syncclient: push")
	}
	err = errors.E(fmt.Sprintf("syncclient: push to %s", region.Name), err)
	if errors.Is(errors.RateLimited, err) {
		// Throttling is not the change's fault.
		return nil, err
	}
	for _, ch := range batch {
		if ferr := c.fail(ctx, ch.EntityType, ch.EntityID, c.opts.MaxTries, err.Error(), report); ferr != nil {
			return nil, ferr
		}
	}
	return nil, err
}

func (c *Client) fail(ctx context.Context, typ, id string, maxTries int, cause string, report *Report) error {
	failed, err := c.outbox.Fail(ctx, typ, id, maxTries, cause)
	if err != nil {
		return err
	}
	if failed {
		logger.Error.Printf("%s/%s flagged sync_failed: %s", typ, id, cause)
		report.Failed = append(report.Failed, replica.Pending{Type: typ, ID: id, Failed: true, LastError: cause})
	}
	return nil
}

// pull applies the region's changes after the stored cursor, page by
// page. The cursor is saved after each page, so a canceled cycle
// resumes where it stopped.
func (c *Client) pull(ctx context.Context, region Region, report *Report) error {
	ckey := cursorKey(c.opts.Vault, region.Name)
	cursor, err := getInt(ctx, c.opts.Meta, ckey)
	if err != nil {
		return err
	}
	for {
		req := &wire.PullRequest{
			ProtocolVersion: wire.ProtocolVersion,
			Vault:           c.opts.Vault,
			DeviceID:        string(c.store.Device()),
			Cursor:          cursor,
			Limit:           c.opts.BatchSize,
		}
		octx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		resp, err := region.Relay.Pull(octx, req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return errors.E(ctx.Err(), "syncclient: pull")
			}
			return errors.E(fmt.Sprintf("syncclient: pull from %s", region.Name), err)
		}
		next := cursor
		for _, ch := range resp.Changes {
			if err := ctx.Err(); err != nil {
				// Entities already applied are complete; the cursor
				// covers exactly those.
				if serr := setInt(context.Background(), c.opts.Meta, ckey, next); serr != nil {
					logger.Error.Printf("saving cursor: %v", serr)
				}
				return errors.E(err, "syncclient: pull")
			}
			report.Pulled++
			outcome, err := c.apply(ctx, ch)
			switch {
			case err == nil:
				if outcome != replica.Ignored {
					report.Applied++
				}
			case errors.Is(errors.Integrity, err) || errors.Is(errors.UnknownKey, err) || errors.Is(errors.Invalid, err):
				logger.Error.Printf("%s/%s could not be verified: %v", ch.EntityType, ch.EntityID, err)
				report.Errors = append(report.Errors, RecordError{Type: ch.EntityType, ID: ch.EntityID, Err: err})
			case errors.Is(errors.Conflict, err):
				logger.Error.Printf("BUG: unresolvable conflict on %s/%s: %v", ch.EntityType, ch.EntityID, err)
				report.Errors = append(report.Errors, RecordError{Type: ch.EntityType, ID: ch.EntityID, Err: err})
			default:
				if serr := setInt(ctx, c.opts.Meta, ckey, next); serr != nil {
					logger.Error.Printf("saving cursor: %v", serr)
				}
				return err
			}
			if ch.Seq > next {
				next = ch.Seq
			}
		}
		if resp.NextCursor > next {
			next = resp.NextCursor
		}
		if err := setInt(ctx, c.opts.Meta, ckey, next); err != nil {
			return err
		}
		if err := setInt(ctx, c.opts.Meta, watermarkKey(c.opts.Vault, region.Name), resp.Watermark); err != nil {
			return err
		}
		cursor = next
		if !resp.HasMore {
			// Acknowledge the final cursor so the relay's watermark
			// reflects everything this device has applied.
			if len(resp.Changes) > 0 {
				return c.ackCursor(ctx, region, cursor)
			}
			return nil
		}
	}
}

// ackCursor reports the device's cursor to the relay with an empty
// pull.
func (c *Client) ackCursor(ctx context.Context, region Region, cursor int64) error {
	octx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	resp, err := region.Relay.Pull(octx, &wire.PullRequest{
		ProtocolVersion: wire.ProtocolVersion,
		Vault:           c.opts.Vault,
		DeviceID:        string(c.store.Device()),
		Cursor:          cursor,
		Limit:           1,
	})
	if err != nil {
		// The next cycle acknowledges it again.
		logger.Debug.Printf("acknowledging cursor %d: %v", cursor, err)
		return nil
	}
	return setInt(ctx, c.opts.Meta, watermarkKey(c.opts.Vault, region.Name), resp.Watermark)
}

// apply merges one change, resolving an unknown key once.
func (c *Client) apply(ctx context.Context, ch wire.Change) (replica.Outcome, error) {
	outcome, err := c.store.Apply(ctx, ch.Entity())
	if errors.Is(errors.UnknownKey, err) && c.opts.OnUnknownKey != nil {
		if kerr := c.opts.OnUnknownKey(ctx, ch.Envelope); kerr != nil {
			logger.Error.Printf("resolving key %s: %v", ch.Envelope.KeyID, kerr)
			return outcome, err
		}
		outcome, err = c.store.Apply(ctx, ch.Entity())
	}
	return outcome, err
}
