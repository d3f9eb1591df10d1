// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/zksync/status"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CollectGarbage deletes stored tombstones that every device of their
// vault has pulled, once they are older than MinGrace, and all
// tombstones older than Retention. It returns the number deleted.
func (r *Relay) CollectGarbage(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		retention := now.Add(-r.opts.Retention).UnixNano()
		grace := now.Add(-r.opts.MinGrace).UnixNano()
		err := sqlitex.Execute(conn, `
			DELETE FROM states WHERE tombstoned = 1 AND (
				tombstoned_at <= ? OR (
					tombstoned_at <= ? AND
					seq <= (SELECT coalesce(min(cursor), 0) FROM cursors c WHERE c.vault = states.vault)))`,
			&sqlitex.ExecOptions{Args: []any{retention, grace}})
		n = conn.Changes()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info.Printf("collected %d tombstones", n)
	}
	return n, nil
}

// Run collects garbage every interval until ctx is done. The outcome
// of each pass is reported to st, if not nil.
func (r *Relay) Run(ctx context.Context, interval time.Duration, st *status.Status) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.opts.Clock.After(interval):
		}
		n, err := r.CollectGarbage(ctx, r.opts.Clock.Now())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Error.Printf("garbage collection: %v", err)
			if st != nil {
				st.Set(r.opts.Clock.Now(), status.Error, "garbage collection failed", err)
			}
			continue
		}
		if st != nil {
			st.Set(r.opts.Clock.Now(), status.Idle, fmt.Sprintf("collected %d tombstones", n), nil)
		}
	}
}
