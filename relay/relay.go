// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package relay implements the zero-knowledge sync relay. The relay
// stores encrypted entity states keyed by (vault, entity type, entity
// id, version vector hash) and hands them to devices in the order it
// stored them. It never holds, receives or derives a key: the only
// record content it sees is envelope ciphertext, and it resolves no
// conflicts. Concurrent states of one entity are simply kept side by
// side for devices to merge.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/codec"
	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/log"
	"github.com/grailbio/zksync/replica"
	"github.com/grailbio/zksync/sqlitestore"
	"github.com/grailbio/zksync/wire"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var logger = log.For("relay")

const schema = `
CREATE TABLE IF NOT EXISTS states (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	vault         TEXT NOT NULL,
	type          TEXT NOT NULL,
	id            TEXT NOT NULL,
	hash          TEXT NOT NULL,
	vector        BLOB NOT NULL,
	updated_at    INTEGER NOT NULL,
	device        TEXT NOT NULL,
	tombstoned    INTEGER NOT NULL DEFAULT 0,
	tombstoned_at INTEGER NOT NULL DEFAULT 0,
	envelope      BLOB NOT NULL,
	stored_at     INTEGER NOT NULL,
	UNIQUE (vault, type, id, hash)
);
CREATE INDEX IF NOT EXISTS states_entity ON states (vault, type, id);
CREATE INDEX IF NOT EXISTS states_vault_seq ON states (vault, seq);
CREATE TABLE IF NOT EXISTS cursors (
	vault   TEXT NOT NULL,
	device  TEXT NOT NULL,
	cursor  INTEGER NOT NULL,
	seen_at INTEGER NOT NULL,
	PRIMARY KEY (vault, device)
);
`

// Options configures a Relay.
type Options struct {
	// Region names the relay's region in health reports.
	Region string
	// Clock defaults to clock.Real().
	Clock clock.Clock
	// RequestsPerSecond and Burst bound the request rate of each
	// (vault, device) identity.
	RequestsPerSecond float64
	Burst             int
	// PageSize bounds the changes returned by one pull.
	PageSize int
	// Retention and MinGrace control tombstone collection, as in
	// replica.GCOptions.
	Retention time.Duration
	MinGrace  time.Duration
	// DegradedLatency is the storage latency above which the relay
	// reports itself degraded.
	DegradedLatency time.Duration
	// SLAWindow bounds how far back request samples are kept.
	SLAWindow time.Duration
}

// DefaultOptions are the relay's defaults.
var DefaultOptions = Options{
	RequestsPerSecond: 10,
	Burst:             20,
	PageSize:          200,
	Retention:         replica.DefaultRetention,
	MinGrace:          replica.DefaultMinGrace,
	DegradedLatency:   250 * time.Millisecond,
	SLAWindow:         24 * time.Hour,
}

func (o *Options) defaults() {
	d := DefaultOptions
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = d.RequestsPerSecond
	}
	if o.Burst <= 0 {
		o.Burst = d.Burst
	}
	if o.PageSize <= 0 || o.PageSize > wire.MaxChanges {
		o.PageSize = d.PageSize
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.MinGrace <= 0 {
		o.MinGrace = d.MinGrace
	}
	if o.DegradedLatency <= 0 {
		o.DegradedLatency = d.DegradedLatency
	}
	if o.SLAWindow <= 0 {
		o.SLAWindow = d.SLAWindow
	}
}

// Relay is a relay backed by SQLite. It is safe for concurrent use;
// pushes from different devices serialize on the database's write
// lock, and every accept or reject decision is made inside it.
type Relay struct {
	pool    *sqlitestore.Pool
	opts    Options
	limiter *limiter
	sla     *slaRecorder
}

// Open opens (creating if needed) a relay database at path.
func Open(path string, opts Options) (*Relay, error) {
	opts.defaults()
	pool, err := sqlitestore.Open(sqlitestore.Config{
		Path: path,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	return &Relay{
		pool:    pool,
		opts:    opts,
		limiter: newLimiter(opts.RequestsPerSecond, opts.Burst, opts.Clock),
		sla:     newSLARecorder(opts.SLAWindow, opts.Clock),
	}, nil
}

// Close closes the relay's database.
func (r *Relay) Close() error { return r.pool.Close() }

func (r *Relay) now() int64 { return r.opts.Clock.Now().UnixNano() }

// observe records the outcome of a request for SLA metrics.
func (r *Relay) observe(start time.Time, err *error) {
	r.sla.record(r.opts.Clock.Since(start), *err == nil || !serverFault(*err))
}

// serverFault tells whether err counts against the relay's success
// rate. Client mistakes and throttling do not.
func serverFault(err error) bool {
	switch errors.KindOf(err) {
	case errors.Invalid, errors.RateLimited, errors.NotAllowed, errors.Canceled:
		return false
	}
	return true
}

type storedState struct {
	seq    int64
	hash   string
	vector replica.VersionVector
}

func entityStates(conn *sqlite.Conn, vault, typ, id string) ([]storedState, error) {
	var states []storedState
	err := sqlitex.Execute(conn, "SELECT seq, hash, vector FROM states WHERE vault = ? AND type = ? AND id = ?", &sqlitex.ExecOptions{
		Args: []any{vault, typ, id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			s := storedState{seq: stmt.ColumnInt64(0), hash: stmt.ColumnText(1)}
			p := make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, p)
			if err := codec.Unmarshal(p, &s.vector); err != nil {
				return errors.E(errors.Integrity, fmt.Sprintf("stored vector of %s/%s", typ, id), err)
			}
			states = append(states, s)
			return nil
		},
	})
	return states, err
}

// Push stores the changes of req. Each change is accepted, or rejected
// with a reason; a change already stored, or dominated by a stored
// state, counts as acknowledged. Accepting a change compacts the
// stored states of the entity that it dominates.
func (r *Relay) Push(ctx context.Context, req *wire.PushRequest) (resp *wire.PushResponse, err error) {
	defer r.observe(r.opts.Clock.Now(), &err)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := r.limiter.allow(req.Vault, req.DeviceID); err != nil {
		return nil, err
	}
	resp = &wire.PushResponse{}
	err = r.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		now := r.now()
		for _, c := range req.Changes {
			if err := ctx.Err(); err != nil {
				return errors.E(err)
			}
			ref := c.Ref()
			if err := c.Validate(); err != nil {
				resp.Rejected = append(resp.Rejected, wire.Rejection{Ref: ref, Reason: wire.Malformed, Message: err.Error()})
				continue
			}
			reason, seq, err := r.store(conn, req.Vault, c, now)
			if err != nil {
				return err
			}
			if reason != "" {
				resp.Rejected = append(resp.Rejected, wire.Rejection{Ref: ref, Reason: reason})
				continue
			}
			resp.Accepted = append(resp.Accepted, ref)
			resp.Seqs = append(resp.Seqs, seq)
		}
		resp.Timestamp = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Debug.Printf("push %s/%s: %d accepted, %d rejected", req.Vault, req.DeviceID, len(resp.Accepted), len(resp.Rejected))
	return resp, nil
}

// store stores one valid change, returning a rejection reason if it
// was not stored.
func (r *Relay) store(conn *sqlite.Conn, vault string, c wire.Change, now int64) (wire.RejectReason, int64, error) {
	states, err := entityStates(conn, vault, c.EntityType, c.EntityID)
	if err != nil {
		return "", 0, err
	}
	hash := c.VersionVector.Hash()
	var dominated []int64
	for _, s := range states {
		if s.hash == hash {
			return wire.Duplicate, 0, nil
		}
		switch s.vector.Compare(c.VersionVector) {
		case replica.After, replica.Equal:
			return wire.Superseded, 0, nil
		case replica.Before:
			dominated = append(dominated, s.seq)
		}
	}
	vector, err := codec.Marshal(c.VersionVector.Clone())
	if err != nil {
		return "", 0, errors.E(errors.Invalid, "encoding vector", err)
	}
	env, err := c.Envelope.Marshal()
	if err != nil {
		return "", 0, errors.E(errors.Invalid, "encoding envelope", err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO states (vault, type, id, hash, vector, updated_at, device, tombstoned, tombstoned_at, envelope, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			vault, c.EntityType, c.EntityID, hash, vector, c.UpdatedAt, c.DeviceID, c.Tombstoned, c.TombstonedAt, env, now,
		}})
	if err != nil {
		return "", 0, err
	}
	seq := conn.LastInsertRowID()
	for _, s := range dominated {
		if err := sqlitex.Execute(conn, "DELETE FROM states WHERE seq = ?", &sqlitex.ExecOptions{Args: []any{s}}); err != nil {
			return "", 0, err
		}
	}
	return "", seq, nil
}

// Pull returns the states stored after req.Cursor, oldest first. The
// request's cursor also acknowledges that the device has applied
// everything at or below it, which advances the vault's watermark.
func (r *Relay) Pull(ctx context.Context, req *wire.PullRequest) (resp *wire.PullResponse, err error) {
	defer r.observe(r.opts.Clock.Now(), &err)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := r.limiter.allow(req.Vault, req.DeviceID); err != nil {
		return nil, err
	}
	limit := r.opts.PageSize
	if req.Limit > 0 && req.Limit < limit {
		limit = req.Limit
	}
	resp = &wire.PullResponse{NextCursor: req.Cursor}
	err = r.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		now := r.now()
		resp.Timestamp = now
		if err := sqlitex.Execute(conn, `
			INSERT INTO cursors (vault, device, cursor, seen_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (vault, device) DO UPDATE SET
				cursor = max(cursor, excluded.cursor),
				seen_at = excluded.seen_at`,
			&sqlitex.ExecOptions{Args: []any{req.Vault, req.DeviceID, req.Cursor, now}}); err != nil {
			return err
		}
		err := sqlitex.Execute(conn, `
			SELECT seq, type, id, vector, updated_at, device, tombstoned, tombstoned_at, envelope
			FROM states WHERE vault = ? AND seq > ? AND stored_at >= ?
			ORDER BY seq LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{req.Vault, req.Cursor, req.SinceTimestamp, limit + 1},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					if len(resp.Changes) == limit {
						resp.HasMore = true
						return nil
					}
					c, err := scanChange(stmt)
					if err != nil {
						return err
					}
					resp.Changes = append(resp.Changes, c)
					resp.NextCursor = c.Seq
					return nil
				},
			})
		if err != nil {
			return err
		}
		resp.Watermark, err = watermark(conn, req.Vault)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func scanChange(stmt *sqlite.Stmt) (wire.Change, error) {
	c := wire.Change{
		Seq:          stmt.ColumnInt64(0),
		EntityType:   stmt.ColumnText(1),
		EntityID:     stmt.ColumnText(2),
		UpdatedAt:    stmt.ColumnInt64(4),
		DeviceID:     stmt.ColumnText(5),
		Tombstoned:   stmt.ColumnBool(6),
		TombstonedAt: stmt.ColumnInt64(7),
	}
	p := make([]byte, stmt.ColumnLen(3))
	stmt.ColumnBytes(3, p)
	if err := codec.Unmarshal(p, &c.VersionVector); err != nil {
		return c, errors.E(errors.Integrity, "stored vector", err)
	}
	p = make([]byte, stmt.ColumnLen(8))
	stmt.ColumnBytes(8, p)
	env, err := encryption.UnmarshalEnvelope(p)
	if err != nil {
		return c, err
	}
	c.Envelope = env
	return c, nil
}

func watermark(conn *sqlite.Conn, vault string) (int64, error) {
	var w int64
	err := sqlitex.Execute(conn, "SELECT coalesce(min(cursor), 0) FROM cursors WHERE vault = ?", &sqlitex.ExecOptions{
		Args: []any{vault},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			w = stmt.ColumnInt64(0)
			return nil
		},
	})
	return w, err
}

// Health reports the relay's status and how long a storage round trip
// takes.
func (r *Relay) Health(ctx context.Context) (*wire.HealthResponse, error) {
	start := r.opts.Clock.Now()
	err := r.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM cursors", nil)
	})
	latency := r.opts.Clock.Since(start)
	resp := &wire.HealthResponse{
		Status:           wire.StatusOK,
		Region:           r.opts.Region,
		StorageLatencyMS: float64(latency) / float64(time.Millisecond),
		Timestamp:        r.now(),
	}
	if err != nil || latency > r.opts.DegradedLatency {
		resp.Status = wire.StatusDegraded
	}
	if err != nil {
		logger.Error.Printf("health check: %v", err)
	}
	return resp, nil
}

// SLAMetrics summarizes requests completed within window.
func (r *Relay) SLAMetrics(ctx context.Context, window time.Duration) (*wire.SLAResponse, error) {
	if window <= 0 {
		return nil, errors.E(errors.Invalid, "SLA window must be positive")
	}
	return r.sla.summary(window), nil
}
