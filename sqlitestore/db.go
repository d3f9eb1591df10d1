// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/codec"
	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/replica"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	type          TEXT NOT NULL,
	id            TEXT NOT NULL,
	hash          TEXT NOT NULL,
	vector        BLOB NOT NULL,
	updated_at    INTEGER NOT NULL,
	device        TEXT NOT NULL,
	tombstoned_at INTEGER NOT NULL DEFAULT 0,
	relay_seq     INTEGER NOT NULL DEFAULT 0,
	envelope      BLOB NOT NULL,
	PRIMARY KEY (type, id)
);
CREATE TABLE IF NOT EXISTS outbox (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	type        TEXT NOT NULL,
	id          TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	UNIQUE (type, id)
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// DB is a device's durable replica. It implements replica.Table and
// replica.Outbox.
type DB struct {
	pool  *Pool
	clock clock.Clock
}

var (
	_ replica.Table  = (*DB)(nil)
	_ replica.Outbox = (*DB)(nil)
)

// OpenDB opens (creating if needed) the replica database at path.
func OpenDB(path string, clk clock.Clock) (*DB, error) {
	if clk == nil {
		clk = clock.Real()
	}
	pool, err := Open(Config{
		Path: path,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	return &DB{pool: pool, clock: clk}, nil
}

// Close closes the database.
func (db *DB) Close() error { return db.pool.Close() }

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	p := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, p)
	return p
}

const entityColumns = "type, id, vector, updated_at, device, tombstoned_at, relay_seq, envelope"

func scanEntity(stmt *sqlite.Stmt) (*replica.Entity, error) {
	e := &replica.Entity{
		Type:         stmt.ColumnText(0),
		ID:           stmt.ColumnText(1),
		UpdatedAt:    stmt.ColumnInt64(3),
		Device:       replica.DeviceID(stmt.ColumnText(4)),
		TombstonedAt: stmt.ColumnInt64(5),
		RelaySeq:     stmt.ColumnInt64(6),
	}
	if err := codec.Unmarshal(columnBytes(stmt, 2), &e.Vector); err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("%s/%s: decoding vector", e.Type, e.ID), err)
	}
	env, err := encryption.UnmarshalEnvelope(columnBytes(stmt, 7))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("%s/%s", e.Type, e.ID), err)
	}
	e.Envelope = env
	return e, nil
}

func currentHash(conn *sqlite.Conn, typ, id string) (string, error) {
	var hash string
	err := sqlitex.Execute(conn, "SELECT hash FROM entities WHERE type = ? AND id = ?", &sqlitex.ExecOptions{
		Args: []any{typ, id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			hash = stmt.ColumnText(0)
			return nil
		},
	})
	return hash, err
}

func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.KindOf(err) != errors.Other {
		return err
	}
	return errors.E(errors.Unavailable, "sqlitestore: "+op, err)
}

func (db *DB) Get(ctx context.Context, typ, id string) (*replica.Entity, error) {
	var e *replica.Entity
	err := db.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+entityColumns+" FROM entities WHERE type = ? AND id = ?", &sqlitex.ExecOptions{
			Args: []any{typ, id},
			ResultFunc: func(stmt *sqlite.Stmt) (err error) {
				e, err = scanEntity(stmt)
				return err
			},
		})
	})
	if err != nil {
		return nil, dbError("get", err)
	}
	if e == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("%s/%s", typ, id))
	}
	return e, nil
}

func (db *DB) CompareAndSwap(ctx context.Context, prevHash string, e *replica.Entity, enqueue bool) error {
	vector, err := codec.Marshal(e.Vector.Clone())
	if err != nil {
		return errors.E(errors.Invalid, "encoding vector", err)
	}
	env, err := e.Envelope.Marshal()
	if err != nil {
		return errors.E(errors.Invalid, "encoding envelope", err)
	}
	err = db.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		hash, err := currentHash(conn, e.Type, e.ID)
		if err != nil {
			return err
		}
		if hash != prevHash {
			return errors.E(errors.Precondition, fmt.Sprintf("%s: stored state changed", e))
		}
		err = sqlitex.Execute(conn, `
			INSERT INTO entities (`+entityColumns+`, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (type, id) DO UPDATE SET
				vector = excluded.vector,
				updated_at = excluded.updated_at,
				device = excluded.device,
				tombstoned_at = excluded.tombstoned_at,
				relay_seq = excluded.relay_seq,
				envelope = excluded.envelope,
				hash = excluded.hash`,
			&sqlitex.ExecOptions{Args: []any{
				e.Type, e.ID, vector, e.UpdatedAt, string(e.Device), e.TombstonedAt, e.RelaySeq, env, e.Hash(),
			}})
		if err != nil || !enqueue {
			return err
		}
		return sqlitex.Execute(conn, `
			INSERT INTO outbox (type, id, enqueued_at) VALUES (?, ?, ?)
			ON CONFLICT (type, id) DO UPDATE SET attempts = 0, failed = 0, last_error = ''`,
			&sqlitex.ExecOptions{Args: []any{e.Type, e.ID, db.clock.Now().UnixNano()}})
	})
	return dbError("compare-and-swap", err)
}

func (db *DB) Remove(ctx context.Context, typ, id, prevHash string) error {
	err := db.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		hash, err := currentHash(conn, typ, id)
		if err != nil {
			return err
		}
		if hash != prevHash {
			return errors.E(errors.Precondition, fmt.Sprintf("%s/%s: stored state changed", typ, id))
		}
		if err := sqlitex.Execute(conn, "DELETE FROM entities WHERE type = ? AND id = ?",
			&sqlitex.ExecOptions{Args: []any{typ, id}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, "DELETE FROM outbox WHERE type = ? AND id = ?",
			&sqlitex.ExecOptions{Args: []any{typ, id}})
	})
	return dbError("remove", err)
}

func (db *DB) Scan(ctx context.Context, typ string, fn func(*replica.Entity) error) error {
	var list []*replica.Entity
	err := db.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT "+entityColumns+" FROM entities WHERE ? = '' OR type = ? ORDER BY type, id",
			&sqlitex.ExecOptions{
				Args: []any{typ, typ},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					e, err := scanEntity(stmt)
					if err != nil {
						return err
					}
					list = append(list, e)
					return nil
				},
			})
	})
	if err != nil {
		return dbError("scan", err)
	}
	for _, e := range list {
		if err := ctx.Err(); err != nil {
			return errors.E(err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) SetRelaySeq(ctx context.Context, typ, id, hash string, seq int64) error {
	err := db.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "UPDATE entities SET relay_seq = ? WHERE type = ? AND id = ? AND hash = ?",
			&sqlitex.ExecOptions{Args: []any{seq, typ, id, hash}})
	})
	return dbError("set relay seq", err)
}

func (db *DB) pending(ctx context.Context, failed bool, limit int) ([]replica.Pending, error) {
	if limit <= 0 {
		limit = -1
	}
	var list []replica.Pending
	err := db.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT type, id, attempts, failed, last_error, enqueued_at FROM outbox
			WHERE failed = ? ORDER BY seq LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{failed, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					list = append(list, replica.Pending{
						Type:       stmt.ColumnText(0),
						ID:         stmt.ColumnText(1),
						Attempts:   stmt.ColumnInt(2),
						Failed:     stmt.ColumnBool(3),
						LastError:  stmt.ColumnText(4),
						EnqueuedAt: time.Unix(0, stmt.ColumnInt64(5)),
					})
					return nil
				},
			})
	})
	return list, dbError("outbox", err)
}

func (db *DB) Pending(ctx context.Context, limit int) ([]replica.Pending, error) {
	return db.pending(ctx, false, limit)
}

func (db *DB) Failed(ctx context.Context) ([]replica.Pending, error) {
	return db.pending(ctx, true, 0)
}

func (db *DB) Ack(ctx context.Context, typ, id, hash string) error {
	err := db.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			DELETE FROM outbox WHERE type = ? AND id = ? AND EXISTS (
				SELECT 1 FROM entities e WHERE e.type = outbox.type AND e.id = outbox.id AND e.hash = ?)`,
			&sqlitex.ExecOptions{Args: []any{typ, id, hash}})
	})
	return dbError("ack", err)
}

func (db *DB) Fail(ctx context.Context, typ, id string, maxAttempts int, cause string) (bool, error) {
	var failed bool
	err := db.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE outbox SET
				attempts = attempts + 1,
				last_error = ?,
				failed = (? > 0 AND attempts + 1 >= ?)
			WHERE type = ? AND id = ?
			RETURNING failed`,
			&sqlitex.ExecOptions{
				Args: []any{cause, maxAttempts, maxAttempts, typ, id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					failed = stmt.ColumnBool(0)
					return nil
				},
			})
	})
	return failed, dbError("fail", err)
}

func (db *DB) Retry(ctx context.Context, typ, id string) error {
	err := db.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "UPDATE outbox SET attempts = 0, failed = 0, last_error = '' WHERE type = ? AND id = ?",
			&sqlitex.ExecOptions{Args: []any{typ, id}}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return errors.E(errors.NotExist, fmt.Sprintf("%s/%s is not queued", typ, id))
		}
		return nil
	})
	return dbError("retry", err)
}

// GetMeta returns the value stored under key, or a NotExist error.
func (db *DB) GetMeta(ctx context.Context, key string) ([]byte, error) {
	var (
		value []byte
		found bool
	)
	err := db.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM meta WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value, found = columnBytes(stmt, 0), true
				return nil
			},
		})
	})
	if err != nil {
		return nil, dbError("get meta", err)
	}
	if !found {
		return nil, errors.E(errors.NotExist, "meta "+key)
	}
	return value, nil
}

// SetMeta stores value under key.
func (db *DB) SetMeta(ctx context.Context, key string, value []byte) error {
	err := db.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
			&sqlitex.ExecOptions{Args: []any{key, value}})
	})
	return dbError("set meta", err)
}

// DeleteMeta removes key.
func (db *DB) DeleteMeta(ctx context.Context, key string) error {
	err := db.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM meta WHERE key = ?", &sqlitex.ExecOptions{Args: []any{key}})
	})
	return dbError("delete meta", err)
}
