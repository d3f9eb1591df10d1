// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sqlitestore provides durable SQLite storage for a device's
// replica: entity states, the outbox of local changes awaiting push,
// and a small key-value table for sync cursors and rotation
// checkpoints. The relay uses the same pool wrapper for its own
// schema.
package sqlitestore

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var logger = log.For("sqlitestore")

// Config configures a Pool.
type Config struct {
	// Path is the database file. It is created if it does not exist.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
	// OnConnect runs once per connection after the standard pragmas,
	// typically to create the schema.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections. Connections are
// not safe for concurrent use; each goroutine takes its own.
type Pool struct {
	inner *sqlitex.Pool
	path  string

	closeOnce sync.Once
	closeErr  error
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA cache_size=-8192",
	"PRAGMA temp_store=MEMORY",
	// Freed pages are overwritten so that deleted envelopes do not
	// linger in the file.
	"PRAGMA secure_delete=ON",
}

// Open opens a pool on cfg.Path. Connections are initialized lazily.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, errors.E(errors.Invalid, "sqlitestore: path is required")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = runtime.NumCPU()
		if size < 4 {
			size = 4
		}
	}
	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, p := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
					return fmt.Errorf("%s: %v", p, err)
				}
			}
			if cfg.OnConnect != nil {
				return cfg.OnConnect(conn)
			}
			return nil
		},
	})
	if err != nil {
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("sqlitestore: opening %s", cfg.Path), err)
	}
	logger.Debug.Printf("opened %s (pool size %d)", cfg.Path, size)
	return &Pool{inner: inner, path: cfg.Path}, nil
}

// Take borrows a connection, blocking until one is free or ctx is
// done. The caller must Put it back.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.E(ctx.Err(), "sqlitestore: take")
		}
		return nil, errors.E(errors.Unavailable, "sqlitestore: take", err)
	}
	return conn, nil
}

// Put returns a connection to the pool.
func (p *Pool) Put(conn *sqlite.Conn) { p.inner.Put(conn) }

// Close closes the pool, waiting for borrowed connections. Later
// calls return the result of the first.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		if err := p.inner.Close(); err != nil {
			p.closeErr = errors.E(fmt.Sprintf("sqlitestore: closing %s", p.path), err)
			return
		}
		logger.Debug.Printf("closed %s", p.path)
	})
	return p.closeErr
}

// Read runs fn with a pooled connection outside of a transaction.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Tx runs fn in an IMMEDIATE transaction, which takes the write lock
// up front. The transaction commits if fn returns nil and rolls back
// otherwise.
func (p *Pool) Tx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return errors.E(errors.Unavailable, "sqlitestore: begin", err)
	}
	defer end(&err)
	return fn(conn)
}
