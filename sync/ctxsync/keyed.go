// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
)

// KeyedMutex provides one context-aware Mutex per key. Entries are
// reference counted and dropped when no goroutine holds or waits on
// them, so the set of keys may be unbounded. The zero value is ready
// to use.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyedEntry
}

type keyedEntry struct {
	mu   Mutex
	refs int
}

// Lock locks the mutex for key. On success the caller must call the
// returned unlock function exactly once.
func (k *KeyedMutex[K]) Lock(ctx context.Context, key K) (unlock func(), err error) {
	e := k.acquire(key)
	if err := e.mu.Lock(ctx); err != nil {
		k.release(key, e)
		return nil, err
	}
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}, nil
}

// Len returns the number of keys currently locked or awaited.
func (k *KeyedMutex[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyedMutex[K]) acquire(key K) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[K]*keyedEntry)
	}
	e := k.locks[key]
	if e == nil {
		e = new(keyedEntry)
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex[K]) release(key K, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}
