// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package syncclient

import (
	"context"
	"strconv"
	"sync"

	"github.com/grailbio/zksync/errors"
)

// MetaStore persists the client's small bookkeeping values: pull
// cursors and watermarks per region. *sqlitestore.DB implements it.
type MetaStore interface {
	// GetMeta returns the value stored under key, or NotExist.
	GetMeta(ctx context.Context, key string) ([]byte, error)
	SetMeta(ctx context.Context, key string, value []byte) error
}

// MemMeta is an in-memory MetaStore.
type MemMeta struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (m *MemMeta) GetMeta(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	if !ok {
		return nil, errors.E(errors.NotExist, key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemMeta) SetMeta(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = make(map[string][]byte)
	}
	m.m[key] = append([]byte(nil), value...)
	return nil
}

func cursorKey(vault, region string) string    { return "sync/" + vault + "/" + region + "/cursor" }
func watermarkKey(vault, region string) string { return "sync/" + vault + "/" + region + "/watermark" }

func getInt(ctx context.Context, m MetaStore, key string) (int64, error) {
	p, err := m.GetMeta(ctx, key)
	if errors.Is(errors.NotExist, err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(p), 10, 64)
	if err != nil {
		return 0, errors.E(errors.Integrity, "corrupt sync metadata "+key, err)
	}
	return n, nil
}

func setInt(ctx context.Context, m MetaStore, key string, n int64) error {
	return m.SetMeta(ctx, key, []byte(strconv.FormatInt(n, 10)))
}
