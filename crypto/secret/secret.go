// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package secret provides memory buffers for key material. A Buffer
// is allocated outside the Go heap with mmap so the garbage collector
// never copies it, locked into RAM where the process is permitted to
// (mlock), excluded from core dumps, and zeroed when closed.
//
// Locking is best-effort: processes running under a small
// RLIMIT_MEMLOCK fall back to an unlocked anonymous mapping, and
// platforms without mmap fall back to heap memory. In every case
// Close zeroes the contents.
package secret

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed-size region of secret memory. All methods are
// safe for concurrent use. Reading a closed Buffer panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	mapped bool
	locked bool
	closed bool
}

// New allocates a zeroed Buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return &Buffer{data: make([]byte, size)}, nil
	}
	b := &Buffer{data: data, mapped: true}
	if err := unix.Mlock(data); err == nil {
		b.locked = true
	}
	// Not all kernels support MADV_DONTDUMP.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	return b, nil
}

// NewFromBytes allocates a Buffer holding a copy of source and zeroes
// source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}
	b, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(b.data, source)
	Wipe(source)
	return b, nil
}

// Bytes returns the buffer's contents. The returned slice aliases the
// buffer and is invalid after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// Len returns the size of the buffer.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Locked tells whether the buffer's memory is locked into RAM.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Closed tells whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Equal compares the contents of two buffers in constant time.
func (b *Buffer) Equal(other *Buffer) bool {
	return subtle.ConstantTimeCompare(b.Bytes(), other.Bytes()) == 1
}

// Clone returns a new Buffer with the same contents.
func (b *Buffer) Clone() (*Buffer, error) {
	src := b.Bytes()
	c, err := New(len(src))
	if err != nil {
		return nil, err
	}
	copy(c.data, src)
	return c, nil
}

// Close zeroes and releases the buffer. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Wipe(b.data)
	var err error
	if b.locked {
		if e := unix.Munlock(b.data); e != nil {
			err = fmt.Errorf("secret: munlock failed: %w", e)
		}
	}
	if b.mapped {
		if e := unix.Munmap(b.data); e != nil && err == nil {
			err = fmt.Errorf("secret: munmap failed: %w", e)
		}
	}
	b.data = nil
	return err
}

// Wipe zeroes p.
func Wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
