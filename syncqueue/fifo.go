// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package syncqueue provides an unbounded producer-consumer queue.
package syncqueue

import (
	"sync"
)

// FIFO is a first-in, first-out producer-consumer queue. Put never
// blocks, so producers holding locks can hand off to slow consumers.
// Thread safe.
type FIFO[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
}

// NewFIFO creates an empty FIFO queue.
func NewFIFO[T any]() *FIFO[T] {
	q := &FIFO[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put adds v to the queue. Puts after Close are dropped.
func (q *FIFO[T]) Put(v T) {
	q.mu.Lock()
	if !q.closed {
		q.queue = append(q.queue, v)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Close informs the queue that no more objects will be added. Objects
// already queued are still returned by Get.
func (q *FIFO[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Get removes the oldest object in the queue. It blocks the caller if
// the queue is empty, and returns false once the queue is closed and
// drained.
func (q *FIFO[T]) Get() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.queue) == 0 {
		q.cond.Wait()
	}
	var v T
	if len(q.queue) == 0 {
		return v, false
	}
	v = q.queue[0]
	var zero T
	q.queue[0] = zero
	q.queue = q.queue[1:]
	return v, true
}

// Len returns the number of queued objects.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
