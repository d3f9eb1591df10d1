// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package status tracks the observable state of a long-running sync
// component. A Status holds the current State together with a
// human-readable message, the last error, and timestamps; interested
// parties may wait for changes or subscribe to a stream of snapshots.
package status

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// State is the coarse state of a sync component.
type State int

const (
	// Idle indicates that the component is waiting for work.
	Idle State = iota
	// Syncing indicates that a sync cycle is in progress.
	Syncing
	// Error indicates that the last cycle failed. The component will
	// retry.
	Error
	// Offline indicates that no relay could be reached.
	Offline
)

var stateNames = [...]string{
	Idle:    "idle",
	Syncing: "syncing",
	Error:   "error",
	Offline: "offline",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Snapshot is a point-in-time copy of a Status.
type Snapshot struct {
	State   State
	Message string
	// Err is the error that caused the component to enter the Error
	// or Offline state, if any.
	Err error
	// Changed is the time of the last state transition.
	Changed time.Time
	// LastSuccess is the time the last successful cycle completed.
	LastSuccess time.Time
	// Pending is the number of local changes awaiting acknowledgement.
	Pending int
	// Failed is the number of local changes that exceeded their
	// retry budget.
	Failed int
}

func (s Snapshot) String() string {
	str := s.State.String()
	if s.Message != "" {
		str += ": " + s.Message
	}
	if s.Err != nil {
		str += fmt.Sprintf(" (%v)", s.Err)
	}
	return str
}

// Status is an observable component status. The zero value is a
// valid Status in the Idle state.
type Status struct {
	mu      sync.Mutex
	snap    Snapshot
	version int
	waiters []chan struct{}
}

// Snapshot returns the current snapshot.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Update applies fn to the current snapshot and notifies waiters.
// Changed is set to now whenever the state differs from the previous
// one.
func (s *Status) Update(now time.Time, fn func(*Snapshot)) {
	s.mu.Lock()
	prev := s.snap.State
	fn(&s.snap)
	if s.snap.State != prev || s.snap.Changed.IsZero() {
		s.snap.Changed = now
	}
	s.version++
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Set sets the state and message, clearing the last error unless the
// new state is Error or Offline.
func (s *Status) Set(now time.Time, state State, message string, err error) {
	s.Update(now, func(snap *Snapshot) {
		snap.State = state
		snap.Message = message
		snap.Err = err
		if state == Idle && err == nil {
			snap.LastSuccess = now
		}
	})
}

// Wait blocks until the status changes from the given version and
// returns the new version. Version 0 returns immediately with the
// current version if any update has been made.
func (s *Status) Wait(ctx context.Context, version int) (int, error) {
	s.mu.Lock()
	if s.version != version {
		v := s.version
		s.mu.Unlock()
		return v, nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()
	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.version, nil
	case <-ctx.Done():
		return version, ctx.Err()
	}
}

// Subscribe returns a channel that receives a snapshot after each
// update until ctx is done. Slow subscribers observe only the latest
// snapshot; intermediate updates may be coalesced.
func (s *Status) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	go func() {
		defer close(ch)
		s.mu.Lock()
		version := s.version
		s.mu.Unlock()
		for {
			var err error
			version, err = s.Wait(ctx, version)
			if err != nil {
				return
			}
			snap := s.Snapshot()
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Marshal writes a plain-text rendering of the status to w.
func (s *Status) Marshal(w io.Writer) error {
	snap := s.Snapshot()
	_, err := fmt.Fprintf(w, "state: %s\nmessage: %s\nchanged: %s\nlast_success: %s\npending: %d\nfailed: %d\n",
		snap.State, snap.Message, snap.Changed.Format(time.RFC3339), snap.LastSuccess.Format(time.RFC3339),
		snap.Pending, snap.Failed)
	if err != nil {
		return err
	}
	if snap.Err != nil {
		_, err = fmt.Fprintf(w, "error: %v\n", snap.Err)
	}
	return err
}
