// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shutdown implements an ordered shutdown mechanism for
// long-running components: the relay server, the sync client loop,
// and the sqlite pools beneath them. Hooks run in the reverse order
// of registration so that a component is stopped before the
// components it depends on.
package shutdown

import (
	"context"
	"sync"

	"github.com/grailbio/zksync/log"
	"github.com/grailbio/zksync/sync/multierror"
)

// Func is the type of function run on shutdowns.
type Func func(ctx context.Context) error

type hook struct {
	name string
	fn   Func
}

// A Group is an ordered set of shutdown hooks. The zero value is
// ready to use.
type Group struct {
	mu    sync.Mutex
	hooks []hook
}

// Register registers a function to be run by Run under the given name.
func (g *Group) Register(name string, f Func) {
	g.mu.Lock()
	g.hooks = append(g.hooks, hook{name, f})
	g.mu.Unlock()
}

// Run runs registered hooks in reverse order of registration and
// clears them. All hooks run even if some fail; their errors are
// aggregated.
func (g *Group) Run(ctx context.Context) error {
	g.mu.Lock()
	hooks := g.hooks
	g.hooks = nil
	g.mu.Unlock()
	errs := multierror.NewMultiError(len(hooks))
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		log.Debug.Printf("shutdown: %s", h.name)
		if err := h.fn(ctx); err != nil {
			log.Error.Printf("shutdown: %s: %v", h.name, err)
			errs.Add(err)
		}
	}
	return errs.ErrorOrNil()
}

var global Group

// Register registers f with the process-wide group.
func Register(name string, f Func) {
	global.Register(name, f)
}

// Run runs the process-wide group's hooks.
func Run(ctx context.Context) error {
	return global.Run(ctx)
}
