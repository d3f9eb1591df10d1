// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package multierror aggregates errors from concurrent operations,
// such as closing the components of an engine or probing several
// relay regions at once.
package multierror

import (
	"fmt"
	"strings"
	"sync"
)

// MultiError is a mechanism for capturing errors from parallel
// go-routines. Usage:
//
//	errs := multierror.NewMultiError(3)
//	for _, region := range regions {
//		go func() { errs.Add(probe(region)) }()
//	}
//	// Wait for completion
//	return errs.ErrorOrNil()
//
// At most max errors are retained; the rest are counted.
type MultiError struct {
	mu    sync.Mutex
	errs  []error
	count int64
}

// NewMultiError creates a new MultiError that retains up to max errors.
func NewMultiError(max int) *MultiError {
	return &MultiError{errs: make([]error, 0, max)}
}

func (me *MultiError) add(err error) {
	if len(me.errs) == cap(me.errs) {
		me.count++
		return
	}
	me.errs = append(me.errs, err)
}

// Add captures an error and returns the receiver so that calls may be
// chained. Nil errors are ignored; nested MultiErrors are flattened.
func (me *MultiError) Add(err error) *MultiError {
	if err == nil || me == nil {
		return me
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if multi, ok := err.(*MultiError); ok {
		multi.mu.Lock()
		for _, e := range multi.errs {
			me.add(e)
		}
		me.count += multi.count
		multi.mu.Unlock()
		return me
	}
	me.add(err)
	return me
}

// Errors returns the retained errors.
func (me *MultiError) Errors() []error {
	if me == nil {
		return nil
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	return append([]error(nil), me.errs...)
}

// Unwrap exposes the retained errors to errors.Is and errors.As.
func (me *MultiError) Unwrap() []error {
	return me.Errors()
}

// Error implements error.
func (me *MultiError) Error() string {
	if me == nil {
		return ""
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	switch len(me.errs) {
	case 0:
		return ""
	case 1:
		if me.count == 0 {
			return me.errs[0].Error()
		}
	}
	s := make([]string, len(me.errs))
	for i, e := range me.errs {
		s[i] = e.Error()
	}
	errs := strings.Join(s, "\n")
	if me.count == 0 {
		return fmt.Sprintf("[%s]", errs)
	}
	return fmt.Sprintf("[%s] [plus %d other error(s)]", errs, me.count)
}

// ErrorOrNil returns nil if no errors were captured, itself otherwise.
func (me *MultiError) ErrorOrNil() error {
	if me == nil {
		return nil
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if len(me.errs) == 0 {
		return nil
	}
	return me
}
