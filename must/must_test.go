// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package must_test

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/must"
	"github.com/stretchr/testify/assert"
)

func TestCallerDepth(t *testing.T) {
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("no caller")
	}
	defer func(f func(int, ...interface{})) { must.Func = f }(must.Func)
	var n int
	must.Func = func(depth int, v ...interface{}) {
		n++
		_, file, _, ok := runtime.Caller(depth)
		if !ok || file != thisFile {
			t.Errorf("caller at depth %d is %s, want %s", depth, file, thisFile)
		}
	}
	must.True(false)
	must.Nil(errors.New("x"))
	must.Never()
	assert.Equal(t, 3, n)
}

func TestPanics(t *testing.T) {
	assert.PanicsWithValue(t, "registering aes-256-gcm: algorithm 1 already registered", func() {
		must.Nil(errors.New("algorithm 1 already registered"), "registering aes-256-gcm")
	})
	assert.PanicsWithValue(t, "must: assertion failed", func() { must.True(false) })
	assert.NotPanics(t, func() {
		must.Nil(nil)
		must.True(true, "unused")
	})
}

func Example() {
	defer func(f func(int, ...interface{})) { must.Func = f }(must.Func)
	must.Func = func(depth int, v ...interface{}) {
		fmt.Println(v...)
	}
	must.Nil(errors.New("short read"), "reading envelope")
	must.True(false, "vector is empty")
	must.Never("unhandled command ", "frobnicate")
	// Output:
	// reading envelope :  short read
	// vector is empty
	// unhandled command  frobnicate
}
