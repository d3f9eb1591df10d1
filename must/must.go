// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package must asserts invariants whose violation is a programming
// error, such as a failed registration at init time or an unhandled
// case of an exhaustive switch. Failures are logged at the Error level
// and panic.
package must

import (
	"fmt"

	"github.com/grailbio/zksync/log"
)

// Func reports a failed assertion. depth is the call depth of the
// caller of the must function, for use with log.Output. The default
// logs and panics; tests may replace it.
var Func = func(depth int, v ...interface{}) {
	s := fmt.Sprint(v...)
	_ = log.Output(depth+1, log.Error, s)
	panic(s)
}

// Nil asserts that err is nil. The failure message is args, formatted
// by fmt.Sprint, followed by err.
func Nil(err error, args ...interface{}) {
	if err == nil {
		return
	}
	if len(args) == 0 {
		Func(2, err)
		return
	}
	Func(2, fmt.Sprint(args...), ": ", err)
}

// True asserts that b holds.
func True(b bool, args ...interface{}) {
	if b {
		return
	}
	if len(args) == 0 {
		args = []interface{}{"must: assertion failed"}
	}
	Func(2, args...)
}

// Never asserts that it is not reached.
func Never(args ...interface{}) {
	Func(2, args...)
}
