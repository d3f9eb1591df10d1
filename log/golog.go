// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package log

import (
	"fmt"
	"io"
	golog "log"
	"sync/atomic"

	"github.com/spf13/pflag"
)

var golevel atomic.Int32

func init() { golevel.Store(int32(Info)) }

// ParseLevel parses one of "off", "error", "info" and "debug".
func ParseLevel(s string) (Level, error) {
	for _, l := range []Level{Off, Error, Info, Debug} {
		if l.String() == s {
			return l, nil
		}
	}
	return Off, fmt.Errorf("invalid log level %q", s)
}

// AddFlags registers -log on fs, setting the level of the default
// outputter.
func AddFlags(fs *pflag.FlagSet) {
	fs.Var(levelFlag{}, "log", "set log level (off, error, info, debug)")
}

type levelFlag struct{}

func (levelFlag) String() string { return Level(golevel.Load()).String() }
func (levelFlag) Type() string   { return "level" }

func (levelFlag) Set(s string) error {
	l, err := ParseLevel(s)
	if err != nil {
		return err
	}
	SetLevel(l)
	return nil
}

// SetFlags sets the output flags of the default outputter, as in
// the standard log package.
func SetFlags(flag int) { golog.SetFlags(flag) }

// SetOutput redirects the default outputter.
func SetOutput(w io.Writer) { golog.SetOutput(w) }

// SetPrefix sets a prefix for every line of the default outputter,
// typically the program name.
func SetPrefix(prefix string) { golog.SetPrefix(prefix) }

// SetLevel sets the level of the default outputter.
func SetLevel(level Level) { golevel.Store(int32(level)) }

// gologOutputter writes through the standard log package.
type gologOutputter struct{}

func (gologOutputter) Level() Level { return Level(golevel.Load()) }

func (o gologOutputter) Output(calldepth int, level Level, s string) error {
	if o.Level() < level {
		return nil
	}
	return golog.Output(calldepth+1, s)
}
