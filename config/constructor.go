// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	globalsMu sync.Mutex
	globals   = make(map[string]func(*Constructor))
)

// Register registers a constructor for the named global instance.
// The configure function is invoked each time a Profile is created:
// it declares the instance's parameters on the provided Constructor
// and sets its New function, which is called when the instance is
// retrieved. Register should be called from an init function.
//
//	func init() {
//		config.Register("zksync/relay", func(constr *config.Constructor) {
//			var opts relay.Options
//			constr.IntVar(&opts.PageSize, "page-size", 500, "maximum changes per pull page")
//			constr.New = func() (interface{}, error) { return opts, nil }
//		})
//	}
func Register(name string, configure func(*Constructor)) {
	globalsMu.Lock()
	defer globalsMu.Unlock()
	if _, ok := globals[name]; ok {
		panic(fmt.Sprintf("config.Register: instance %q already registered", name))
	}
	globals[name] = configure
}

const (
	paramInt = iota
	paramFloat
	paramString
	paramBool
	paramDuration
)

var kindNames = [...]string{
	paramInt:      "int",
	paramFloat:    "float",
	paramString:   "string",
	paramBool:     "bool",
	paramDuration: "duration",
}

type param struct {
	kind int
	help string
	// ptr points to the variable the parameter is stored in.
	ptr interface{}
	// def is the literal default value.
	def interface{}
}

// A Constructor declares an instance's parameters and how it is
// constructed from them.
type Constructor struct {
	// New constructs the configured value. It is called after all
	// parameters have been set.
	New func() (interface{}, error)
	// Doc documents the instance.
	Doc string

	params map[string]*param
}

func newConstructor() *Constructor {
	return &Constructor{params: make(map[string]*param)}
}

func (c *Constructor) define(name string, kind int, ptr, def interface{}, help string) {
	if _, ok := c.params[name]; ok {
		panic(fmt.Sprintf("config: parameter %q redefined", name))
	}
	c.params[name] = &param{kind: kind, help: help, ptr: ptr, def: def}
}

// IntVar declares an integer parameter stored in ptr.
func (c *Constructor) IntVar(ptr *int, name string, value int, help string) {
	*ptr = value
	c.define(name, paramInt, ptr, value, help)
}

// FloatVar declares a float parameter stored in ptr.
func (c *Constructor) FloatVar(ptr *float64, name string, value float64, help string) {
	*ptr = value
	c.define(name, paramFloat, ptr, value, help)
}

// StringVar declares a string parameter stored in ptr.
func (c *Constructor) StringVar(ptr *string, name string, value string, help string) {
	*ptr = value
	c.define(name, paramString, ptr, value, help)
}

// BoolVar declares a boolean parameter stored in ptr.
func (c *Constructor) BoolVar(ptr *bool, name string, value bool, help string) {
	*ptr = value
	c.define(name, paramBool, ptr, value, help)
}

// DurationVar declares a duration parameter stored in ptr. Durations
// are written as quoted strings in profiles, e.g. "30s".
func (c *Constructor) DurationVar(ptr *time.Duration, name string, value time.Duration, help string) {
	*ptr = value
	c.define(name, paramDuration, ptr, value, help)
}

// set assigns a parsed literal to the named parameter, converting
// where the conversion is lossless.
func (c *Constructor) set(name string, value interface{}) error {
	p, ok := c.params[name]
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	switch p.kind {
	case paramInt:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("parameter %q: expected int, got %v", name, value)
		}
		*p.ptr.(*int) = v
	case paramFloat:
		switch v := value.(type) {
		case float64:
			*p.ptr.(*float64) = v
		case int:
			*p.ptr.(*float64) = float64(v)
		default:
			return fmt.Errorf("parameter %q: expected float, got %v", name, value)
		}
	case paramString:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("parameter %q: expected string, got %v", name, value)
		}
		*p.ptr.(*string) = v
	case paramBool:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("parameter %q: expected bool, got %v", name, value)
		}
		*p.ptr.(*bool) = v
	case paramDuration:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("parameter %q: expected duration string, got %v", name, value)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parameter %q: %v", name, err)
		}
		*p.ptr.(*time.Duration) = d
	}
	return nil
}

// parseLiteral interprets a command-line value according to the
// parameter's kind.
func (c *Constructor) parseLiteral(name, value string) (interface{}, error) {
	p, ok := c.params[name]
	if !ok {
		return nil, fmt.Errorf("unknown parameter %q", name)
	}
	switch p.kind {
	case paramString, paramDuration:
		return value, nil
	}
	v, err := parseValue(value)
	if err != nil {
		return nil, fmt.Errorf("parameter %q: %v", name, err)
	}
	return v, nil
}

func (c *Constructor) sortedParams() []string {
	names := make([]string, 0, len(c.params))
	for name := range c.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
