// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config configures the components of a sync deployment. A
// configuration managed by package config is called a profile.
// Components register named instances with typed parameters; a
// profile sets those parameters and constructs configured values on
// demand.
//
// # Profile syntax
//
// A profile is a sequence of clauses, interpreted top-to-bottom, with
// later clauses overriding earlier ones. A parameter is set by the
// param directive:
//
//	param zksync/relay page-size = 500
//
// Parameters for the same instance may be grouped:
//
//	param zksync/relay (
//		page-size = 500
//		tombstone-retention = "720h"
//	)
//
// The instance directive derives a new instance from an existing one,
// optionally overriding some of its parameters:
//
//	instance zksync/relay-eu zksync/relay (
//		db = "/var/lib/zksync/eu.db"
//	)
//
// Supported literals are integers, floats, quoted strings and
// booleans. Durations are written as quoted strings ("30s").
//
// # Flags
//
// Profiles integrate with command-line flags via RegisterFlags:
// -profile names profile files to load and each -set
// instance.param=value is applied in order after them.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Profile stores a set of parameter clauses and constructs instances
// from them. Each Profile maintains its own cache of constructed
// instances.
type Profile struct {
	flagPaths  []string
	flagParams []string
	flagDump   bool

	mu       sync.Mutex
	globals  map[string]func(*Constructor)
	clauses  []clause
	cached   map[string]interface{}
	building map[string]bool
}

// New creates a new profile that knows every instance registered so far.
func New() *Profile {
	p := &Profile{
		globals:  make(map[string]func(*Constructor)),
		cached:   make(map[string]interface{}),
		building: make(map[string]bool),
	}
	globalsMu.Lock()
	for name, configure := range globals {
		p.globals[name] = configure
	}
	globalsMu.Unlock()
	return p
}

// Parse parses profile clauses from r and appends them to the
// profile. Instances already constructed are not affected.
func (p *Profile) Parse(filename string, r io.Reader) error {
	clauses, err := parse(filename, r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.clauses = append(p.clauses, clauses...)
	p.mu.Unlock()
	return nil
}

// ParseFile parses the profile stored at path.
func (p *Profile) ParseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Parse(path, f)
}

// Set sets the parameter at path, of the form instance.param, to the
// provided value. The value is interpreted according to the
// parameter's declared type.
func (p *Profile) Set(path, value string) error {
	name, key, err := splitPath(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	constr, err := p.constructorLocked(name, nil)
	if err != nil {
		return err
	}
	v, err := constr.parseLiteral(key, value)
	if err != nil {
		return fmt.Errorf("%s: %v", name, err)
	}
	p.clauses = append(p.clauses, clause{name: name, params: map[string]interface{}{key: v}})
	return nil
}

// Get returns the value of the parameter at path, rendered in profile
// syntax.
func (p *Profile) Get(path string) (string, bool) {
	name, key, err := splitPath(path)
	if err != nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	constr, err := p.constructorLocked(name, nil)
	if err != nil {
		return "", false
	}
	param, ok := constr.params[key]
	if !ok {
		return "", false
	}
	return literal(current(param)), true
}

// Instance constructs the named instance and stores it in the value
// pointed to by ptr. The constructed value must be assignable to
// *ptr. Instances are constructed at most once per profile.
func (p *Profile) Instance(name string, ptr interface{}) error {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("config.Instance: %s: expected non-nil pointer, got %T", name, ptr)
	}
	p.mu.Lock()
	inst, ok := p.cached[name]
	if !ok {
		constr, err := p.constructorLocked(name, nil)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if constr.New == nil {
			p.mu.Unlock()
			return fmt.Errorf("config.Instance: %s: no constructor", name)
		}
		// New is called without the lock held so that constructors may
		// retrieve their own dependencies from the profile.
		if p.building[name] {
			p.mu.Unlock()
			return fmt.Errorf("config.Instance: %s: dependency cycle", name)
		}
		p.building[name] = true
		p.mu.Unlock()
		inst, err = constr.New()
		p.mu.Lock()
		delete(p.building, name)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("config.Instance: %s: %v", name, err)
		}
		p.cached[name] = inst
	}
	p.mu.Unlock()
	iv := reflect.ValueOf(inst)
	if !iv.IsValid() {
		v.Elem().Set(reflect.Zero(v.Elem().Type()))
		return nil
	}
	if !iv.Type().AssignableTo(v.Elem().Type()) {
		return fmt.Errorf("config.Instance: %s: %s is not assignable to %s", name, iv.Type(), v.Elem().Type())
	}
	v.Elem().Set(iv)
	return nil
}

// constructorLocked builds a fresh constructor for name with all
// applicable clauses applied. The parent chain of derived instances is
// resolved first. Seen guards against cyclic derivations.
func (p *Profile) constructorLocked(name string, seen map[string]bool) (*Constructor, error) {
	if seen[name] {
		return nil, fmt.Errorf("instance %s: cyclic derivation", name)
	}
	var constr *Constructor
	if configure, ok := p.globals[name]; ok {
		constr = newConstructor()
		configure(constr)
	} else {
		parent := ""
		for _, c := range p.clauses {
			if c.name == name && c.parent != "" {
				parent = c.parent
			}
		}
		if parent == "" {
			return nil, fmt.Errorf("instance %s not defined", name)
		}
		if seen == nil {
			seen = make(map[string]bool)
		}
		seen[name] = true
		var err error
		if constr, err = p.constructorLocked(parent, seen); err != nil {
			return nil, fmt.Errorf("instance %s: %v", name, err)
		}
	}
	for _, c := range p.clauses {
		if c.name != name {
			continue
		}
		for _, key := range sortedKeys(c.params) {
			if err := constr.set(key, c.params[key]); err != nil {
				if c.pos.IsValid() {
					return nil, fmt.Errorf("%s: instance %s: %v", c.pos, name, err)
				}
				return nil, fmt.Errorf("instance %s: %v", name, err)
			}
		}
	}
	return constr, nil
}

// PrintTo writes the fully resolved profile to w in parseable form,
// documenting each parameter.
func (p *Profile) PrintTo(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make(map[string]bool)
	for name := range p.globals {
		names[name] = true
	}
	for _, c := range p.clauses {
		if c.parent != "" {
			names[c.name] = true
		}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		constr, err := p.constructorLocked(name, nil)
		if err != nil {
			return err
		}
		if constr.Doc != "" {
			if _, err := fmt.Fprintf(w, "// %s\n", constr.Doc); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "param %s (\n", name); err != nil {
			return err
		}
		for _, key := range constr.sortedParams() {
			param := constr.params[key]
			if _, err := fmt.Fprintf(w, "\t%s = %s // %s (%s)\n", key, literal(current(param)), param.help, kindNames[param.kind]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w, ")"); err != nil {
			return err
		}
	}
	return nil
}

func current(param *param) interface{} {
	v := reflect.ValueOf(param.ptr).Elem().Interface()
	if param.kind == paramDuration {
		return fmt.Sprint(v)
	}
	return v
}

func splitPath(path string) (name, key string, err error) {
	i := strings.LastIndexByte(path, '.')
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("invalid parameter path %q: expected instance.param", path)
	}
	return path[:i], path[i+1:], nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	appOnce sync.Once
	app     *Profile
)

// Application returns the default application profile. It is created
// on first use, after all init-time registrations have run.
func Application() *Profile {
	appOnce.Do(func() { app = New() })
	return app
}

// Instance retrieves the named instance from the application profile.
func Instance(name string, ptr interface{}) error {
	return Application().Instance(name, ptr)
}

// Set sets a parameter in the application profile.
func Set(path, value string) error {
	return Application().Set(path, value)
}

// Must is a version of Instance which panics on error.
func Must(name string, ptr interface{}) {
	if err := Instance(name, ptr); err != nil {
		panic(fmt.Sprintf("config.Must: %v", err))
	}
}
