// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package keys

import (
	"fmt"

	"github.com/grailbio/zksync/errors"
)

// Level is a permission level. Levels are totally ordered; a key at a
// given level can derive the keys of every lower level.
type Level int

const (
	// Consultant is the least privileged level.
	Consultant Level = iota + 1
	User
	Accountant
	Manager
	// Admin is the most privileged level. Only an admin context may
	// rotate keys.
	Admin
)

var levelNames = map[Level]string{
	Consultant: "consultant",
	User:       "user",
	Accountant: "accountant",
	Manager:    "manager",
	Admin:      "admin",
}

// Levels lists all levels from most to least privileged.
var Levels = []Level{Admin, Manager, Accountant, User, Consultant}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Valid tells whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= Consultant && l <= Admin
}

// Covers tells whether a holder of level l may use keys of level other.
func (l Level) Covers(other Level) bool {
	return l.Valid() && other.Valid() && l >= other
}

// ParseLevel parses a level name as returned by Level.String.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown permission level %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid permission level %d", int(l)))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(p []byte) error {
	v, err := ParseLevel(string(p))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
