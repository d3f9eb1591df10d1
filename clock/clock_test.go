// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Fake(start)
	late := c.After(2 * time.Minute)
	early := c.After(time.Minute)
	assert.Equal(t, 2, c.Pending())

	c.Advance(30 * time.Second)
	select {
	case <-early:
		t.Fatal("fired too early")
	default:
	}
	c.Advance(30 * time.Second)
	assert.Equal(t, start.Add(time.Minute), <-early)
	assert.Equal(t, 1, c.Pending())

	c.Set(start) // backwards: ignored
	assert.Equal(t, start.Add(time.Minute), c.Now())
	c.Advance(time.Hour)
	<-late
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, time.Hour+time.Minute, c.Since(start))
}

func TestFakeImmediate(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration must fire immediately")
	}
}
