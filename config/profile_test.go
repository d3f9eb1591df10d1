// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/testutil/expect"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayOptions struct {
	PageSize  int
	Retention time.Duration
	DB        string
	Strict    bool
	Ratio     float64
}

func init() {
	Register("test/relay", func(constr *Constructor) {
		var opts relayOptions
		constr.Doc = "test relay"
		constr.IntVar(&opts.PageSize, "page-size", 100, "changes per page")
		constr.DurationVar(&opts.Retention, "retention", 24*time.Hour, "tombstone retention")
		constr.StringVar(&opts.DB, "db", ":memory:", "database path")
		constr.BoolVar(&opts.Strict, "strict", false, "strict mode")
		constr.FloatVar(&opts.Ratio, "ratio", 0.5, "ratio")
		constr.New = func() (interface{}, error) { return opts, nil }
	})
}

func TestProfileDefault(t *testing.T) {
	p := New()
	var opts relayOptions
	require.NoError(t, p.Instance("test/relay", &opts))
	assert.Equal(t, relayOptions{PageSize: 100, Retention: 24 * time.Hour, DB: ":memory:", Ratio: 0.5}, opts)
}

func TestProfile(t *testing.T) {
	p := New()
	err := p.Parse("test", strings.NewReader(`
		// Production relay.
		param test/relay page-size = 500
		param test/relay (
			retention = "720h"
			strict = true
			ratio = 1
		)
		instance test/relay-eu test/relay (
			db = "/var/lib/eu.db"
		)
		param test/relay-eu page-size = -1
	`))
	require.NoError(t, err)

	var opts relayOptions
	require.NoError(t, p.Instance("test/relay", &opts))
	assert.Equal(t, relayOptions{PageSize: 500, Retention: 720 * time.Hour, DB: ":memory:", Strict: true, Ratio: 1}, opts)

	var eu relayOptions
	require.NoError(t, p.Instance("test/relay-eu", &eu))
	assert.Equal(t, relayOptions{PageSize: -1, Retention: 720 * time.Hour, DB: "/var/lib/eu.db", Strict: true, Ratio: 1}, eu)

	v, ok := p.Get("test/relay-eu.db")
	assert.True(t, ok)
	assert.Equal(t, `"/var/lib/eu.db"`, v)
}

func TestProfileErrors(t *testing.T) {
	p := New()
	err := p.Parse("bad", strings.NewReader(`param test/relay page-size 500`))
	expect.HasSubstr(t, err.Error(), "expected =")

	err = p.Parse("bad", strings.NewReader(`bogus test/relay`))
	expect.HasSubstr(t, err.Error(), "expected param or instance")

	require.NoError(t, p.Parse("typed", strings.NewReader(`param test/relay page-size = "many"`)))
	var opts relayOptions
	err = p.Instance("test/relay", &opts)
	expect.HasSubstr(t, err.Error(), "expected int")

	err = New().Instance("test/unknown", &opts)
	expect.HasSubstr(t, err.Error(), "not defined")

	var wrong string
	err = New().Instance("test/relay", &wrong)
	expect.HasSubstr(t, err.Error(), "not assignable")
}

func TestSetAndFlags(t *testing.T) {
	p := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	p.RegisterFlags(fs, "", "/nonexistent/profile")
	require.NoError(t, fs.Parse([]string{
		"--set", "test/relay.page-size=7",
		"--set", "test/relay.retention=1h",
		"--set", "test/relay.db=relay.db",
	}))
	require.NoError(t, p.ProcessFlags(fs, ""))
	var opts relayOptions
	require.NoError(t, p.Instance("test/relay", &opts))
	assert.Equal(t, 7, opts.PageSize)
	assert.Equal(t, time.Hour, opts.Retention)
	assert.Equal(t, "relay.db", opts.DB)

	err := New().Set("test/relay.page-size", "lots")
	expect.HasSubstr(t, err.Error(), "invalid literal")
	err = New().Set("test/relay", "1")
	expect.HasSubstr(t, err.Error(), "expected instance.param")
}

func TestPrintTo(t *testing.T) {
	p := New()
	require.NoError(t, p.Set("test/relay.page-size", "42"))
	var b bytes.Buffer
	require.NoError(t, p.PrintTo(&b))
	expect.HasSubstr(t, b.String(), "param test/relay (")
	expect.HasSubstr(t, b.String(), "page-size = 42 // changes per page (int)")
	expect.HasSubstr(t, b.String(), `retention = "24h0m0s"`)

	// The printed profile parses back to the same configuration.
	q := New()
	require.NoError(t, q.Parse("printed", &b))
	var opts relayOptions
	require.NoError(t, q.Instance("test/relay", &opts))
	assert.Equal(t, 42, opts.PageSize)
}
