// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/zksync/config"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/relay"
	"github.com/grailbio/zksync/topology"
	"github.com/grailbio/zksync/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type device struct {
	profile *config.Profile
	s       settings
}

func newDevice(t *testing.T, dir, name, topologyPath string) *device {
	t.Helper()
	p := config.New()
	require.NoError(t, p.Set("zksync/engine.vault", "household"))
	require.NoError(t, p.Set("zksync/engine.path", filepath.Join(dir, name+".db")))
	return &device{
		profile: p,
		s: settings{
			topology:        topologyPath,
			keyringDir:      filepath.Join(dir, name+"-keyring"),
			device:          name,
			passphrase:      "correct horse battery staple",
			keyringPassword: "keyring password",
		},
	}
}

func (d *device) run(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, run(context.Background(), d.profile, d.s, args, &buf), "%v", args)
	return buf.String()
}

func TestTwoDevices(t *testing.T) {
	dir := t.TempDir()
	r, err := relay.Open(filepath.Join(dir, "relay.db"), relay.Options{Region: "us"})
	require.NoError(t, err)
	defer r.Close()
	srv := httptest.NewServer(transport.NewHandler(r))
	defer srv.Close()
	top := &topology.Topology{Regions: []topology.Region{{Name: "us", URL: srv.URL}}}
	topPath := filepath.Join(dir, "regions.yaml")
	f, err := os.Create(topPath)
	require.NoError(t, err)
	require.NoError(t, top.Marshal(f))
	require.NoError(t, f.Close())

	a := newDevice(t, dir, "laptop", topPath)
	a.run(t, "put", "invoice", "e1", "amount=100", "currency=EUR")
	assert.Equal(t, "amount=100\ncurrency=EUR\n", a.run(t, "get", "invoice", "e1"))
	expect.HasSubstr(t, a.run(t, "sync"), "region us: pushed 1")
	pairing := filepath.Join(dir, "pairing.yaml")
	require.NoError(t, os.WriteFile(pairing, []byte(a.run(t, "pairing")), 0600))

	b := newDevice(t, dir, "phone", topPath)
	b.s.join = pairing
	expect.HasSubstr(t, b.run(t, "sync"), "applied 1")
	assert.Equal(t, "amount=100\ncurrency=EUR\n", b.run(t, "get", "invoice", "e1"))

	b.run(t, "put", "invoice", "e1", "currency=")
	b.run(t, "sync")
	a.run(t, "sync")
	assert.Equal(t, "amount=100\n", a.run(t, "get", "invoice", "e1"))

	expect.HasSubstr(t, a.run(t, "rotate", "scheduled"), "re-encrypted 1 records")
	a.run(t, "sync")
	b.run(t, "sync")
	assert.Equal(t, "amount=100\n", b.run(t, "get", "invoice", "e1"))

	a.run(t, "delete", "invoice", "e1")
	a.run(t, "sync")
	b.run(t, "sync")
	err = run(context.Background(), b.profile, b.s, []string{"get", "invoice", "e1"}, new(bytes.Buffer))
	assert.True(t, errors.Is(errors.NotExist, err))

	expect.HasSubstr(t, a.run(t, "status"), "idle")
	expect.HasSubstr(t, a.run(t, "regions"), "us")
	assert.Empty(t, a.run(t, "failed"))
	err = run(context.Background(), a.profile, a.s, []string{"resume"}, new(bytes.Buffer))
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	d := newDevice(t, dir, "laptop", "")
	d.run(t, "put", "contact", "c1", "name=Ada")
	d.s.passphrase = "guess"
	err := run(context.Background(), d.profile, d.s, []string{"get", "contact", "c1"}, new(bytes.Buffer))
	assert.True(t, errors.Is(errors.NotAllowed, err))
	d.s.passphrase = ""
	err = run(context.Background(), d.profile, d.s, []string{"get", "contact", "c1"}, new(bytes.Buffer))
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestUsage(t *testing.T) {
	d := newDevice(t, t.TempDir(), "laptop", "")
	for _, args := range [][]string{
		nil,
		{"frobnicate"},
		{"get", "invoice"},
		{"put", "invoice", "e1"},
		{"rotate"},
	} {
		err := run(context.Background(), d.profile, d.s, args, new(bytes.Buffer))
		require.Error(t, err, "%v", args)
		assert.True(t, errors.Is(errors.Invalid, err), "%v", args)
		expect.HasSubstr(t, err.Error(), "usage")
	}
	err := run(context.Background(), d.profile, d.s, []string{"put", "invoice", "e1", "amount"}, new(bytes.Buffer))
	assert.True(t, errors.Is(errors.Invalid, err))
	err = run(context.Background(), d.profile, d.s, []string{"sync"}, new(bytes.Buffer))
	assert.True(t, errors.Is(errors.Precondition, err))

	require.NoError(t, d.profile.Set("zksync/engine.vault", ""))
	err = run(context.Background(), d.profile, d.s, []string{"status"}, new(bytes.Buffer))
	assert.True(t, errors.Is(errors.Invalid, err))
	expect.HasSubstr(t, err.Error(), "zksync/engine.vault=")
}

func TestPairingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vault: household\nsalt: '%%%'\n"), 0600))
	_, err := readPairing(path)
	assert.True(t, errors.Is(errors.Invalid, err))

	require.NoError(t, os.WriteFile(path, []byte("vault: household\nsalt: AAAAAAAAAAAAAAAAAAAAAA==\nkdf: {memory_kib: 1024, iterations: 1, parallelism: 1, salt_len: 16}\n"), 0600))
	_, err = readPairing(path)
	assert.True(t, errors.Is(errors.WeakDerivation, err))
}
