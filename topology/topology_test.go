// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package topology_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/relay"
	"github.com/grailbio/zksync/topology"
	"github.com/grailbio/zksync/transport"
	"github.com/grailbio/zksync/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const example = `
regions:
  - name: us
    url: https://us.relay.example.com
  - name: eu
    url: https://eu.relay.example.com
    listen: ":8443"
compress: true
timeout: 20s
`

func TestParse(t *testing.T) {
	top, err := topology.Parse(strings.NewReader(example))
	require.NoError(t, err)
	want := &topology.Topology{
		Regions: []topology.Region{
			{Name: "us", URL: "https://us.relay.example.com"},
			{Name: "eu", URL: "https://eu.relay.example.com", Listen: ":8443"},
		},
		Compress: true,
		Timeout:  20 * time.Second,
	}
	if diff := deep.Equal(want, top); diff != nil {
		t.Error(diff)
	}

	r, err := top.Lookup("us")
	require.NoError(t, err)
	assert.Equal(t, topology.DefaultListen, r.Listen)
	r, err = top.Lookup("eu")
	require.NoError(t, err)
	assert.Equal(t, ":8443", r.Listen)
	_, err = top.Lookup("mars")
	assert.True(t, errors.Is(errors.NotExist, err))

	var buf bytes.Buffer
	require.NoError(t, top.Marshal(&buf))
	again, err := topology.Parse(&buf)
	require.NoError(t, err)
	if diff := deep.Equal(top, again); diff != nil {
		t.Error(diff)
	}
}

func TestInvalid(t *testing.T) {
	for _, c := range []struct {
		name, yaml, want string
	}{
		{"empty", "", "no regions"},
		{"unnamed", "regions:\n  - url: https://x\n", "region 0 has no name"},
		{"twice", "regions:\n  - {name: us, url: https://a}\n  - {name: us, url: https://b}\n", "region us is listed twice"},
		{"nourl", "regions:\n  - name: us\n", "region us has no url"},
		{"unknown field", "regions:\n  - {name: us, url: https://a, weight: 3}\n", "weight"},
	} {
		t.Run(c.name, func(t *testing.T) {
			_, err := topology.Parse(strings.NewReader(c.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
			expect.HasSubstr(t, err.Error(), c.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(example), 0644))
	top, err := topology.Load(path)
	require.NoError(t, err)
	assert.Len(t, top.Regions, 2)

	_, err = topology.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)
}

func TestClients(t *testing.T) {
	r, err := relay.Open(filepath.Join(t.TempDir(), "relay.db"), relay.Options{Region: "us"})
	require.NoError(t, err)
	defer r.Close()
	srv := httptest.NewServer(transport.NewHandler(r))
	defer srv.Close()

	top := &topology.Topology{Regions: []topology.Region{{Name: "us", URL: srv.URL}}, Compress: true}
	regions, err := top.Clients()
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, "us", regions[0].Name)
	health, err := regions[0].Relay.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, health.Status)
	assert.Equal(t, "us", health.Region)

	top.Regions[0].URL = "relay.example.com"
	_, err = top.Clients()
	assert.True(t, errors.Is(errors.Invalid, err))
}
