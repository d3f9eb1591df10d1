// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/zksync/clock"
	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/relay"
	"github.com/grailbio/zksync/replica"
	"github.com/grailbio/zksync/transport"
	"github.com/grailbio/zksync/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(id string, counter uint64) wire.Change {
	return wire.Change{
		EntityType:    "invoice",
		EntityID:      id,
		VersionVector: replica.VersionVector{"A": counter},
		Envelope: &encryption.Envelope{
			KeyID:      "user.0.0011223344556677",
			Algorithm:  encryption.AES256GCM,
			Nonce:      bytes.Repeat([]byte{1}, encryption.NonceSize),
			Ciphertext: bytes.Repeat([]byte{0xab}, 4096),
			Tag:        bytes.Repeat([]byte{2}, encryption.TagSize),
			ADHash:     bytes.Repeat([]byte{3}, encryption.ADHashSize),
		},
		UpdatedAt: int64(1700000000000000000 + counter),
		DeviceID:  "A",
	}
}

func newRelay(t *testing.T, opts relay.Options) (*relay.Relay, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	opts.Clock = clk
	r, err := relay.Open(filepath.Join(t.TempDir(), "relay.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, clk
}

func newClient(t *testing.T, h http.Handler, compress bool) *transport.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := transport.NewClient(srv.URL, transport.ClientOptions{Compress: compress})
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "zstd"}[compress], func(t *testing.T) {
			ctx := context.Background()
			r, _ := newRelay(t, relay.Options{Region: "eu"})
			c := newClient(t, transport.NewHandler(r), compress)

			c1, c2 := change("e1", 1), change("e2", 1)
			resp, err := c.Push(ctx, &wire.PushRequest{
				ProtocolVersion: wire.ProtocolVersion, Vault: "v", DeviceID: "A",
				Changes: []wire.Change{c1, c2},
			})
			require.NoError(t, err)
			assert.Equal(t, []wire.Ref{c1.Ref(), c2.Ref()}, resp.Accepted)

			pull, err := c.Pull(ctx, &wire.PullRequest{ProtocolVersion: wire.ProtocolVersion, Vault: "v", DeviceID: "B"})
			require.NoError(t, err)
			require.Len(t, pull.Changes, 2)
			assert.Equal(t, c1.Envelope, pull.Changes[0].Envelope)
			assert.Equal(t, c1.VersionVector, pull.Changes[0].VersionVector)

			h, err := c.Health(ctx)
			require.NoError(t, err)
			assert.Equal(t, wire.StatusOK, h.Status)
			assert.Equal(t, "eu", h.Region)

			sla, err := c.SLAMetrics(ctx, 30*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 30*time.Minute, sla.Window())
			assert.Equal(t, 2, sla.Requests)
		})
	}
}

func TestErrorKinds(t *testing.T) {
	ctx := context.Background()
	r, _ := newRelay(t, relay.Options{RequestsPerSecond: 0.5, Burst: 1})
	c := newClient(t, transport.NewHandler(r), false)

	_, err := c.Pull(ctx, &wire.PullRequest{ProtocolVersion: 7, Vault: "v", DeviceID: "A"})
	assert.True(t, errors.Is(errors.Invalid, err), "got %v", err)
	assert.False(t, errors.Retryable(err))
	expect.HasSubstr(t, err.Error(), "unsupported protocol version")

	req := &wire.PullRequest{ProtocolVersion: wire.ProtocolVersion, Vault: "v", DeviceID: "A"}
	_, err = c.Pull(ctx, req)
	require.NoError(t, err)
	_, err = c.Pull(ctx, req)
	require.True(t, errors.Is(errors.RateLimited, err), "got %v", err)
	assert.True(t, errors.Retryable(err))
	assert.Equal(t, 2*time.Second, errors.RetryAfterOf(err))

	_, err = c.SLAMetrics(ctx, -time.Second)
	assert.True(t, errors.Is(errors.Invalid, err))
}

type faultyService struct {
	transport.Service
	err error
}

func (f faultyService) Push(context.Context, *wire.PushRequest) (*wire.PushResponse, error) {
	return nil, f.err
}

func (f faultyService) Health(context.Context) (*wire.HealthResponse, error) {
	return &wire.HealthResponse{Status: wire.StatusDegraded, StorageLatencyMS: 900}, nil
}

func TestServerFaults(t *testing.T) {
	ctx := context.Background()
	push := &wire.PushRequest{ProtocolVersion: wire.ProtocolVersion, Vault: "v", DeviceID: "A"}

	c := newClient(t, transport.NewHandler(faultyService{err: errors.New("disk on fire")}), true)
	_, err := c.Push(ctx, push)
	assert.True(t, errors.Is(errors.Net, err), "got %v", err)
	assert.True(t, errors.Retryable(err))
	expect.HasSubstr(t, err.Error(), "500")

	c = newClient(t, transport.NewHandler(faultyService{err: errors.E(errors.Unavailable, "draining")}), false)
	_, err = c.Push(ctx, push)
	assert.True(t, errors.Is(errors.Unavailable, err), "got %v", err)
	assert.True(t, errors.Retryable(err))

	// A degraded relay still reports its health.
	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusDegraded, h.Status)

	// A throttling proxy in front of the relay: no wire error body.
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	c = newClient(t, proxy, false)
	_, err = c.Push(ctx, push)
	assert.True(t, errors.Is(errors.RateLimited, err), "got %v", err)
	assert.Equal(t, 3*time.Second, errors.RetryAfterOf(err))
}

type blockingService struct {
	transport.Service
	entered chan struct{}
	release chan struct{}
}

func (b blockingService) Pull(ctx context.Context, req *wire.PullRequest) (*wire.PullResponse, error) {
	b.entered <- struct{}{}
	<-b.release
	return &wire.PullResponse{}, nil
}

func TestInflightLimit(t *testing.T) {
	ctx := context.Background()
	svc := blockingService{entered: make(chan struct{}), release: make(chan struct{})}
	c := newClient(t, transport.NewServer(svc, transport.ServerOptions{MaxInflight: 1, QueueTimeout: 50 * time.Millisecond}), false)
	pull := &wire.PullRequest{ProtocolVersion: wire.ProtocolVersion, Vault: "v", DeviceID: "A"}

	done := make(chan error, 1)
	go func() {
		_, err := c.Pull(ctx, pull)
		done <- err
	}()
	<-svc.entered
	_, err := c.Pull(ctx, pull)
	assert.True(t, errors.Is(errors.RateLimited, err), "got %v", err)
	assert.Equal(t, time.Second, errors.RetryAfterOf(err))

	close(svc.release)
	require.NoError(t, <-done)
	go func() { <-svc.entered }()
	_, err = c.Pull(ctx, pull)
	assert.NoError(t, err)
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := transport.NewClient(url, transport.ClientOptions{Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	assert.True(t, errors.Is(errors.Net, err), "got %v", err)
	assert.True(t, errors.Retryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Health(ctx)
	assert.True(t, errors.Is(errors.Canceled, err), "got %v", err)

	_, err = transport.NewClient("not a url", transport.ClientOptions{})
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestBadRequests(t *testing.T) {
	r, _ := newRelay(t, relay.Options{})
	srv := httptest.NewServer(transport.NewHandler(r))
	defer srv.Close()

	resp, err := http.Post(srv.URL+transport.PushPath, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+transport.PullPath, strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Content-Encoding", "br")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + transport.PushPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + transport.SLAPath + "?window=forever")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
