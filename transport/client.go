// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/wire"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
	// Timeout bounds each request when HTTPClient is unset. Callers
	// usually bound requests through their contexts as well.
	Timeout time.Duration
	// Compress sends zstd-compressed request bodies and asks for
	// compressed responses.
	Compress bool
}

// Client talks to one relay over HTTP.
type Client struct {
	base     string
	http     *http.Client
	compress bool
}

// NewClient returns a client for the relay at baseURL, e.g.
// "https://eu.relay.example.com".
func NewClient(baseURL string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("transport: bad relay URL %q", baseURL), err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("transport: relay URL %q needs a scheme and host", baseURL))
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: strings.TrimSuffix(baseURL, "/"), http: hc, compress: opts.Compress}, nil
}

// Push implements Service.
func (c *Client) Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error) {
	resp := new(wire.PushResponse)
	if err := c.do(ctx, http.MethodPost, PushPath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Pull implements Service.
func (c *Client) Pull(ctx context.Context, req *wire.PullRequest) (*wire.PullResponse, error) {
	resp := new(wire.PullResponse)
	if err := c.do(ctx, http.MethodPost, PullPath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health implements Service. A degraded relay answers with its health
// report, not an error.
func (c *Client) Health(ctx context.Context) (*wire.HealthResponse, error) {
	resp := new(wire.HealthResponse)
	if err := c.do(ctx, http.MethodGet, HealthPath, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SLAMetrics implements Service.
func (c *Client) SLAMetrics(ctx context.Context, window time.Duration) (*wire.SLAResponse, error) {
	resp := new(wire.SLAResponse)
	path := SLAPath + "?window=" + url.QueryEscape(window.String())
	if err := c.do(ctx, http.MethodGet, path, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		p, err := encode(in, c.compress)
		if err != nil {
			return err
		}
		body = bytes.NewReader(p)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.E(errors.Invalid, "transport: building request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.compress {
			req.Header.Set("Content-Encoding", encodingZstd)
		}
	}
	if c.compress {
		req.Header.Set("Accept-Encoding", encodingZstd)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.E(ctx.Err(), fmt.Sprintf("transport: %s %s", method, path))
		}
		return errors.E(errors.Net, errors.Retriable, fmt.Sprintf("transport: %s %s", method, path), err)
	}
	defer resp.Body.Close()
	encoding := resp.Header.Get("Content-Encoding")
	switch {
	case resp.StatusCode == http.StatusOK:
		return decode(resp.Body, encoding, out)
	case resp.StatusCode == http.StatusServiceUnavailable && path == HealthPath:
		return decode(resp.Body, encoding, out)
	}
	return responseError(resp, method, path)
}

// responseError reconstructs the error carried by a failed response.
// Server faults and unreadable bodies become retryable network errors.
func responseError(resp *http.Response, method, path string) error {
	var werr wire.Error
	if err := decode(resp.Body, resp.Header.Get("Content-Encoding"), &werr); err != nil || werr.Kind == "" {
		werr = wire.Error{Kind: "internal", Message: resp.Status}
	}
	if werr.RetryAfterMS == 0 {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			werr.RetryAfterMS = int64(secs) * 1000
		}
	}
	err := werr.Err()
	msg := fmt.Sprintf("transport: %s %s: %s", method, path, resp.Status)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests && !errors.Is(errors.RateLimited, err):
		return errors.E(errors.RateLimited, errors.Retriable, msg, err)
	case resp.StatusCode >= 500 && errors.Is(errors.Remote, err):
		return errors.E(errors.Net, errors.Retriable, msg, err)
	}
	return errors.E(msg, err)
}
