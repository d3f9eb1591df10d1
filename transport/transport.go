// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport binds the relay protocol to HTTP. Requests and
// responses are the JSON messages of package wire; bodies may be
// zstd-compressed in either direction. Failures carry a wire.Error
// body so that error kinds, and the relay's requested retry delay,
// survive the round trip.
//
//	POST /v1/push                push a change set
//	POST /v1/pull                pull changes after a cursor
//	GET  /v1/health              relay health
//	GET  /v1/sla?window=<dur>    request outcome summary
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grailbio/zksync/compress/zstd"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/log"
	"github.com/grailbio/zksync/wire"
)

var logger = log.For("transport")

// Endpoint paths.
const (
	PushPath   = "/v1/push"
	PullPath   = "/v1/pull"
	HealthPath = "/v1/health"
	SLAPath    = "/v1/sla"
)

// MaxBodySize bounds request and response bodies after decompression.
const MaxBodySize = zstd.MaxDecodedSize

const encodingZstd = "zstd"

// Service is the relay as seen through the transport. *relay.Relay
// implements it on the server side and *Client on the client side.
type Service interface {
	Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error)
	Pull(ctx context.Context, req *wire.PullRequest) (*wire.PullResponse, error)
	Health(ctx context.Context) (*wire.HealthResponse, error)
	SLAMetrics(ctx context.Context, window time.Duration) (*wire.SLAResponse, error)
}

// encode marshals v, compressing it if compress is set.
func encode(v interface{}, compress bool) ([]byte, error) {
	p, err := json.Marshal(v)
	if err != nil {
		return nil, errors.E(errors.Invalid, "transport: encoding message", err)
	}
	if !compress {
		return p, nil
	}
	return zstd.Compress(p)
}

// decode reads a body of the given content encoding into v.
func decode(r io.Reader, encoding string, v interface{}) error {
	p, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return errors.E(errors.Net, errors.Retriable, "transport: reading body", err)
	}
	if len(p) > MaxBodySize {
		return errors.E(errors.Invalid, "transport: body too large")
	}
	switch strings.ToLower(encoding) {
	case "", "identity":
	case encodingZstd:
		if p, err = zstd.Decompress(nil, p); err != nil {
			return err
		}
	default:
		return errors.E(errors.Invalid, "transport: unsupported content encoding "+encoding)
	}
	if err := json.Unmarshal(p, v); err != nil {
		return errors.E(errors.Invalid, "transport: decoding message", err)
	}
	return nil
}

func acceptsZstd(h http.Header) bool {
	for _, v := range h.Values("Accept-Encoding") {
		for _, enc := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]), encodingZstd) {
				return true
			}
		}
	}
	return false
}

// statusOf maps an error kind to an HTTP status code.
func statusOf(err error) int {
	switch errors.KindOf(err) {
	case errors.Invalid:
		return http.StatusBadRequest
	case errors.NotAllowed:
		return http.StatusForbidden
	case errors.NotExist:
		return http.StatusNotFound
	case errors.Precondition:
		return http.StatusConflict
	case errors.RateLimited:
		return http.StatusTooManyRequests
	case errors.Unavailable:
		return http.StatusServiceUnavailable
	case errors.Timeout, errors.Canceled:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
