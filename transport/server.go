// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/limiter"
	"github.com/grailbio/zksync/wire"
)

// DefaultSLAWindow is used when an SLA request names no window.
const DefaultSLAWindow = time.Hour

// DefaultQueueTimeout is how long a request waits for a slot when the
// server is at its in-flight limit.
const DefaultQueueTimeout = 2 * time.Second

// ServerOptions configures a relay HTTP server.
type ServerOptions struct {
	// MaxInflight bounds the requests served concurrently. Zero means
	// no bound.
	MaxInflight int
	// QueueTimeout bounds how long a request waits for a slot before it
	// is refused with RateLimited. Defaults to DefaultQueueTimeout.
	QueueTimeout time.Duration
}

type server struct {
	svc   Service
	mux   *http.ServeMux
	limit *limiter.Limiter
	queue time.Duration
}

// NewHandler returns an HTTP handler serving svc without an in-flight
// bound.
func NewHandler(svc Service) http.Handler {
	return NewServer(svc, ServerOptions{})
}

// NewServer returns an HTTP handler serving svc.
func NewServer(svc Service, opts ServerOptions) http.Handler {
	s := &server{svc: svc, mux: http.NewServeMux(), queue: opts.QueueTimeout}
	if opts.MaxInflight > 0 {
		s.limit = limiter.New(opts.MaxInflight)
	}
	if s.queue <= 0 {
		s.queue = DefaultQueueTimeout
	}
	s.mux.HandleFunc("POST "+PushPath, s.push)
	s.mux.HandleFunc("POST "+PullPath, s.pull)
	s.mux.HandleFunc("GET "+HealthPath, s.health)
	s.mux.HandleFunc("GET "+SLAPath, s.sla)
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, v)
			s.fail(w, r, errors.E(errors.Unavailable, "internal error"))
		}
	}()
	if s.limit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.queue)
		err := s.limit.Acquire(ctx, 1)
		cancel()
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			s.fail(w, r, errors.E(errors.RateLimited, time.Second, "relay busy"))
			return
		}
		defer s.limit.Release(1)
	}
	s.mux.ServeHTTP(w, r)
}

func (s *server) push(w http.ResponseWriter, r *http.Request) {
	var req wire.PushRequest
	if err := decode(r.Body, r.Header.Get("Content-Encoding"), &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.svc.Push(r.Context(), &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, http.StatusOK, resp)
}

func (s *server) pull(w http.ResponseWriter, r *http.Request) {
	var req wire.PullRequest
	if err := decode(r.Body, r.Header.Get("Content-Encoding"), &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.svc.Pull(r.Context(), &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, http.StatusOK, resp)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Health(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if resp.Status != wire.StatusOK {
		code = http.StatusServiceUnavailable
	}
	s.reply(w, r, code, resp)
}

func (s *server) sla(w http.ResponseWriter, r *http.Request) {
	window := DefaultSLAWindow
	if v := r.URL.Query().Get("window"); v != "" {
		var err error
		if window, err = time.ParseDuration(v); err != nil {
			s.fail(w, r, errors.E(errors.Invalid, fmt.Sprintf("bad window %q", v), err))
			return
		}
	}
	resp, err := s.svc.SLAMetrics(r.Context(), window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, http.StatusOK, resp)
}

func (s *server) reply(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	compress := acceptsZstd(r.Header)
	p, err := encode(v, compress)
	if err != nil {
		logger.Error.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if compress {
		w.Header().Set("Content-Encoding", encodingZstd)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(p)))
	w.WriteHeader(code)
	if _, err := w.Write(p); err != nil {
		logger.Debug.Printf("%s %s: writing response: %v", r.Method, r.URL.Path, err)
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		logger.Error.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Debug.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	werr := wire.ErrorOf(err)
	if code == http.StatusTooManyRequests && werr.RetryAfterMS > 0 {
		secs := (werr.RetryAfterMS + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	s.reply(w, r, code, werr)
}
