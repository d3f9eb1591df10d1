// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command zksync-relay runs the relay of one region. The relay stores
// sealed records and routes them between the devices of each vault;
// it never holds keys.
//
//	zksync-relay --topology regions.yaml --region eu --db /var/lib/zksync/relay.db
//
// The relay's limits are read from the zksync/relay profile instance:
//
//	zksync-relay --set zksync/relay.rate=20 ...
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grailbio/zksync/config"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/log"
	"github.com/grailbio/zksync/relay"
	"github.com/grailbio/zksync/shutdown"
	"github.com/grailbio/zksync/status"
	"github.com/grailbio/zksync/topology"
	"github.com/grailbio/zksync/transport"
	"github.com/spf13/pflag"
)

type flags struct {
	topology   string
	region     string
	db         string
	listen     string
	gcInterval time.Duration
	grace      time.Duration
	inflight   int
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("zksync-relay: ")
	fs := pflag.NewFlagSet("zksync-relay", pflag.ExitOnError)
	log.AddFlags(fs)
	var f flags
	fs.StringVar(&f.topology, "topology", "", "region topology file (YAML)")
	fs.StringVar(&f.region, "region", "", "region served by this relay")
	fs.StringVar(&f.db, "db", "relay.db", "relay database")
	fs.StringVar(&f.listen, "listen", "", "address to listen on; defaults to the region's listen address")
	fs.DurationVar(&f.gcInterval, "gc-interval", time.Hour, "interval between tombstone collections")
	fs.IntVar(&f.inflight, "max-inflight", 256, "requests served concurrently; further requests wait briefly, then are refused")
	fs.DurationVar(&f.grace, "shutdown-grace", 10*time.Second, "how long in-flight requests may take at shutdown")
	profile := config.Application()
	profile.RegisterFlags(fs, "", "")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: zksync-relay --topology file --region name [flags]\n\n")
		fs.PrintDefaults()
		os.Exit(2)
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
	if err := profile.ProcessFlags(fs, ""); err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, profile, f, nil); err != nil {
		log.Fatal(err)
	}
}

// run serves the relay until ctx is done. ready, if not nil, is called
// with the listening address once requests are accepted.
func run(ctx context.Context, profile *config.Profile, f flags, ready func(addr string)) error {
	if f.topology == "" || f.region == "" {
		return errors.E(errors.Invalid, "--topology and --region are required")
	}
	top, err := topology.Load(f.topology)
	if err != nil {
		return err
	}
	region, err := top.Lookup(f.region)
	if err != nil {
		return err
	}
	if f.listen != "" {
		region.Listen = f.listen
	}
	var opts relay.Options
	if err := profile.Instance("zksync/relay", &opts); err != nil {
		return err
	}
	opts.Region = region.Name

	var hooks shutdown.Group
	r, err := relay.Open(f.db, opts)
	if err != nil {
		return err
	}
	hooks.Register("relay database", func(context.Context) error { return r.Close() })

	var gcStatus status.Status
	mux := http.NewServeMux()
	mux.Handle("/v1/", transport.NewServer(r, transport.ServerOptions{MaxInflight: f.inflight}))
	mux.Handle("/debug/status", status.Handler(&gcStatus))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", region.Listen)
	if err != nil {
		hooks.Run(ctx)
		return errors.E(errors.Unavailable, "listen", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	hooks.Register("http server", srv.Shutdown)

	gcCtx, cancelGC := context.WithCancel(ctx)
	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		_ = r.Run(gcCtx, f.gcInterval, &gcStatus)
	}()
	hooks.Register("garbage collector", func(context.Context) error {
		cancelGC()
		<-gcDone
		return nil
	})
	log.Printf("serving region %s on %s", region.Name, ln.Addr())
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-serveErr:
		err = errors.E(errors.Unavailable, "serve", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), f.grace)
	defer cancel()
	if serr := hooks.Run(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	log.Printf("region %s stopped", region.Name)
	return err
}
