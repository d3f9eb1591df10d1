// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command zksync operates a device's replica of a vault from the
// command line. The passphrase is read from $ZKSYNC_PASSPHRASE.
//
//	zksync --set zksync/engine.vault=household --topology regions.yaml put invoice e1 amount=100
//	zksync ... sync
//	zksync ... pairing > pairing.yaml
//	zksync --join pairing.yaml ... sync    # on a new device
//
// Device state is kept in the platform keyring, or in an encrypted
// file keyring under --keyring-dir, unlocked with $ZKSYNC_KEYRING_PASSWORD.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/99designs/keyring"
	"github.com/grailbio/zksync/config"
	"github.com/grailbio/zksync/engine"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/keystore"
	"github.com/grailbio/zksync/log"
	"github.com/grailbio/zksync/must"
	"github.com/grailbio/zksync/syncclient"
	"github.com/grailbio/zksync/topology"
	"github.com/spf13/pflag"
)

const usage = `usage: zksync [flags] command [args]

Commands:
  put type id field=value...   write fields of an entity; "field=" deletes the field
  get type id                  print the fields of an entity
  delete type id               delete an entity
  sync                         push local changes and pull remote ones
  status                       print the sync status
  regions                      probe and list the relay regions
  failed                       list changes that failed to sync
  retry type id                retry a change that failed to sync
  rotate reason                rotate the vault's keys and re-encrypt every record
  resume                       finish an interrupted key rotation
  pairing                      print what a new device needs to join the vault

Flags:
`

type settings struct {
	topology   string
	keyringDir string
	join       string
	device     string
	// Set from the environment.
	passphrase      string
	keyringPassword string
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("zksync: ")
	fs := pflag.NewFlagSet("zksync", pflag.ExitOnError)
	log.AddFlags(fs)
	var s settings
	fs.StringVar(&s.topology, "topology", "", "relay region topology (YAML); sync is disabled without it")
	fs.StringVar(&s.keyringDir, "keyring-dir", "", "keep device state in an encrypted file keyring in this directory")
	fs.StringVar(&s.join, "join", "", "join the vault described by this pairing file")
	fs.StringVar(&s.device, "device", "", "name of a new device; defaults to a random ID")
	profile := config.Application()
	profile.RegisterFlags(fs, "", "")
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
		os.Exit(2)
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
	if fs.NArg() == 0 {
		fs.Usage()
	}
	if err := profile.ProcessFlags(fs, ""); err != nil {
		log.Fatal(err)
	}
	s.passphrase = os.Getenv("ZKSYNC_PASSPHRASE")
	s.keyringPassword = os.Getenv("ZKSYNC_KEYRING_PASSWORD")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, profile, s, fs.Args(), os.Stdout); err != nil {
		if errors.Is(errors.Invalid, err) && strings.HasPrefix(err.Error(), "usage") {
			fs.Usage()
		}
		log.Fatal(err)
	}
}

func open(ctx context.Context, profile *config.Profile, s settings) (*engine.Engine, error) {
	opts, err := engine.FromProfile(profile)
	if err != nil {
		return nil, err
	}
	if s.passphrase == "" {
		return nil, errors.E(errors.Invalid, "$ZKSYNC_PASSPHRASE is not set")
	}
	opts.Passphrase = []byte(s.passphrase)
	opts.DeviceID = s.device
	opts.Background = false
	ksConfig := keystore.Config{}
	if s.keyringDir != "" {
		ksConfig.Backends = []keyring.BackendType{keyring.FileBackend}
		ksConfig.Dir = s.keyringDir
		ksConfig.FilePassword = s.keyringPassword
	}
	if opts.Keystore, err = keystore.Open(ksConfig); err != nil {
		return nil, err
	}
	if s.join != "" {
		if opts.Join, err = readPairing(s.join); err != nil {
			return nil, err
		}
		if opts.Vault == "" {
			opts.Vault = opts.Join.Vault
		}
	}
	if opts.Vault == "" {
		return nil, errors.E(errors.Invalid, "no vault configured; to create one, pass --set zksync/engine.vault="+syncclient.NewVault())
	}
	if s.topology != "" {
		top, err := topology.Load(s.topology)
		if err != nil {
			return nil, err
		}
		if opts.Sync.Regions, err = top.Clients(); err != nil {
			return nil, err
		}
	}
	return engine.Open(ctx, opts)
}

func usageError(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, "usage: "+fmt.Sprintf(format, args...))
}

func run(ctx context.Context, profile *config.Profile, s settings, args []string, w io.Writer) (err error) {
	if len(args) == 0 {
		return usageError("no command")
	}
	cmd, args := args[0], args[1:]
	nargs := map[string]int{
		"get": 2, "delete": 2, "sync": 0, "status": 0, "regions": 0, "failed": 0,
		"retry": 2, "rotate": 1, "resume": 0, "pairing": 0,
	}
	if n, ok := nargs[cmd]; ok && len(args) != n {
		return usageError("%s takes %d arguments", cmd, n)
	} else if !ok && cmd != "put" {
		return usageError("unknown command %q", cmd)
	}
	if cmd == "put" && len(args) < 3 {
		return usageError("put type id field=value...")
	}
	e, err := open(ctx, profile, s)
	if err != nil {
		return err
	}
	defer errors.CleanUp(e.Close, &err)
	switch cmd {
	case "put":
		fields := make(map[string][]byte)
		for _, kv := range args[2:] {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				return usageError("bad field %q: want field=value", kv)
			}
			if i == len(kv)-1 {
				fields[kv[:i]] = nil
			} else {
				fields[kv[:i]] = []byte(kv[i+1:])
			}
		}
		return e.Put(ctx, args[0], args[1], fields)
	case "get":
		fields, err := e.Get(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		names := make([]string, 0, len(fields))
		for k := range fields {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(w, "%s=%s\n", k, fields[k])
		}
		return nil
	case "delete":
		return e.Delete(ctx, args[0], args[1])
	case "sync":
		report, err := e.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "region %s: pushed %d, pulled %d, applied %d\n", report.Region, report.Pushed+report.Acknowledged, report.Pulled, report.Applied)
		for _, p := range report.Failed {
			fmt.Fprintf(w, "failed: %s/%s: %s\n", p.Type, p.ID, p.LastError)
		}
		for _, rerr := range report.Errors {
			fmt.Fprintf(w, "skipped: %v\n", rerr)
		}
		return nil
	case "status":
		fmt.Fprintln(w, e.Status())
		return nil
	case "regions":
		c := e.SyncClient()
		if c == nil {
			return errors.E(errors.Precondition, "no topology")
		}
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "REGION\tSTATUS\tLATENCY\tCURRENT")
		for _, r := range c.ProbeRegions(ctx) {
			st := r.Status
			if r.Err != nil {
				st = "unreachable"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", r.Name, st, r.Latency.Round(time.Millisecond), r.Current)
		}
		return tw.Flush()
	case "failed", "retry":
		c := e.SyncClient()
		if c == nil {
			return errors.E(errors.Precondition, "no topology")
		}
		if cmd == "retry" {
			return c.Retry(ctx, args[0], args[1])
		}
		failed, err := c.Failed(ctx)
		if err != nil {
			return err
		}
		for _, p := range failed {
			fmt.Fprintf(w, "%s/%s: %d attempts: %s\n", p.Type, p.ID, p.Attempts, p.LastError)
		}
		return nil
	case "rotate":
		result, err := e.RotateKeys(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "re-encrypted %d records in %s\n", result.AffectedRecords, result.Duration.Round(time.Millisecond))
		return nil
	case "resume":
		result, err := e.ResumeRotation(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "re-encrypted %d records\n", result.AffectedRecords)
		return nil
	case "pairing":
		return writePairing(w, e.Pairing())
	}
	must.Never("unhandled command ", cmd)
	return nil
}
