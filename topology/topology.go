// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package topology reads the relay region topology shared by relay
// daemons and devices. A topology file is YAML:
//
//	regions:
//	  - name: us
//	    url: https://us.relay.example.com
//	  - name: eu
//	    url: https://eu.relay.example.com
//	    listen: ":8443"
//	compress: true
//	timeout: 20s
package topology

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/syncclient"
	"github.com/grailbio/zksync/transport"
	"gopkg.in/yaml.v3"
)

// Region is one relay deployment.
type Region struct {
	Name string `yaml:"name"`
	// URL is where devices reach the region's relay.
	URL string `yaml:"url"`
	// Listen is the address the region's relay daemon binds. It
	// defaults to ":8080".
	Listen string `yaml:"listen,omitempty"`
}

// Topology lists the regions of a deployment, in order of preference.
type Topology struct {
	Regions []Region `yaml:"regions"`
	// Compress enables zstd request and response bodies.
	Compress bool `yaml:"compress,omitempty"`
	// Timeout bounds each relay request made by devices.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultListen is the relay daemon's default address.
const DefaultListen = ":8080"

// Parse reads a topology from r and validates it.
func Parse(r io.Reader) (*Topology, error) {
	p, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	t := new(Topology)
	dec := yaml.NewDecoder(bytes.NewReader(p))
	dec.KnownFields(true)
	if err := dec.Decode(t); err != nil && err != io.EOF {
		return nil, errors.E(errors.Invalid, "topology", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Load reads the topology file at path.
func Load(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "topology")
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("topology %s", path), err)
	}
	return t, nil
}

// Validate checks that every region is named once and has a URL.
func (t *Topology) Validate() error {
	if len(t.Regions) == 0 {
		return errors.E(errors.Invalid, "topology: no regions")
	}
	seen := make(map[string]bool)
	for i, r := range t.Regions {
		switch {
		case r.Name == "":
			return errors.E(errors.Invalid, fmt.Sprintf("topology: region %d has no name", i))
		case seen[r.Name]:
			return errors.E(errors.Invalid, fmt.Sprintf("topology: region %s is listed twice", r.Name))
		case r.URL == "":
			return errors.E(errors.Invalid, fmt.Sprintf("topology: region %s has no url", r.Name))
		}
		seen[r.Name] = true
	}
	return nil
}

// Lookup returns the named region, or NotExist.
func (t *Topology) Lookup(name string) (Region, error) {
	for _, r := range t.Regions {
		if r.Name == name {
			if r.Listen == "" {
				r.Listen = DefaultListen
			}
			return r, nil
		}
	}
	return Region{}, errors.E(errors.NotExist, fmt.Sprintf("topology: no region %q", name))
}

// Clients returns a sync client region for each relay, in topology
// order.
func (t *Topology) Clients() ([]syncclient.Region, error) {
	regions := make([]syncclient.Region, 0, len(t.Regions))
	for _, r := range t.Regions {
		c, err := transport.NewClient(r.URL, transport.ClientOptions{Timeout: t.Timeout, Compress: t.Compress})
		if err != nil {
			return nil, errors.E(fmt.Sprintf("topology: region %s", r.Name), err)
		}
		regions = append(regions, syncclient.Region{Name: r.Name, Relay: c})
	}
	return regions, nil
}

// Marshal writes t as YAML.
func (t *Topology) Marshal(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return err
	}
	return enc.Close()
}
