// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// RegisterFlags registers the profile flags on fs. Flag names are
// prefixed with prefix:
//
//	--profile: profile files to load, in order (repeatable)
//	--set: instance.param=value assignments, applied after profiles (repeatable)
//	--dump-profile: print the resolved profile and exit
//
// If defaultProfilePath is non-empty it is loaded when no --profile flag
// is given, if it exists.
func (p *Profile) RegisterFlags(fs *pflag.FlagSet, prefix string, defaultProfilePath string) {
	var defaults []string
	if defaultProfilePath != "" {
		defaults = []string{defaultProfilePath}
	}
	fs.StringArrayVar(&p.flagPaths, prefix+"profile", defaults, "load the profile at the provided path; may be repeated")
	fs.StringArrayVar(&p.flagParams, prefix+"set", nil, "set a profile parameter using the syntax instance.param=value; may be repeated")
	fs.BoolVar(&p.flagDump, prefix+"dump-profile", false, "print the resolved profile to stdout and exit")
}

// ProcessFlags loads profiles and applies parameter assignments from
// the registered flags. It must be called after the flag set is
// parsed. If --dump-profile was given, the profile is printed and the
// process exits.
func (p *Profile) ProcessFlags(fs *pflag.FlagSet, prefix string) error {
	explicit := fs.Changed(prefix + "profile")
	for _, path := range p.flagPaths {
		if err := p.ParseFile(path); err != nil {
			if !explicit && os.IsNotExist(err) {
				continue
			}
			return err
		}
	}
	for _, assign := range p.flagParams {
		i := strings.IndexByte(assign, '=')
		if i < 0 {
			return fmt.Errorf("config: invalid --set %q: expected instance.param=value", assign)
		}
		if err := p.Set(assign[:i], assign[i+1:]); err != nil {
			return err
		}
	}
	if p.flagDump {
		if err := p.PrintTo(os.Stdout); err != nil {
			return err
		}
		os.Exit(0)
	}
	return nil
}
