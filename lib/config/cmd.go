// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.tinkerhpc.org/jobdispatch.git/lib/cmd"
	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
)

// DumpCommand prints the effective configuration (built-in defaults
// plus the site config file) as YAML.
var DumpCommand cmd.Handler = dumpCommand{}

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", DefaultConfigFile, "Site configuration `file` (\"-\" for stdin)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	ldr := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	ldr.Path = *configFile
	cfg, err := ldr.Load()
	if err != nil {
		return 1
	}
	err = Dump(stdout, cfg)
	if err != nil {
		return 1
	}
	return 0
}

// Dump writes cfg to w as YAML.
func Dump(w io.Writer, cfg *Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
