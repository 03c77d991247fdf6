// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.tinkerhpc.org/jobdispatch.git/lib/cmd"
	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/dispatch"
	"git.tinkerhpc.org/jobdispatch.git/lib/pooldrain"
	"git.tinkerhpc.org/jobdispatch.git/lib/probe"
)

var (
	version = "dev"
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version(version),
		"-version":  cmd.Version(version),
		"--version": cmd.Version(version),

		"submit":      dispatch.SubmitCommand,
		"pool-drain":  pooldrain.Command,
		"probe":       probe.Command,
		"config-dump": config.DumpCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
