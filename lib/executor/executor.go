// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package executor defines the remote command execution primitive
// used for both capacity probes and job launches.
package executor

import (
	"context"
	"io"
	"sort"
	"strings"
)

// An Executor runs a shell command on a remote node and returns its
// output. Execute returns when the command exits, ctx is done, or
// the node cannot be reached, whichever comes first. stdin can be
// nil.
type Executor interface {
	Execute(ctx context.Context, node string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
}

// Func adapts an ordinary function to the Executor interface.
type Func func(ctx context.Context, node string, cmd string, stdin io.Reader) ([]byte, []byte, error)

func (f Func) Execute(ctx context.Context, node string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	return f(ctx, node, cmd, stdin)
}

// ShellQuote returns s quoted for use as a single word in a POSIX
// shell command line.
func ShellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// Detach wraps cmd so the remote shell starts it in the background,
// immune to hangups, with no open stdio, and returns immediately.
// Executing the result hands the job off to the node without waiting
// for it to finish.
func Detach(cmd string) string {
	return "nohup sh -c " + ShellQuote(cmd) + " </dev/null >/dev/null 2>&1 &"
}

// WithEnv prefixes cmd with shell exports for the given environment
// variables (in sorted order) and, if dir is not empty, a cd into
// dir. Variables are set in the command text, not through the
// transport.
func WithEnv(env map[string]string, dir string, cmd string) string {
	var prefix []string
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		prefix = append(prefix, "export "+k+"="+ShellQuote(env[k]))
	}
	if dir != "" {
		prefix = append(prefix, "cd "+ShellQuote(dir))
	}
	if len(prefix) == 0 {
		return cmd
	}
	return strings.Join(prefix, "; ") + "; " + cmd
}
