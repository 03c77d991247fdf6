// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cliexecutor implements executor.Executor by running the
// OpenSSH client, so ~/.ssh/config, agents, and ControlMaster
// settings apply as they would for an interactive user.
package cliexecutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// Executor runs remote commands as "<Command...> <node> <cmd>".
type Executor struct {
	command []string
	logger  logrus.FieldLogger
	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running the ssh client.
	stubCommand func(ctx context.Context, prog string, args ...string) *exec.Cmd
}

// New returns an Executor that runs the given ssh command line, e.g.,
// "ssh -o BatchMode=yes".
func New(sshCommand string, logger logrus.FieldLogger) (*Executor, error) {
	argv, err := shlex.Split(sshCommand)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh command %q: %w", sshCommand, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("ssh command is empty")
	}
	return &Executor{command: argv, logger: logger}, nil
}

func (exr *Executor) cmd(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := exr.stubCommand; f != nil {
		return f(ctx, prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

// Execute implements executor.Executor.
func (exr *Executor) Execute(ctx context.Context, node string, command string, stdin io.Reader) ([]byte, []byte, error) {
	args := append(append([]string(nil), exr.command[1:]...), node, command)
	cmd := exr.cmd(ctx, exr.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	exr.logger.WithFields(logrus.Fields{
		"Node":    node,
		"Command": command,
	}).Debug("executing")
	err := cmd.Run()
	if ctx.Err() != nil {
		err = ctx.Err()
	} else if err != nil {
		err = errWithStderr(err, stderr.Bytes())
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

func errWithStderr(err error, stderr []byte) error {
	var xerr *exec.ExitError
	if errors.As(err, &xerr) {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return fmt.Errorf("%s (%q)", err, msg)
		}
	}
	return err
}
