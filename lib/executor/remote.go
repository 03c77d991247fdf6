// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"fmt"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor/cliexecutor"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor/sshexecutor"
	"github.com/sirupsen/logrus"
)

var (
	_ Executor = (*cliexecutor.Executor)(nil)
	_ Executor = (*sshexecutor.Pool)(nil)
)

// FromConfig returns the remote executor selected by
// cfg.RemoteExecutor. The returned func releases any connections it
// holds and must be called when the executor is no longer needed.
func FromConfig(cfg *config.Config, logger logrus.FieldLogger) (Executor, func(), error) {
	switch cfg.RemoteExecutor {
	case config.ExecutorSSHCLI:
		exr, err := cliexecutor.New(cfg.SSHCommand, logger)
		if err != nil {
			return nil, nil, err
		}
		return exr, func() {}, nil
	case config.ExecutorNative:
		pool, err := sshexecutor.NewPoolFromConfig(cfg.SSH, logger)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown RemoteExecutor %q", cfg.RemoteExecutor)
	}
}
