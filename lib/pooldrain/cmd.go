// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pooldrain

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"git.tinkerhpc.org/jobdispatch.git/lib/cmd"
	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/lock"
	"git.tinkerhpc.org/jobdispatch.git/lib/mgmt"
	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Command runs pool scripts for a tag until the pool marker is
// removed.
var Command cmd.Handler = command{newLocker: NewLocker}

type command struct {
	newLocker func(config.LockConfig, string) (lock.Locker, func(), error)
}

func (c command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", config.DefaultConfigFile, "Site configuration `file` (\"-\" for stdin)")
	directory := flags.String("dir", "", "Pool `directory` (default from config file)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "TAG [SUFFIX]", stderr); !ok {
		return code
	} else if flags.NArg() < 1 || flags.NArg() > 2 {
		fmt.Fprintf(stderr, "usage: %s [options] TAG [SUFFIX]\n", prog)
		return 2
	}
	tag := flags.Arg(0)
	marker := ""
	if flags.NArg() > 1 {
		marker = flags.Arg(1)
	}

	logger := ctxlog.New(stderr, "text", "info")
	ldr := config.NewLoader(stdin, logger)
	ldr.Path = *configFile
	cfg, err := ldr.Load()
	if err != nil {
		logger.WithError(err).Error("configuration error")
		return 1
	}
	if *directory != "" {
		cfg.Pool.Directory = *directory
	}
	logger = ctxlog.New(stderr, cfg.Log.Format, cfg.Log.Level)

	locker, done, err := c.newLocker(cfg.Pool.Lock, cfg.Pool.Directory)
	if err != nil {
		logger.WithError(err).Error("error setting up pool lock")
		return 1
	}
	defer done()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	reg := prometheus.NewRegistry()
	w := NewWorker(cfg.Pool, locker, tag, reg)
	if cfg.ManagementListen != "" {
		srv := &mgmt.Server{
			Addr:     cfg.ManagementListen,
			Token:    cfg.ManagementToken,
			MaxConns: cfg.ManagementMaxConns,
			Registry: reg,
			Logger:   logger,
		}
		if err := srv.Start(); err != nil {
			logger.WithError(err).Error("error starting management server")
			return 1
		}
		defer srv.Close()
	}

	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Error("error notifying init daemon")
	}
	logger.WithFields(logrus.Fields{
		"Tag":       tag,
		"Directory": w.Directory,
		"Marker":    cfg.Pool.Marker + marker,
		"Interval":  w.Interval.String(),
	}).Info("draining pool")
	err = w.Run(ctx, tag, cfg.Pool.Marker+marker)
	if err != nil {
		logger.WithError(err).Error("pool drain interrupted")
		return 1
	}
	return 0
}
