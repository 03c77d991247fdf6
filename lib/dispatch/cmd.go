// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"git.tinkerhpc.org/jobdispatch.git/lib/cmd"
	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor"
	"git.tinkerhpc.org/jobdispatch.git/lib/mgmt"
	"git.tinkerhpc.org/jobdispatch.git/lib/roster"
	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"rsc.io/getopt"
)

// SubmitCommand dispatches the jobs given on the command line and
// exits when all of them have been handed off.
var SubmitCommand cmd.Handler = submitCommand{newExecutor: executor.FromConfig}

type submitCommand struct {
	newExecutor func(*config.Config, logrus.FieldLogger) (executor.Executor, func(), error)
}

type stringsFlag []string

func (sf *stringsFlag) String() string {
	return strings.Join(*sf, " ")
}

func (sf *stringsFlag) Set(s string) error {
	*sf = append(*sf, s)
	return nil
}

type submitFlags struct {
	class      string
	nproc      int
	nodes      string
	workdirs   stringsFlag
	scripts    stringsFlag
	commands   stringsFlag
	configFile string
	override   config.Config
}

func (sf *submitFlags) flagSet() cmd.FlagSet {
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	flags.StringVar(&sf.class, "type", "", "Resource `class` of the jobs: CPU or GPU (required)")
	flags.Alias("t", "type")
	flags.IntVar(&sf.nproc, "nproc", 2, "Logical cores needed by each CPU job")
	flags.Alias("n", "nproc")
	flags.StringVar(&sf.nodes, "nodes", "", "Comma-separated `list` of nodes to use instead of the roster file")
	flags.Var(&sf.workdirs, "workdir", "Working `directory` for a job (repeat once per job)")
	flags.Alias("d", "workdir")
	flags.Var(&sf.scripts, "script", "Job `script` to run with sh (repeatable)")
	flags.Alias("x", "script")
	flags.Var(&sf.commands, "command", "Job `command` to run (repeatable)")
	flags.Alias("c", "command")
	flags.StringVar(&sf.configFile, "config", config.DefaultConfigFile, "Site configuration `file` (\"-\" for stdin)")
	flags.Var(&sf.override.MaxWait, "max-wait", "Give up if no job can be placed for this long (e.g., \"2h\")")
	flags.StringVar(&sf.override.ManagementListen, "listen", "", "Serve metrics and health checks at `address`")
	return flags
}

// jobs returns the jobs described by the command line flags and
// positional arguments, which are additional scripts. Scripts come
// first, in order, followed by commands.
func (sf *submitFlags) jobs(class roster.Class, args []string, cwd string) ([]*Job, error) {
	scripts := append(append([]string(nil), sf.scripts...), args...)
	njobs := len(scripts) + len(sf.commands)
	if njobs == 0 {
		return nil, fmt.Errorf("no jobs given (use -x or -c)")
	}
	if len(sf.workdirs) > 0 && len(sf.workdirs) != njobs {
		return nil, fmt.Errorf("got %d working directories for %d jobs", len(sf.workdirs), njobs)
	}
	if class == roster.CPU && sf.nproc < 0 {
		return nil, fmt.Errorf("invalid -n value %d", sf.nproc)
	}
	workdir := func(i int, dflt string) string {
		if len(sf.workdirs) > 0 {
			return sf.workdirs[i]
		}
		return dflt
	}
	var jobs []*Job
	for i, script := range scripts {
		path := script
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("job script: %w", err)
		} else if fi.IsDir() {
			return nil, fmt.Errorf("job script %s is a directory", path)
		}
		jobs = append(jobs, NewJob("sh "+executor.ShellQuote(path), workdir(i, cwd), class, sf.nproc))
	}
	for i, command := range sf.commands {
		if strings.TrimSpace(command) == "" {
			return nil, fmt.Errorf("job command %d is empty", i+1)
		}
		jobs = append(jobs, NewJob(command, workdir(len(scripts)+i, ""), class, sf.nproc))
	}
	return jobs, nil
}

func (sc submitCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var sf submitFlags
	flags := sf.flagSet()
	if ok, code := cmd.ParseFlags(flags, prog, args, "[script ...]", stderr); !ok {
		return code
	}
	if sf.class == "" {
		fmt.Fprintf(stderr, "%s: -t/--type is required (try -help)\n", prog)
		return 2
	}
	class, err := roster.ParseClass(sf.class)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 2
	}
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 1
	}
	jobs, err := sf.jobs(class, flags.Args(), cwd)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 2
	}

	logger := ctxlog.New(stderr, "text", "info")
	ldr := config.NewLoader(stdin, logger)
	ldr.Path = sf.configFile
	cfg, err := ldr.Load()
	if err == nil {
		err = cfg.Merge(sf.override)
	}
	if err != nil {
		logger.WithError(err).Error("configuration error")
		return 1
	}
	logger = ctxlog.New(stderr, cfg.Log.Format, cfg.Log.Level)

	var rst *roster.Roster
	if sf.nodes != "" {
		rst = roster.FromList(class, strings.Split(sf.nodes, ","))
	} else if rst, err = roster.Load(cfg.Roster); err != nil {
		logger.WithError(err).Error("configuration error")
		return 1
	}
	if len(rst.Nodes(class)) == 0 {
		logger.WithError(roster.ErrNoNodes).WithField("Class", class).Error("configuration error")
		return 1
	}

	exr, done, err := sc.newExecutor(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("error setting up remote executor")
		return 1
	}
	defer done()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	reg := prometheus.NewRegistry()
	d := New(ctx, cfg, exr, rst, reg)
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

	logger.WithFields(logrus.Fields{
		"Jobs":  len(jobs),
		"Class": class,
		"Nodes": len(rst.Nodes(class)),
	}).Info("dispatching")
	err = d.Run(ctx, jobs)
	if err != nil {
		logger.WithError(err).WithField("Pending", len(d.Pending())).Error("dispatch stopped before all jobs were placed")
		return 1
	}
	logger.Info("all jobs placed")
	return 0
}
