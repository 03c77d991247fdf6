// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package probe

import (
	"context"
	"flag"
	"fmt"
	"io"

	"git.tinkerhpc.org/jobdispatch.git/lib/cmd"
	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor"
	"git.tinkerhpc.org/jobdispatch.git/lib/roster"
	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// Command probes nodes once and prints their current capacity as
// YAML.
var Command cmd.Handler = command{newExecutor: executor.FromConfig}

type command struct {
	newExecutor func(*config.Config, logrus.FieldLogger) (executor.Executor, func(), error)
}

// NodeReport is the probe command's output for one node.
type NodeReport struct {
	Node  string
	Class roster.Class
	Error string `json:",omitempty"`

	Cores       int    `json:",omitempty"`
	UsableCores int    `json:",omitempty"`
	Load        string `json:",omitempty"`

	Cards         []int `json:",omitempty"`
	OccupiedCards []int `json:",omitempty"`
	FreeCards     []int `json:",omitempty"`
}

func (c command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("probe failed")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", config.DefaultConfigFile, "Site configuration `file` (\"-\" for stdin)")
	classArg := flags.String("type", "", "Resource `class` to probe, CPU or GPU (default both)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "[node ...]", stderr); !ok {
		return code
	}
	ldr := config.NewLoader(stdin, logger)
	ldr.Path = *configFile
	cfg, err := ldr.Load()
	if err != nil {
		return 1
	}
	logger = ctxlog.New(stderr, cfg.Log.Format, cfg.Log.Level)

	classes := []roster.Class{roster.CPU, roster.GPU}
	if *classArg != "" {
		class, perr := roster.ParseClass(*classArg)
		if perr != nil {
			fmt.Fprintln(stderr, perr)
			return 2
		}
		classes = []roster.Class{class}
	}

	var nodes []roster.Node
	if flags.NArg() > 0 {
		if len(classes) != 1 {
			fmt.Fprintln(stderr, "-type is required when nodes are given on the command line")
			return 2
		}
		nodes = roster.FromList(classes[0], flags.Args()).Nodes(classes[0])
	} else {
		rst, lerr := roster.Load(cfg.Roster)
		if lerr != nil {
			err = lerr
			return 1
		}
		for _, class := range classes {
			nodes = append(nodes, rst.Nodes(class)...)
		}
	}

	exr, done, err := c.newExecutor(cfg, logger)
	if err != nil {
		return 1
	}
	defer done()

	ctx := ctxlog.Context(context.Background(), logger)
	reports := Report(ctx, exr, cfg, nodes)
	out, err := yaml.Marshal(reports)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

// Report probes each node and returns the results in the same order.
// Probe failures are reported in the Error field.
func Report(ctx context.Context, exr executor.Executor, cfg *config.Config, nodes []roster.Node) []NodeReport {
	cpuProbe := NewCPUProbe(exr, cfg)
	gpuProbe := NewGPUProbe(exr, cfg)
	reports := []NodeReport{}
	for _, node := range nodes {
		rpt := NodeReport{Node: node.ID, Class: node.Class}
		switch node.Class {
		case roster.CPU:
			snap, err := cpuProbe.Probe(ctx, node.ID)
			if err != nil {
				rpt.Error = err.Error()
				break
			}
			rpt.Cores = snap.TotalUnits
			rpt.UsableCores = snap.DeratedTotalUnits
			rpt.Load = fmt.Sprintf("%s busy, %s free", humanize.Ftoa(snap.OccupiedUnits), humanize.Ftoa(snap.Available()))
		case roster.GPU:
			snap, err := gpuProbe.Probe(ctx, node.ID)
			if err != nil {
				rpt.Error = err.Error()
				break
			}
			rpt.Cards = snap.TotalCardIndices
			rpt.OccupiedCards = snap.Occupied()
			rpt.FreeCards = snap.FreeCards()
		}
		reports = append(reports, rpt)
	}
	return reports
}
