// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package probe

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor"
)

// CPUSnapshot is the state of a CPU node at the time of a probe.
type CPUSnapshot struct {
	// Logical cores reported by the node.
	TotalUnits int
	// Cores in use by running and sleeping processes, rounded to
	// the nearest integer.
	OccupiedUnits float64
	// TotalUnits after applying the derating policy.
	DeratedTotalUnits int
}

// Available returns the number of unused derated cores. It can be
// negative on an oversubscribed node.
func (snap CPUSnapshot) Available() float64 {
	return float64(snap.DeratedTotalUnits) - snap.OccupiedUnits
}

// Fits returns true if a job needing the given number of cores can be
// placed on the node. The comparison is strict: a node with exactly
// the required number of cores free is not used.
func (snap CPUSnapshot) Fits(required int) bool {
	return snap.Available() > float64(required)
}

// CPUProbe reports a node's core count and current load.
type CPUProbe struct {
	Executor     executor.Executor
	Timeout      time.Duration
	LoadCommand  string
	CoresCommand string
	Derate       DeratePolicy
}

// NewCPUProbe returns a CPUProbe using the commands, timeout, and
// derating policy in cfg.
func NewCPUProbe(exr executor.Executor, cfg *config.Config) *CPUProbe {
	return &CPUProbe{
		Executor:     exr,
		Timeout:      cfg.ProbeTimeout.Duration(),
		LoadCommand:  cfg.CPU.LoadCommand,
		CoresCommand: cfg.CPU.CoresCommand,
		Derate:       NewDeratePolicy(cfg.CPU.Derating),
	}
}

// Probe returns a fresh snapshot of the given node.
func (p *CPUProbe) Probe(ctx context.Context, node string) (CPUSnapshot, error) {
	var snap CPUSnapshot
	load, err := run(ctx, p.Executor, p.Timeout, node, p.LoadCommand)
	if err != nil {
		return snap, fmt.Errorf("load query: %w", err)
	}
	snap.OccupiedUnits, err = ParseLoad(load)
	if err != nil {
		return snap, err
	}
	cores, err := run(ctx, p.Executor, p.Timeout, node, p.CoresCommand)
	if err != nil {
		return snap, fmt.Errorf("core count query: %w", err)
	}
	snap.TotalUnits, err = ParseCores(cores)
	if err != nil {
		return snap, err
	}
	snap.DeratedTotalUnits = snap.TotalUnits
	if p.Derate != nil {
		snap.DeratedTotalUnits = p.Derate.Derate(snap.TotalUnits)
	}
	return snap, nil
}

// ParseLoad returns the number of cores in use according to the
// output of "top -b -n1": the sum of the %CPU column over all
// processes in state R or S, divided by 100 and rounded to the
// nearest integer. Output without a process table heading ("PID
// ... S %CPU ...") is an error, as is a row whose %CPU is not a
// number.
func ParseLoad(out []byte) (float64, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return 0, fmt.Errorf("load query returned no output")
	}
	stateCol, cpuCol := -1, -1
	var total float64
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if stateCol < 0 {
			if len(fields) > 0 && fields[0] == "PID" {
				stateCol, cpuCol = indexOf(fields, "S"), indexOf(fields, "%CPU")
				if stateCol < 0 || cpuCol < 0 {
					return 0, fmt.Errorf("load query output has unexpected process table heading %q", strings.TrimSpace(line))
				}
			}
			continue
		}
		if len(fields) <= stateCol || len(fields) <= cpuCol {
			continue
		}
		if fields[stateCol] != "R" && fields[stateCol] != "S" {
			continue
		}
		pct, err := strconv.ParseFloat(fields[cpuCol], 64)
		if err != nil || pct < 0 {
			return 0, fmt.Errorf("load query returned %%CPU %q for process %s", fields[cpuCol], fields[0])
		}
		total += pct / 100
	}
	if stateCol < 0 {
		return 0, fmt.Errorf("load query output has no process table")
	}
	return math.Round(total), nil
}

func indexOf(fields []string, s string) int {
	for i, f := range fields {
		if f == s {
			return i
		}
	}
	return -1
}

// ParseCores parses the output of "nproc". Empty output means zero
// cores.
func ParseCores(out []byte) (int, error) {
	lines := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)
	first := strings.TrimSpace(lines[0])
	if first == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(first)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("core count query returned %q", first)
	}
	return n, nil
}

func run(ctx context.Context, exr executor.Executor, timeout time.Duration, node, cmd string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	stdout, _, err := exr.Execute(ctx, node, cmd, nil)
	return stdout, err
}
