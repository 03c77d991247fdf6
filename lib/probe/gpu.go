// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package probe

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor"
)

// GPUSnapshot is the state of a GPU node at the time of a probe.
type GPUSnapshot struct {
	// Card indices available for placement, in order. With
	// double-booking enabled an index can appear twice.
	TotalCardIndices []int
	// Cards running at least one occupying process.
	OccupiedCardIndices map[int]bool
}

// FreeCards returns TotalCardIndices minus every occupied index, in
// order. A card is either free or fully occupied: an occupied card
// is removed entirely even if it was double-booked.
func (snap GPUSnapshot) FreeCards() []int {
	free := []int{}
	for _, idx := range snap.TotalCardIndices {
		if !snap.OccupiedCardIndices[idx] {
			free = append(free, idx)
		}
	}
	return free
}

// Occupied returns the occupied card indices in ascending order.
func (snap GPUSnapshot) Occupied() []int {
	occ := make([]int, 0, len(snap.OccupiedCardIndices))
	for idx := range snap.OccupiedCardIndices {
		occ = append(occ, idx)
	}
	sort.Ints(occ)
	return occ
}

// GPUProbe reports which cards on a node are free.
type GPUProbe struct {
	Executor       executor.Executor
	Timeout        time.Duration
	ListCommand    string
	ProcessCommand string
	Classifier     Classifier
	// Offer each card twice.
	DoubleBook bool
	// If not empty, double-book only cards whose description
	// contains one of these strings.
	DoubleBookModels []string
}

// NewGPUProbe returns a GPUProbe using the commands, timeout, and
// occupancy markers in cfg.
func NewGPUProbe(exr executor.Executor, cfg *config.Config) *GPUProbe {
	return &GPUProbe{
		Executor:         exr,
		Timeout:          cfg.ProbeTimeout.Duration(),
		ListCommand:      cfg.GPU.ListCommand,
		ProcessCommand:   cfg.GPU.ProcessCommand,
		Classifier:       MarkerClassifier(cfg.GPU.OccupyingProcesses),
		DoubleBook:       cfg.GPU.DoubleBook,
		DoubleBookModels: cfg.GPU.DoubleBookModels,
	}
}

// Probe returns a fresh snapshot of the given node.
func (p *GPUProbe) Probe(ctx context.Context, node string) (GPUSnapshot, error) {
	var snap GPUSnapshot
	list, err := run(ctx, p.Executor, p.Timeout, node, p.ListCommand)
	if err != nil {
		return snap, fmt.Errorf("card list query: %w", err)
	}
	cards, err := ParseCardList(list)
	if err != nil {
		return snap, err
	}
	for _, card := range cards {
		snap.TotalCardIndices = append(snap.TotalCardIndices, card.Index)
		if p.doubleBook(card.Model) {
			snap.TotalCardIndices = append(snap.TotalCardIndices, card.Index)
		}
	}
	procs, err := run(ctx, p.Executor, p.Timeout, node, p.ProcessCommand)
	if err != nil {
		return GPUSnapshot{}, fmt.Errorf("process query: %w", err)
	}
	rows, err := ParseProcesses(procs)
	if err != nil {
		return GPUSnapshot{}, err
	}
	snap.OccupiedCardIndices = map[int]bool{}
	for _, proc := range rows {
		if p.Classifier != nil && p.Classifier.IsOccupying(proc.Name) {
			snap.OccupiedCardIndices[proc.Card] = true
		}
	}
	return snap, nil
}

func (p *GPUProbe) doubleBook(model string) bool {
	if !p.DoubleBook {
		return false
	}
	if len(p.DoubleBookModels) == 0 {
		return true
	}
	for _, m := range p.DoubleBookModels {
		if strings.Contains(model, m) {
			return true
		}
	}
	return false
}

// Card is one entry of the card list.
type Card struct {
	Index int
	Model string
}

var (
	listGPURe = regexp.MustCompile(`^GPU (\d+): *(.*?)(?: \(UUID: .*\))?$`)
	listMIGRe = regexp.MustCompile(`^MIG .*Device +\d+:`)
)

// ParseCardList parses the output of "nvidia-smi --list-gpus", one
// "GPU N: model" line per card. MIG device lines are skipped; any
// other line (e.g., "No devices were found") is an error.
func ParseCardList(out []byte) ([]Card, error) {
	var cards []Card
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || listMIGRe.MatchString(line) {
			continue
		}
		m := listGPURe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("card list query returned %q", line)
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("card list query returned %q", line)
		}
		cards = append(cards, Card{Index: idx, Model: m[2]})
	}
	return cards, nil
}

// Process is one row of the nvidia-smi process table.
type Process struct {
	Card int
	PID  int
	Name string
}

var processTypes = map[string]bool{"C": true, "G": true, "C+G": true, "M": true, "M+C": true}

// ParseProcesses returns the rows of the "Processes:" table in
// nvidia-smi output. Output without that table is an error.
func ParseProcesses(out []byte) ([]Process, error) {
	lines := strings.Split(string(out), "\n")
	found := false
	for i, line := range lines {
		if strings.Contains(line, "Processes:") {
			lines, found = lines[i+1:], true
			break
		}
	}
	if !found {
		msg := strings.TrimSpace(string(out))
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		return nil, fmt.Errorf("process query output has no process table: %q", msg)
	}
	procs := []Process{}
	for _, line := range lines {
		fields := strings.Fields(strings.Trim(strings.TrimSpace(line), "|"))
		if len(fields) < 2 {
			continue
		}
		card, err := strconv.Atoi(fields[0])
		if err != nil {
			// headings, separators, "No running
			// processes found"
			continue
		}
		proc := Process{Card: card}
		for i := 1; i < len(fields); i++ {
			if pid, err := strconv.Atoi(fields[i]); err == nil {
				proc.PID = pid
				continue
			}
			if processTypes[fields[i]] {
				name := fields[i+1:]
				if n := len(name); n > 1 && strings.HasSuffix(name[n-1], "MiB") {
					name = name[:n-1]
				}
				proc.Name = strings.Join(name, " ")
				break
			}
		}
		if proc.Name == "" {
			proc.Name = strings.Join(fields[1:], " ")
		}
		procs = append(procs, proc)
	}
	return procs, nil
}
