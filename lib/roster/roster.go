// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package roster loads the static list of CPU and GPU worker nodes.
package roster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Class is the resource class of a node or job.
type Class string

const (
	CPU Class = "CPU"
	GPU Class = "GPU"
)

var ErrNoNodes = errors.New("no nodes of the requested class")

// ParseClass accepts "cpu"/"gpu" in any letter case.
func ParseClass(s string) (Class, error) {
	switch Class(strings.ToUpper(strings.TrimSpace(s))) {
	case CPU:
		return CPU, nil
	case GPU:
		return GPU, nil
	default:
		return "", fmt.Errorf("invalid resource class %q (must be CPU or GPU)", s)
	}
}

// A Node is one remote worker host.
type Node struct {
	// Address used to reach the node, e.g. "node-7" or
	// "10.0.0.7:2222".
	ID    string
	Class Class
}

func (n Node) String() string {
	return n.ID
}

// A Roster is the set of known nodes, in file order within each
// class. It is read-only once loaded.
type Roster struct {
	GPU []Node
	CPU []Node
}

// Nodes returns the nodes of the given class in roster order.
func (r *Roster) Nodes(class Class) []Node {
	switch class {
	case GPU:
		return r.GPU
	case CPU:
		return r.CPU
	}
	return nil
}

// Load reads a roster file.
func Load(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading node roster: %w", err)
	}
	defer f.Close()
	r, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse reads roster data: lines starting with "#" are comments,
// every other line containing "GPU" and/or "CPU" adds a node (to
// both lists if both markers appear) whose address is the second
// whitespace-separated field. Lines with neither marker are ignored.
func Parse(rdr io.Reader) (*Roster, error) {
	r := &Roster{}
	scanner := bufio.NewScanner(rdr)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		isGPU := strings.Contains(line, string(GPU))
		isCPU := strings.Contains(line, string(CPU))
		if !isGPU && !isCPU {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected resource class and node address, got %q", lineno, line)
		}
		if isGPU {
			r.GPU = append(r.GPU, Node{ID: fields[1], Class: GPU})
		}
		if isCPU {
			r.CPU = append(r.CPU, Node{ID: fields[1], Class: CPU})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromList returns a roster with the given node addresses, all in
// the given class. It is used when nodes are named on the command
// line instead of in a roster file.
func FromList(class Class, ids []string) *Roster {
	r := &Roster{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		node := Node{ID: id, Class: class}
		switch class {
		case GPU:
			r.GPU = append(r.GPU, node)
		case CPU:
			r.CPU = append(r.CPU, node)
		}
	}
	return r
}
