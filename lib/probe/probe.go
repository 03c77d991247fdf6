// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package probe queries remote nodes for their current CPU and GPU
// capacity.
//
// Probes are read-only and never cache results: every call runs the
// configured query commands on the node. A probe that times out,
// cannot reach the node, or gets output it cannot parse returns an
// error, and callers treat the node as having no capacity.
package probe

import (
	"math"
	"strings"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
)

// A Classifier decides whether a process running on a GPU node
// occupies the card it is bound to.
type Classifier interface {
	IsOccupying(processName string) bool
}

// MarkerClassifier treats a process as occupying if its name
// contains any of the markers.
type MarkerClassifier []string

func (mc MarkerClassifier) IsOccupying(processName string) bool {
	for _, m := range mc {
		if m != "" && strings.Contains(processName, m) {
			return true
		}
	}
	return false
}

// A DeratePolicy maps a node's logical core count to the number of
// cores jobs may use.
type DeratePolicy interface {
	Derate(total int) int
}

// DerateTable replaces specific core counts. Counts not in the table
// are unchanged.
type DerateTable map[int]int

func (dt DerateTable) Derate(total int) int {
	if d, ok := dt[total]; ok {
		return d
	}
	return total
}

// DerateScale reserves a fixed fraction of every node.
type DerateScale float64

func (ds DerateScale) Derate(total int) int {
	return int(math.Floor(float64(total) * float64(ds)))
}

// NewDeratePolicy returns the policy selected by cfg: DerateScale if
// Scale is non-zero, otherwise DerateTable.
func NewDeratePolicy(cfg config.DeratingConfig) DeratePolicy {
	if cfg.Scale != 0 {
		return DerateScale(cfg.Scale)
	}
	return DerateTable(cfg.Table)
}
