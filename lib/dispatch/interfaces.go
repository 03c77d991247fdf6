// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"

	"git.tinkerhpc.org/jobdispatch.git/lib/probe"
)

// A CPUProber reports the current load of a CPU node.
type CPUProber interface {
	Probe(ctx context.Context, node string) (probe.CPUSnapshot, error)
}

// A GPUProber reports which cards on a GPU node are free.
type GPUProber interface {
	Probe(ctx context.Context, node string) (probe.GPUSnapshot, error)
}
