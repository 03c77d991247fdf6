// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch places queued jobs on remote nodes that have spare
// capacity.
//
// A Dispatcher works in passes. Each pass sweeps the roster of a
// resource class in order, probes each node, and launches as many
// pending jobs as the probe results allow: at most one job per CPU
// node, and one job per free card on a GPU node. Jobs are launched
// detached and never tracked after hand-off. Passes repeat, with a
// delay in between, until the queue is empty.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor"
	"git.tinkerhpc.org/jobdispatch.git/lib/probe"
	"git.tinkerhpc.org/jobdispatch.git/lib/roster"
	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrStarved is returned by Run when no job could be placed for
// longer than the configured MaxWait.
var ErrStarved = errors.New("no capacity for pending jobs within the maximum wait time")

// State is the state of a Dispatcher.
type State int

const (
	// StateDraining means jobs are pending.
	StateDraining State = iota
	// StateDone means the queue is empty. It is terminal.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateDraining:
		return "Draining"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// A Dispatcher drains one queue of jobs. Use New to create one
// Dispatcher per run.
type Dispatcher struct {
	logger        logrus.FieldLogger
	executor      executor.Executor
	cpuProbe      CPUProber
	gpuProbe      GPUProber
	roster        *roster.Roster
	cpuSettle     time.Duration
	gpuSettle     time.Duration
	idleBackoff   backoff.BackOff
	maxWait       time.Duration
	launchTimeout time.Duration
	launchLimiter *rate.Limiter

	// (for testing) replacements for time.Now and a
	// context-aware time.Sleep
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	queue    *Queue
	state    State
	mtx      sync.Mutex
	launches sync.WaitGroup
	runOnce  sync.Once

	mPending      *prometheus.GaugeVec
	mPlaced       *prometheus.CounterVec
	mProbeFailure *prometheus.CounterVec
	mPasses       *prometheus.CounterVec
	mLaunchErrors *prometheus.CounterVec
}

// New returns a Dispatcher that places jobs on the nodes in rst,
// probing and launching through exr.
func New(ctx context.Context, cfg *config.Config, exr executor.Executor, rst *roster.Roster, reg *prometheus.Registry) *Dispatcher {
	d := &Dispatcher{
		logger:        ctxlog.FromContext(ctx),
		executor:      exr,
		cpuProbe:      probe.NewCPUProbe(exr, cfg),
		gpuProbe:      probe.NewGPUProbe(exr, cfg),
		roster:        rst,
		cpuSettle:     cfg.CPU.SettleDelay.Duration(),
		gpuSettle:     cfg.GPU.SettleDelay.Duration(),
		idleBackoff:   newIdleBackoff(cfg.IdleBackoff),
		maxWait:       cfg.MaxWait.Duration(),
		launchTimeout: cfg.LaunchTimeout.Duration(),
		now:           time.Now,
		sleep:         sleepCtx,
		queue:         NewQueue(),
	}
	if cfg.LaunchRate > 0 {
		d.launchLimiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), 1)
	}
	d.registerMetrics(reg)
	return d
}

func newIdleBackoff(cfg config.BackoffConfig) backoff.BackOff {
	if cfg.Kind != config.BackoffExponential {
		return backoff.NewConstantBackOff(cfg.Interval.Duration())
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Interval.Duration()
	b.MaxInterval = cfg.MaxInterval.Duration()
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (d *Dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.mPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobdispatch",
		Subsystem: "dispatch",
		Name:      "jobs_pending",
		Help:      "Number of jobs not yet placed on a node.",
	}, []string{"class"})
	reg.MustRegister(d.mPending)
	d.mPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Subsystem: "dispatch",
		Name:      "jobs_placed_total",
		Help:      "Number of jobs handed off to a node.",
	}, []string{"class"})
	reg.MustRegister(d.mPlaced)
	d.mProbeFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Subsystem: "dispatch",
		Name:      "probe_failures_total",
		Help:      "Number of capacity probes that failed (node treated as full).",
	}, []string{"class"})
	reg.MustRegister(d.mProbeFailure)
	d.mPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Subsystem: "dispatch",
		Name:      "passes_total",
		Help:      "Number of placement passes, by whether any job was placed.",
	}, []string{"class", "result"})
	reg.MustRegister(d.mPasses)
	d.mLaunchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Subsystem: "dispatch",
		Name:      "launch_errors_total",
		Help:      "Number of job hand-offs that returned an error.",
	}, []string{"class"})
	reg.MustRegister(d.mLaunchErrors)
}

// State returns the current state.
func (d *Dispatcher) State() State {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.state
}

func (d *Dispatcher) setState(s State) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.state = s
}

// Run places the given jobs and returns nil once every job has been
// handed off to a node. It returns early with ctx.Err() if ctx is
// done, or ErrStarved if a maximum wait is configured and exceeded.
// In all cases Run waits for hand-offs already in progress before
// returning.
//
// Run can only be called once per Dispatcher.
func (d *Dispatcher) Run(ctx context.Context, jobs []*Job) error {
	err := errors.New("Dispatcher.Run called more than once")
	d.runOnce.Do(func() {
		err = d.run(ctx, jobs)
	})
	return err
}

func (d *Dispatcher) run(ctx context.Context, jobs []*Job) error {
	defer d.launches.Wait()
	d.queue = NewQueue(jobs...)
	d.updateMetrics()
	d.idleBackoff.Reset()
	lastPlaced := d.now()
	for pass := 1; d.queue.Len() > 0; pass++ {
		placed := map[roster.Class]int{}
		for _, class := range []roster.Class{roster.CPU, roster.GPU} {
			if d.queue.Pending(class) == 0 {
				continue
			}
			if len(d.roster.Nodes(class)) == 0 {
				return roster.ErrNoNodes
			}
			if class == roster.CPU {
				placed[class] = d.cpuPass(ctx)
			} else {
				placed[class] = d.gpuPass(ctx)
			}
			result := "idle"
			if placed[class] > 0 {
				result = "placed"
			}
			d.mPasses.WithLabelValues(string(class), result).Inc()
		}
		d.updateMetrics()
		d.logger.WithFields(logrus.Fields{
			"Pass":      pass,
			"PlacedCPU": placed[roster.CPU],
			"PlacedGPU": placed[roster.GPU],
			"Pending":   d.queue.Len(),
		}).Info("pass complete")
		if d.queue.Len() == 0 {
			break
		}

		var delay time.Duration
		if placed[roster.CPU]+placed[roster.GPU] > 0 {
			lastPlaced = d.now()
			d.idleBackoff.Reset()
			// Wait long enough for the new jobs to show up
			// in the next probe of each class that placed
			// any.
			if placed[roster.CPU] > 0 {
				delay = d.cpuSettle
			}
			if placed[roster.GPU] > 0 && d.gpuSettle > delay {
				delay = d.gpuSettle
			}
			// The settle delay counts from hand-off, not
			// from placement.
			d.launches.Wait()
		} else {
			if d.maxWait > 0 && d.now().Sub(lastPlaced) >= d.maxWait {
				d.logger.WithField("MaxWait", d.maxWait).Error("giving up")
				return ErrStarved
			}
			delay = d.idleBackoff.NextBackOff()
			if delay == backoff.Stop {
				return ErrStarved
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		d.logger.WithField("Delay", delay).Debug("sleeping before next pass")
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
	d.setState(StateDone)
	return nil
}

// Pending returns the jobs not yet placed, in queue order. It must
// not be called while Run is running.
func (d *Dispatcher) Pending() []*Job {
	return d.queue.Jobs()
}

func (d *Dispatcher) updateMetrics() {
	for _, class := range []roster.Class{roster.CPU, roster.GPU} {
		d.mPending.WithLabelValues(string(class)).Set(float64(d.queue.Pending(class)))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
