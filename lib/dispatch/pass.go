// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"strconv"

	"git.tinkerhpc.org/jobdispatch.git/lib/executor"
	"git.tinkerhpc.org/jobdispatch.git/lib/roster"
	"github.com/sirupsen/logrus"
)

// cpuPass offers the oldest pending CPU job to each CPU node in
// roster order, placing at most one job per node. It returns the
// number of jobs placed.
func (d *Dispatcher) cpuPass(ctx context.Context) int {
	placed := 0
	for _, node := range d.roster.Nodes(roster.CPU) {
		job := d.queue.Next(roster.CPU)
		if job == nil {
			break
		}
		logger := d.logger.WithFields(logrus.Fields{
			"Node":  node.ID,
			"Class": roster.CPU,
		})
		snap, err := d.cpuProbe.Probe(ctx, node.ID)
		if err != nil {
			logger.WithError(err).Warn("probe failed, treating node as full")
			d.mProbeFailure.WithLabelValues(string(roster.CPU)).Inc()
			continue
		}
		if !snap.Fits(job.RequiredUnits) {
			logger.WithFields(logrus.Fields{
				"Available": snap.Available(),
				"Required":  job.RequiredUnits,
			}).Debug("not enough free cores")
			continue
		}
		if !d.launch(ctx, node, job, nil, logger) {
			break
		}
		placed++
	}
	return placed
}

// gpuPass binds the oldest pending GPU jobs to every free card of
// each GPU node in roster order. It returns the number of jobs
// placed.
func (d *Dispatcher) gpuPass(ctx context.Context) int {
	placed := 0
	for _, node := range d.roster.Nodes(roster.GPU) {
		if d.queue.Next(roster.GPU) == nil {
			break
		}
		logger := d.logger.WithFields(logrus.Fields{
			"Node":  node.ID,
			"Class": roster.GPU,
		})
		snap, err := d.gpuProbe.Probe(ctx, node.ID)
		if err != nil {
			logger.WithError(err).Warn("probe failed, treating node as full")
			d.mProbeFailure.WithLabelValues(string(roster.GPU)).Inc()
			continue
		}
		for _, card := range snap.FreeCards() {
			job := d.queue.Next(roster.GPU)
			if job == nil {
				break
			}
			env := map[string]string{"CUDA_VISIBLE_DEVICES": strconv.Itoa(card)}
			if !d.launch(ctx, node, job, env, logger.WithField("Card", card)) {
				return placed
			}
			placed++
		}
	}
	return placed
}

// launch removes job from the queue and hands it off to node in the
// background. The outcome of the job itself is never observed. If a
// launch rate is configured, launch first waits for the limiter and
// returns false, leaving job queued, if ctx is done before then.
func (d *Dispatcher) launch(ctx context.Context, node roster.Node, job *Job, env map[string]string, logger logrus.FieldLogger) bool {
	logger = logger.WithField("JobUUID", job.UUID)
	if d.launchLimiter != nil {
		if err := d.launchLimiter.Wait(ctx); err != nil {
			logger.WithError(err).Info("launch abandoned, job stays queued")
			return false
		}
	}
	d.queue.Remove(job)
	d.mPlaced.WithLabelValues(string(job.Class)).Inc()
	logger.WithField("Command", job.Command).Info("launching job")
	cmd := executor.Detach(executor.WithEnv(env, job.WorkingDirectory, job.Command))
	d.launches.Add(1)
	go func() {
		defer d.launches.Done()
		lctx := ctx
		if d.launchTimeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(ctx, d.launchTimeout)
			defer cancel()
		}
		_, stderr, err := d.executor.Execute(lctx, node.ID, cmd, nil)
		if err != nil {
			logger.WithError(err).WithField("Stderr", string(stderr)).Warn("launch failed")
			d.mLaunchErrors.WithLabelValues(string(job.Class)).Inc()
			return
		}
		logger.Debug("launch handed off")
	}()
	return true
}
