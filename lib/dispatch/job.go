// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"git.tinkerhpc.org/jobdispatch.git/lib/roster"
	"github.com/google/uuid"
)

// A Job is a shell command to be started on a node of the given
// resource class. It is never modified after it is queued.
type Job struct {
	// Identifies the job in logs.
	UUID             string
	Command          string
	WorkingDirectory string
	Class            roster.Class
	// Logical cores needed by a CPU job. GPU jobs always use one
	// card.
	RequiredUnits int
}

// NewJob returns a Job with a new random UUID.
func NewJob(command, workdir string, class roster.Class, requiredUnits int) *Job {
	return &Job{
		UUID:             uuid.NewString(),
		Command:          command,
		WorkingDirectory: workdir,
		Class:            class,
		RequiredUnits:    requiredUnits,
	}
}

// Queue is a FIFO of pending jobs. It is owned by a single
// Dispatcher and is not safe for concurrent use.
type Queue struct {
	jobs []*Job
}

// NewQueue returns a queue containing the given jobs in order.
func NewQueue(jobs ...*Job) *Queue {
	return &Queue{jobs: append([]*Job(nil), jobs...)}
}

// Len returns the number of pending jobs of all classes.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Pending returns the number of pending jobs of the given class.
func (q *Queue) Pending(class roster.Class) int {
	n := 0
	for _, job := range q.jobs {
		if job.Class == class {
			n++
		}
	}
	return n
}

// Next returns the oldest pending job of the given class, or nil.
func (q *Queue) Next(class roster.Class) *Job {
	for _, job := range q.jobs {
		if job.Class == class {
			return job
		}
	}
	return nil
}

// Remove deletes job from the queue. The relative order of the
// remaining jobs is unchanged.
func (q *Queue) Remove(job *Job) {
	for i, j := range q.jobs {
		if j == job {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return
		}
	}
}

// Jobs returns a copy of the pending jobs in queue order.
func (q *Queue) Jobs() []*Job {
	return append([]*Job(nil), q.jobs...)
}
