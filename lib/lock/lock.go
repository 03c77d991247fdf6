// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package lock provides named mutual-exclusion locks shared by
// separate processes, possibly on different hosts.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	"golang.org/x/sys/unix"
)

// ErrNotHeld is returned by Release if the caller does not hold the
// lock.
var ErrNotHeld = errors.New("lock not held")

// A Locker acquires and releases locks identified by a tag. Acquire
// blocks until the lock is held or ctx is done. Every successful
// Acquire must be paired with a Release.
type Locker interface {
	Acquire(ctx context.Context, tag string) error
	Release(tag string) error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileLocker uses flock(2) on a file in Dir for each tag. Dir should
// be on a filesystem that supports flock across all participating
// hosts, or all participants should run on one host.
type FileLocker struct {
	Dir string
	// Delay between attempts while another process holds the
	// lock.
	RetryDelay time.Duration

	mtx  sync.Mutex
	held map[string]*os.File
}

// Path returns the lock file used for tag.
func (fl *FileLocker) Path(tag string) string {
	return filepath.Join(fl.Dir, ".jobdispatch-lock-"+unsafeChars.ReplaceAllString(tag, "_"))
}

// Acquire implements Locker.
func (fl *FileLocker) Acquire(ctx context.Context, tag string) error {
	logger := ctxlog.FromContext(ctx).WithField("Tag", tag)
	path := fl.Path(tag)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	delay := fl.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	waiting := false
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		} else if err != unix.EWOULDBLOCK && err != unix.EINTR {
			f.Close()
			return fmt.Errorf("flock %s: %w", path, err)
		}
		if !waiting {
			logger.Debug("waiting for other process to release lock")
			waiting = true
		}
		select {
		case <-ctx.Done():
			f.Close()
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	fl.mtx.Lock()
	defer fl.mtx.Unlock()
	if fl.held == nil {
		fl.held = map[string]*os.File{}
	}
	fl.held[tag] = f
	logger.Debug("acquired lock")
	return nil
}

// Release implements Locker.
func (fl *FileLocker) Release(tag string) error {
	fl.mtx.Lock()
	defer fl.mtx.Unlock()
	f, ok := fl.held[tag]
	if !ok {
		return ErrNotHeld
	}
	delete(fl.held, tag)
	// Closing the file releases the flock.
	return f.Close()
}
