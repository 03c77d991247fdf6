// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pooldrain runs job scripts left in a shared directory by
// submitters, one worker per resource tag at a time.
package pooldrain

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/lock"
	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Worker drains the script pool in Directory. Scripts are selected
// by ScriptPattern and by mentioning the tag as a whitespace-delimited
// word.
type Worker struct {
	Locker        lock.Locker
	Directory     string
	ScriptPattern string
	Shell         string
	Interval      time.Duration

	runScript func(ctx context.Context, dir string, shell []string, script string) ([]byte, error)
	wait      func(ctx context.Context, d time.Duration, wake <-chan struct{})

	mScripts  *prometheus.CounterVec
	mLockWait *prometheus.SummaryVec
}

// NewWorker returns a Worker configured by cfg. If reg is nil, a
// private registry is used.
func NewWorker(cfg config.PoolConfig, locker lock.Locker, tag string, reg *prometheus.Registry) *Worker {
	w := &Worker{
		Locker:        locker,
		Directory:     cfg.Directory,
		ScriptPattern: cfg.ScriptPattern,
		Shell:         cfg.Shell,
		Interval:      cfg.Interval(tag),
	}
	w.registerMetrics(reg)
	return w
}

func (w *Worker) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	w.mScripts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobdispatch",
		Subsystem: "pooldrain",
		Name:      "scripts_total",
		Help:      "Number of pool scripts run, by outcome.",
	}, []string{"tag", "result"})
	reg.MustRegister(w.mScripts)
	w.mLockWait = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  "jobdispatch",
		Subsystem:  "pooldrain",
		Name:       "lock_wait_seconds",
		Help:       "Time spent waiting for the pool lock.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"tag"})
	reg.MustRegister(w.mLockWait)
}

// Run drains the pool every Interval while the marker file exists,
// then drains it exactly once more. If ctx is canceled, Run returns
// ctx.Err() without the final pass.
func (w *Worker) Run(ctx context.Context, tag, marker string) error {
	if w.mScripts == nil {
		w.registerMetrics(nil)
	}
	logger := ctxlog.FromContext(ctx).WithField("Tag", tag)
	markerPath := filepath.Join(w.Directory, marker)
	wake, stop := w.watchMarker(logger, markerPath)
	defer stop()
	wait := w.wait
	if wait == nil {
		wait = waitTimer
	}
	for markerExists(markerPath) {
		w.Drain(ctx, tag)
		wait(ctx, w.Interval, wake)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	logger.WithField("Marker", markerPath).Info("marker is gone, final pass")
	w.Drain(ctx, tag)
	return ctx.Err()
}

func markerExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func waitTimer(ctx context.Context, d time.Duration, wake <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// watchMarker returns a channel that receives a value when the
// marker is removed or renamed. If the directory cannot be watched,
// the returned channel is nil and Run relies on its timer.
func (w *Worker) watchMarker(logger logrus.FieldLogger, path string) (<-chan struct{}, func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Warn("fsnotify setup failed")
		return nil, func() {}
	}
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		logger.WithError(err).Warn("pool directory watcher failed")
		watcher.Close()
		return nil, func() {}
	}
	wake := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(path) || !(ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("pool directory watcher error")
			}
		}
	}()
	return wake, func() { watcher.Close() }
}

// Drain runs every pool script for tag while holding the tag's lock,
// and returns the number of scripts run. Each script is deleted after
// it runs, whether or not it succeeded. The only error returned is
// failure to acquire the lock.
func (w *Worker) Drain(ctx context.Context, tag string) (int, error) {
	if w.mScripts == nil {
		w.registerMetrics(nil)
	}
	logger := ctxlog.FromContext(ctx).WithField("Tag", tag)
	t0 := time.Now()
	err := w.Locker.Acquire(ctx, tag)
	if err != nil {
		logger.WithError(err).Warn("error acquiring pool lock")
		return 0, err
	}
	defer func() {
		if err := w.Locker.Release(tag); err != nil {
			logger.WithError(err).Warn("error releasing pool lock")
		}
	}()
	w.mLockWait.WithLabelValues(tag).Observe(time.Since(t0).Seconds())

	scripts, err := w.Scripts(tag)
	if err != nil {
		logger.WithError(err).Warn("error listing pool scripts")
		return 0, nil
	}
	shell, err := shlex.Split(w.Shell)
	if err != nil || len(shell) == 0 {
		shell = []string{"sh"}
	}
	run := w.runScript
	if run == nil {
		run = runScript
	}
	for _, script := range scripts {
		if ctx.Err() != nil {
			break
		}
		logger := logger.WithField("Script", script)
		t0 := time.Now()
		out, err := run(ctx, w.Directory, shell, script)
		if err != nil {
			logger.WithError(err).WithField("Output", string(out)).Warn("script failed")
			w.mScripts.WithLabelValues(tag, "fail").Inc()
		} else {
			logger.WithField("Elapsed", time.Since(t0).String()).Info("script finished")
			w.mScripts.WithLabelValues(tag, "success").Inc()
		}
		err = os.Remove(filepath.Join(w.Directory, script))
		if err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Warn("error deleting script")
		}
	}
	return len(scripts), nil
}

// Scripts returns the names (relative to Directory, sorted) of the
// pool scripts that mention tag.
func (w *Worker) Scripts(tag string) ([]string, error) {
	pattern := w.ScriptPattern
	if pattern == "" {
		pattern = "*.sh"
	}
	matches, err := doublestar.Glob(os.DirFS(w.Directory), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	var scripts []string
	for _, name := range matches {
		ok, err := mentions(filepath.Join(w.Directory, name), tag)
		if err != nil {
			// Another worker may have removed it since the
			// glob, or it is a directory.
			continue
		}
		if ok {
			scripts = append(scripts, name)
		}
	}
	return scripts, nil
}

func mentions(path, word string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		for _, field := range strings.Fields(scanner.Text()) {
			if field == word {
				return true, nil
			}
		}
	}
	return false, scanner.Err()
}

func runScript(ctx context.Context, dir string, shell []string, script string) ([]byte, error) {
	args := append(append([]string(nil), shell[1:]...), script)
	cmd := exec.CommandContext(ctx, shell[0], args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
