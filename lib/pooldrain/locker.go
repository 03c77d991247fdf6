// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pooldrain

import (
	"fmt"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/lock"
	"git.tinkerhpc.org/jobdispatch.git/lib/lock/etcdlock"
	"git.tinkerhpc.org/jobdispatch.git/lib/lock/pglock"
)

// NewLocker returns the pool lock selected by cfg.Driver, and a
// function that releases its resources. dir is used by the flock
// driver when cfg.Directory is empty.
func NewLocker(cfg config.LockConfig, dir string) (lock.Locker, func(), error) {
	switch cfg.Driver {
	case config.LockDriverFlock, "":
		if cfg.Directory != "" {
			dir = cfg.Directory
		}
		return &lock.FileLocker{Dir: dir, RetryDelay: cfg.RetryDelay.Duration()}, func() {}, nil
	case config.LockDriverPostgreSQL:
		l := &pglock.Locker{DSN: cfg.PostgreSQL.DSN, RetryDelay: cfg.RetryDelay.Duration()}
		return l, func() { l.Close() }, nil
	case config.LockDriverEtcd:
		l, err := etcdlock.New(cfg.Etcd.Endpoints, cfg.Etcd.Prefix, cfg.Etcd.TTL.Duration())
		if err != nil {
			return nil, nil, err
		}
		return l, func() { l.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock driver %q", cfg.Driver)
	}
}
