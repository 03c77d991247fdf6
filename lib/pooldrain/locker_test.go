// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pooldrain

import (
	"time"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/lock"
	"git.tinkerhpc.org/jobdispatch.git/lib/lock/pglock"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LockerSuite{})

type LockerSuite struct{}

func (s *LockerSuite) TestNewLocker(c *check.C) {
	cfg := config.Default().Pool.Lock
	l, done, err := NewLocker(cfg, "/pool")
	c.Assert(err, check.IsNil)
	defer done()
	c.Check(l.(*lock.FileLocker).Dir, check.Equals, "/pool")
	c.Check(l.(*lock.FileLocker).RetryDelay, check.Equals, time.Second)

	cfg.Directory = "/locks"
	l, _, err = NewLocker(cfg, "/pool")
	c.Assert(err, check.IsNil)
	c.Check(l.(*lock.FileLocker).Dir, check.Equals, "/locks")

	cfg.Driver = config.LockDriverPostgreSQL
	cfg.PostgreSQL.DSN = "postgres://localhost/jobdispatch"
	l, done, err = NewLocker(cfg, "/pool")
	c.Assert(err, check.IsNil)
	c.Check(l.(*pglock.Locker).DSN, check.Equals, "postgres://localhost/jobdispatch")
	// every driver reports the same error for a lock it doesn't hold
	c.Check(l.Release("CPU"), check.Equals, lock.ErrNotHeld)
	done()

	cfg.Driver = "zookeeper"
	_, _, err = NewLocker(cfg, "/pool")
	c.Check(err, check.ErrorMatches, `unknown lock driver "zookeeper"`)
}
