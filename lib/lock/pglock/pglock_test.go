// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pglock

import (
	"context"
	"os"
	"testing"
	"time"

	"git.tinkerhpc.org/jobdispatch.git/lib/lock"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct {
	dsn string
}

func (s *suite) SetUpSuite(c *check.C) {
	s.dsn = os.Getenv("JOBDISPATCH_TEST_PGDSN")
}

func (s *suite) TestKey(c *check.C) {
	c.Check(Key("CPU"), check.Equals, Key("CPU"))
	c.Check(Key("CPU"), check.Not(check.Equals), Key("GPU"))
}

func (s *suite) TestReleaseNotHeld(c *check.C) {
	l := &Locker{DSN: "postgres://localhost/none"}
	c.Check(l.Release("CPU"), check.Equals, lock.ErrNotHeld)
	c.Check(l.Close(), check.IsNil)
}

func (s *suite) TestLock(c *check.C) {
	if s.dsn == "" {
		c.Skip("JOBDISPATCH_TEST_PGDSN not set")
	}
	l1 := &Locker{DSN: s.dsn, RetryDelay: 10 * time.Millisecond}
	defer l1.Close()
	l2 := &Locker{DSN: s.dsn, RetryDelay: 10 * time.Millisecond}
	defer l2.Close()

	c.Assert(l1.Acquire(context.Background(), "pglock-test"), check.IsNil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c.Check(l2.Acquire(ctx, "pglock-test"), check.Equals, context.DeadlineExceeded)

	acquired := make(chan error)
	go func() {
		acquired <- l2.Acquire(context.Background(), "pglock-test")
	}()
	time.Sleep(50 * time.Millisecond)
	c.Check(l1.Release("pglock-test"), check.IsNil)
	select {
	case err := <-acquired:
		c.Check(err, check.IsNil)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for second locker")
	}
	c.Check(l2.Release("pglock-test"), check.IsNil)
}
