// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pooldrain

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/lock"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestUsage(c *check.C) {
	for _, args := range [][]string{
		{},
		{"GPU", "x", "y"},
		{"-bogus", "GPU"},
	} {
		var stdout, stderr bytes.Buffer
		code := Command.RunCommand("pool-drain", args, nil, &stdout, &stderr)
		c.Check(code, check.Equals, 2, check.Commentf("%q", args))
		c.Check(stderr.String(), check.Not(check.Equals), "")
	}
}

func (s *CommandSuite) TestDrain(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(dir, "job.sh"), []byte("# CPU \necho ok > out-$$.txt\n"), 0644), check.IsNil)
	var gotDir string
	cmd := command{newLocker: func(cfg config.LockConfig, dir string) (lock.Locker, func(), error) {
		gotDir = dir
		return &lock.FileLocker{Dir: dir}, func() {}, nil
	}}
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("pool-drain", []string{"-config", "-", "-dir", dir, "CPU", "-a"}, bytes.NewBufferString("Log: {Level: debug}\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(gotDir, check.Equals, dir)
	c.Check(stderr.String(), check.Matches, `(?ms).*Marker=.submitters-a.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*script finished.*`)
	_, err := os.Stat(filepath.Join(dir, "job.sh"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *CommandSuite) TestLockerError(c *check.C) {
	cmd := command{newLocker: func(config.LockConfig, string) (lock.Locker, func(), error) {
		return nil, nil, errors.New("etcd unreachable")
	}}
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("pool-drain", []string{"-config", "-", "CPU"}, bytes.NewBufferString(""), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*etcd unreachable.*`)
}
