// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"bytes"
	"io"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

func (s *CmdSuite) TestBadCommand(c *check.C) {
	var stderr bytes.Buffer
	exited := handler.RunCommand("jobdispatch", []string{"no such command"}, bytes.NewReader(nil), io.Discard, &stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*pool-drain.*submit.*`)
}

func (s *CmdSuite) TestBadSubcommandArgs(c *check.C) {
	exited := handler.RunCommand("jobdispatch", []string{"submit"}, bytes.NewReader(nil), io.Discard, io.Discard)
	c.Check(exited, check.Equals, 2)
}

func (s *CmdSuite) TestVersion(c *check.C) {
	var stdout, stderr bytes.Buffer
	exited := handler.RunCommand("jobdispatch", []string{"version"}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `jobdispatch dev \(go[0-9\.]+\)\n`)
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestConfigDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	exited := handler.RunCommand("jobdispatch", []string{"config-dump", "-config", "-"}, bytes.NewBufferString("MaxWait: 1h\n"), &stdout, &stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*^MaxWait: 1h0m0s$.*`)
}
