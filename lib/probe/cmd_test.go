// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package probe

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor"
	"git.tinkerhpc.org/jobdispatch.git/lib/roster"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct {
	exr stubExecutor
}

func (s *CommandSuite) SetUpTest(c *check.C) {
	s.exr = stubExecutor{
		"c1": {"top -b -n1": topOutput, "nproc": "64\n"},
		"g1": {"nvidia-smi --list-gpus": listOutput, "nvidia-smi": smiOutput},
	}
}

func (s *CommandSuite) command() command {
	return command{newExecutor: func(*config.Config, logrus.FieldLogger) (executor.Executor, func(), error) {
		return s.exr, func() {}, nil
	}}
}

func (s *CommandSuite) TestReport(c *check.C) {
	reports := Report(context.Background(), s.exr, config.Default(), []roster.Node{
		{ID: "c1", Class: roster.CPU},
		{ID: "c2", Class: roster.CPU},
		{ID: "g1", Class: roster.GPU},
	})
	c.Assert(reports, check.HasLen, 3)
	c.Check(reports[0], check.DeepEquals, NodeReport{Node: "c1", Class: roster.CPU, Cores: 64, UsableCores: 44, Load: "10 busy, 34 free"})
	c.Check(reports[1].Error, check.Matches, `load query: .*`)
	c.Check(reports[2].FreeCards, check.DeepEquals, []int{0, 2, 3})
	c.Check(reports[2].OccupiedCards, check.DeepEquals, []int{1})
}

func (s *CommandSuite) TestRosterNodes(c *check.C) {
	rosterFile := filepath.Join(c.MkDir(), "nodes.dat")
	err := os.WriteFile(rosterFile, []byte("# test roster\nGPU g1\nCPU c1\n"), 0644)
	c.Assert(err, check.IsNil)

	var stdout, stderr bytes.Buffer
	code := s.command().RunCommand("probe", []string{"-config", "-", "-type", "gpu"}, bytes.NewBufferString("Roster: "+rosterFile+"\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	var reports []NodeReport
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &reports), check.IsNil)
	c.Assert(reports, check.HasLen, 1)
	c.Check(reports[0].Node, check.Equals, "g1")
	c.Check(reports[0].FreeCards, check.DeepEquals, []int{0, 2, 3})

	stdout.Reset()
	code = s.command().RunCommand("probe", []string{"-config", "-"}, bytes.NewBufferString("Roster: "+rosterFile+"\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)- Class: CPU\n.*Node: c1\n.*- Cards:.*Node: g1\n.*`)
}

func (s *CommandSuite) TestExplicitNodes(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := s.command().RunCommand("probe", []string{"-config", "-", "-type", "CPU", "c1"}, bytes.NewBufferString(""), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*UsableCores: 44\n.*`)

	stdout.Reset()
	code = s.command().RunCommand("probe", []string{"-config", "-", "c1"}, bytes.NewBufferString(""), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `-type is required.*\n`)

	stderr.Reset()
	code = s.command().RunCommand("probe", []string{"-config", "-", "-type", "TPU", "c1"}, bytes.NewBufferString(""), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `invalid resource class "TPU".*\n`)
}

func (s *CommandSuite) TestMissingRoster(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := s.command().RunCommand("probe", []string{"-config", "-"}, bytes.NewBufferString("Roster: /nonexistent/nodes.dat\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*loading node roster.*`)
}
