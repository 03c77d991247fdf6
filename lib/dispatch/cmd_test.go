// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SubmitSuite{})

// fakeNodes answers CPU probe commands like an idle 8-core node and
// records everything else as a launch.
type fakeNodes struct {
	mtx      sync.Mutex
	down     bool
	launched []launch
}

func (fn *fakeNodes) Execute(ctx context.Context, node, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	fn.mtx.Lock()
	defer fn.mtx.Unlock()
	if fn.down {
		return nil, nil, errors.New("connection refused")
	}
	switch cmd {
	case "top -b -n1":
		return []byte("  PID USER PR NI VIRT RES SHR S %CPU %MEM TIME+ COMMAND\n    1 root 20 0 1 1 1 S 0.0 0.0 0:01.00 init\n"), nil, nil
	case "nproc":
		return []byte("8\n"), nil, nil
	}
	fn.launched = append(fn.launched, launch{node, cmd})
	return nil, nil, nil
}

type SubmitSuite struct {
	nodes *fakeNodes
}

func (s *SubmitSuite) SetUpTest(c *check.C) {
	s.nodes = &fakeNodes{}
}

func (s *SubmitSuite) run(args []string, configYAML string) (int, string, string) {
	cmd := submitCommand{newExecutor: func(*config.Config, logrus.FieldLogger) (executor.Executor, func(), error) {
		return s.nodes, func() {}, nil
	}}
	var stdout, stderr bytes.Buffer
	args = append([]string{"--config", "-"}, args...)
	code := cmd.RunCommand("submit", args, bytes.NewBufferString(configYAML), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (s *SubmitSuite) TestUsageErrors(c *check.C) {
	script := filepath.Join(c.MkDir(), "job.sh")
	c.Assert(os.WriteFile(script, []byte("echo hi\n"), 0644), check.IsNil)
	for _, trial := range []struct {
		args  []string
		match string
	}{
		{[]string{"-c", "true"}, `(?ms).*-t/--type is required.*`},
		{[]string{"-t", "TPU", "-c", "true"}, `(?ms).*invalid resource class "TPU".*`},
		{[]string{"-t", "cpu"}, `(?ms).*no jobs given.*`},
		{[]string{"-t", "cpu", "-c", "a", "-c", "b", "-d", "/tmp"}, `(?ms).*got 1 working directories for 2 jobs.*`},
		{[]string{"-t", "cpu", "-x", script + ".missing"}, `(?ms).*job script: .*no such file.*`},
		{[]string{"-t", "cpu", "-x", filepath.Dir(script)}, `(?ms).*is a directory.*`},
		{[]string{"-t", "cpu", "-c", " "}, `(?ms).*job command 1 is empty.*`},
		{[]string{"-t", "cpu", "--bogus"}, `(?ms).*error parsing command line arguments.*`},
	} {
		c.Logf("trial: %q", trial.args)
		code, _, stderr := s.run(trial.args, "")
		c.Check(code, check.Equals, 2)
		c.Check(stderr, check.Matches, trial.match)
		c.Check(s.nodes.launched, check.HasLen, 0)
	}
}

func (s *SubmitSuite) TestCommands(c *check.C) {
	code, _, stderr := s.run([]string{"--type=CPU", "-n", "4", "--nodes", "n1,n2", "-c", "run-a", "-c", "run-b"}, "")
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr))
	c.Check(stderr, check.Matches, `(?ms).*all jobs placed.*`)
	c.Assert(s.nodes.launched, check.HasLen, 2)
	byNode := map[string]string{}
	for _, l := range s.nodes.launched {
		byNode[l.node] = l.cmd
	}
	c.Check(byNode["n1"], check.Equals, `nohup sh -c 'run-a' </dev/null >/dev/null 2>&1 &`)
	c.Check(byNode["n2"], check.Equals, `nohup sh -c 'run-b' </dev/null >/dev/null 2>&1 &`)
}

func (s *SubmitSuite) TestScriptsAndWorkdirs(c *check.C) {
	tmp := c.MkDir()
	var scripts []string
	for _, name := range []string{"a.sh", "b.sh"} {
		fnm := filepath.Join(tmp, name)
		c.Assert(os.WriteFile(fnm, []byte("echo "+name+"\n"), 0644), check.IsNil)
		scripts = append(scripts, fnm)
	}
	code, _, stderr := s.run([]string{"-t", "cpu", "--nodes", "n1,n2,n3", "-d", "/w/1", "-d", "/w/2", "-x", scripts[0], scripts[1]}, "")
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr))
	c.Assert(s.nodes.launched, check.HasLen, 2)
	var cmds []string
	for _, l := range s.nodes.launched {
		cmds = append(cmds, l.cmd)
	}
	all := strings.Join(cmds, "\n")
	c.Check(all, check.Matches, `(?ms).*cd '\\''/w/1'\\''; sh '\\''`+regexp.QuoteMeta(tmp)+`/a.sh'\\''.*`)
	c.Check(all, check.Matches, `(?ms).*cd '\\''/w/2'\\''; sh '\\''`+regexp.QuoteMeta(tmp)+`/b.sh'\\''.*`)
}

func (s *SubmitSuite) TestRosterFromConfig(c *check.C) {
	rosterFile := filepath.Join(c.MkDir(), "nodes.dat")
	c.Assert(os.WriteFile(rosterFile, []byte("# nodes\nGPU g1\nCPU c1\n"), 0644), check.IsNil)
	code, _, stderr := s.run([]string{"-t", "cpu", "-c", "run-a"}, "Roster: "+rosterFile+"\n")
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr))
	c.Assert(s.nodes.launched, check.HasLen, 1)
	c.Check(s.nodes.launched[0].node, check.Equals, "c1")
}

func (s *SubmitSuite) TestConfigErrors(c *check.C) {
	code, _, stderr := s.run([]string{"-t", "cpu", "-c", "run-a"}, "Roster: /nonexistent/nodes.dat\n")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?ms).*loading node roster.*`)

	code, _, stderr = s.run([]string{"-t", "cpu", "-c", "run-a", "--nodes", "n1"}, "RemoteExecutor: telnet\n")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?ms).*unknown RemoteExecutor.*`)

	code, _, stderr = s.run([]string{"-t", "gpu", "-c", "run-a", "--nodes", " , "}, "")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?ms).*no nodes of the requested class.*`)
}

func (s *SubmitSuite) TestMaxWait(c *check.C) {
	s.nodes.down = true
	code, _, stderr := s.run([]string{"-t", "cpu", "-c", "run-a", "--nodes", "n1", "--max-wait", "1ns"}, "")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?ms).*giving up.*`)
	c.Check(stderr, check.Matches, `(?ms).*dispatch stopped before all jobs were placed.*Pending=1.*`)
}
