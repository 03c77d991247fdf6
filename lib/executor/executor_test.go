// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"io"
	"os/exec"
	"testing"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	"git.tinkerhpc.org/jobdispatch.git/lib/executor/cliexecutor"
	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ExecutorSuite{})

type ExecutorSuite struct{}

func (s *ExecutorSuite) TestShellQuote(c *check.C) {
	c.Check(ShellQuote("plain"), check.Equals, `'plain'`)
	c.Check(ShellQuote("it's"), check.Equals, `'it'\''s'`)
	c.Check(ShellQuote(""), check.Equals, `''`)

	// round trip through a real shell
	out, err := exec.Command("sh", "-c", "printf %s "+ShellQuote(`a 'b' "c" $d \e`)).Output()
	c.Assert(err, check.IsNil)
	c.Check(string(out), check.Equals, `a 'b' "c" $d \e`)
}

func (s *ExecutorSuite) TestWithEnv(c *check.C) {
	c.Check(WithEnv(nil, "", "run.sh"), check.Equals, "run.sh")
	c.Check(WithEnv(nil, "/tmp/job 1", "sh run.sh"), check.Equals, `cd '/tmp/job 1'; sh run.sh`)
	c.Check(WithEnv(map[string]string{"CUDA_VISIBLE_DEVICES": "2", "A": "b"}, "", "dynamic9"),
		check.Equals, `export A='b'; export CUDA_VISIBLE_DEVICES='2'; dynamic9`)

	out, err := exec.Command("sh", "-c", WithEnv(map[string]string{"X": "it's"}, "/", "echo $X $(pwd)")).Output()
	c.Assert(err, check.IsNil)
	c.Check(string(out), check.Equals, "it's /\n")
}

func (s *ExecutorSuite) TestDetach(c *check.C) {
	c.Check(Detach("cd /x; sh a.sh"), check.Equals, `nohup sh -c 'cd /x; sh a.sh' </dev/null >/dev/null 2>&1 &`)

	// The wrapper returns without waiting for the job.
	dir := c.MkDir()
	err := exec.Command("sh", "-c", Detach("sleep 0.2; touch "+dir+"/done")).Run()
	c.Assert(err, check.IsNil)
	_, err = exec.Command("test", "-e", dir+"/done").Output()
	c.Check(err, check.NotNil)
}

func (s *ExecutorSuite) TestFunc(c *check.C) {
	var got string
	var exr Executor = Func(func(ctx context.Context, node, cmd string, stdin io.Reader) ([]byte, []byte, error) {
		got = node + ": " + cmd
		return []byte("ok"), nil, nil
	})
	stdout, _, err := exr.Execute(context.Background(), "n1", "true", nil)
	c.Check(err, check.IsNil)
	c.Check(string(stdout), check.Equals, "ok")
	c.Check(got, check.Equals, "n1: true")
}

func (s *ExecutorSuite) TestFromConfig(c *check.C) {
	cfg := config.Default()
	exr, done, err := FromConfig(cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer done()
	c.Check(exr, check.FitsTypeOf, &cliexecutor.Executor{})

	cfg.RemoteExecutor = config.ExecutorNative
	cfg.SSH.PrivateKeyFile = c.MkDir() + "/missing"
	_, _, err = FromConfig(cfg, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `reading private key: .*`)

	cfg.RemoteExecutor = "rsh"
	_, _, err = FromConfig(cfg, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `unknown RemoteExecutor "rsh"`)
}
