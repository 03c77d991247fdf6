// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sshexecutor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"git.tinkerhpc.org/jobdispatch.git/lib/config"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	User    string
	Port    string
	Signers []ssh.Signer
	// If nil, any host key is accepted.
	HostKeyCallback ssh.HostKeyCallback
	// Maximum number of nodes with an open connection. When
	// exceeded, the least recently used connection is closed.
	MaxConnections int
	Logger         logrus.FieldLogger
}

// Pool is an executor.Executor that keeps one Executor (and thus at
// most one SSH connection) per node.
type Pool struct {
	opts  PoolOptions
	cache *lru.Cache
	mtx   sync.Mutex
}

// NewPool returns a new Pool.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.MaxConnections < 1 {
		opts.MaxConnections = 64
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	cache, err := lru.NewWithEvict(opts.MaxConnections, func(key, value interface{}) {
		opts.Logger.WithField("Node", key).Debug("closing ssh connection")
		go value.(*Executor).Close()
	})
	if err != nil {
		return nil, err
	}
	return &Pool{opts: opts, cache: cache}, nil
}

// NewPoolFromConfig returns a Pool using the key and known_hosts
// files named in cfg. If cfg.PrivateKeyFile is empty, the usual
// ~/.ssh/id_* files are tried.
func NewPoolFromConfig(cfg config.SSHConfig, logger logrus.FieldLogger) (*Pool, error) {
	signers, err := LoadSigners(cfg.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	opts := PoolOptions{
		User:           cfg.User,
		Port:           cfg.Port,
		Signers:        signers,
		MaxConnections: cfg.MaxConnections,
		Logger:         logger,
	}
	if opts.User == "" {
		opts.User = os.Getenv("USER")
	}
	if cfg.KnownHostsFile != "" {
		opts.HostKeyCallback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
	}
	return NewPool(opts)
}

// LoadSigners reads the private key in the given file. If fnm is
// empty, it loads whichever of ~/.ssh/id_ed25519, id_ecdsa, and
// id_rsa exist.
func LoadSigners(fnm string) ([]ssh.Signer, error) {
	var candidates []string
	if fnm != "" {
		candidates = []string{fnm}
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		for _, base := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			candidates = append(candidates, filepath.Join(home, ".ssh", base))
		}
	}
	var signers []ssh.Signer
	for _, fnm := range candidates {
		buf, err := os.ReadFile(fnm)
		if os.IsNotExist(err) && len(candidates) > 1 {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return nil, fmt.Errorf("parsing private key %s: %w", fnm, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("no private key found in %v", candidates)
	}
	return signers, nil
}

// Execute implements executor.Executor.
func (p *Pool) Execute(ctx context.Context, node string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	return p.executor(node).Execute(ctx, cmd, stdin)
}

// Close shuts down all connections.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.cache.Purge()
}

func (p *Pool) executor(node string) *Executor {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if v, ok := p.cache.Get(node); ok {
		return v.(*Executor)
	}
	exr := New(nodeTarget{node: node, opts: &p.opts})
	exr.SetSigners(p.opts.Signers...)
	exr.SetTargetPort(p.opts.Port)
	p.cache.Add(node, exr)
	return exr
}

type nodeTarget struct {
	node string
	opts *PoolOptions
}

func (t nodeTarget) Address() string    { return t.node }
func (t nodeTarget) RemoteUser() string { return t.opts.User }

func (t nodeTarget) VerifyHostKey(key ssh.PublicKey, client *ssh.Client) error {
	if t.opts.HostKeyCallback == nil {
		return nil
	}
	return t.opts.HostKeyCallback(t.hostport(), client.RemoteAddr(), key)
}

func (t nodeTarget) hostport() string {
	exr := Executor{target: t, targetPort: t.opts.Port}
	host, port := exr.TargetHostPort()
	if port == "ssh" {
		// known_hosts entries use the numeric port
		port = "22"
	}
	return net.JoinHostPort(host, port)
}
