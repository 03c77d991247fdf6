// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package etcdlock implements lock.Locker with etcd leases.
package etcdlock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"git.tinkerhpc.org/jobdispatch.git/lib/lock"
	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

var _ lock.Locker = (*Locker)(nil)

type held struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// Locker uses one etcd session per acquired tag. If this process
// dies, the session lease expires after TTL and the lock is
// released.
type Locker struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration

	mtx  sync.Mutex
	held map[string]held
}

// New connects to the given etcd endpoints.
func New(endpoints []string, prefix string, ttl time.Duration) (*Locker, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return NewWithClient(cli, prefix, ttl), nil
}

// NewWithClient returns a Locker using an existing client.
func NewWithClient(cli *clientv3.Client, prefix string, ttl time.Duration) *Locker {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if ttl < time.Second {
		ttl = 60 * time.Second
	}
	return &Locker{client: cli, prefix: prefix, ttl: ttl}
}

// Key returns the etcd key prefix used for tag.
func (l *Locker) Key(tag string) string {
	return l.prefix + tag
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, tag string) error {
	session, err := concurrency.NewSession(l.client,
		concurrency.WithTTL(int(l.ttl/time.Second)),
		concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("creating etcd session: %w", err)
	}
	mutex := concurrency.NewMutex(session, l.Key(tag))
	if err := mutex.Lock(ctx); err != nil {
		session.Close()
		return err
	}
	l.mtx.Lock()
	if l.held == nil {
		l.held = map[string]held{}
	}
	l.held[tag] = held{session: session, mutex: mutex}
	l.mtx.Unlock()
	ctxlog.FromContext(ctx).WithField("Tag", tag).WithField("Key", mutex.Key()).Debug("acquired etcd lock")
	return nil
}

// Release implements lock.Locker.
func (l *Locker) Release(tag string) error {
	l.mtx.Lock()
	h, ok := l.held[tag]
	delete(l.held, tag)
	l.mtx.Unlock()
	if !ok {
		return lock.ErrNotHeld
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := h.mutex.Unlock(ctx)
	if cerr := h.session.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the etcd client.
func (l *Locker) Close() error {
	return l.client.Close()
}
