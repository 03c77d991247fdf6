// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pglock implements lock.Locker with PostgreSQL advisory
// locks, for pools shared by hosts that do not share a filesystem
// with working flock(2).
package pglock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"git.tinkerhpc.org/jobdispatch.git/lib/lock"
	"git.tinkerhpc.org/jobdispatch.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var _ lock.Locker = (*Locker)(nil)

// Locker holds one database connection per acquired tag. The
// advisory lock belongs to that connection's session, so it is
// released if this process dies.
type Locker struct {
	DSN        string
	RetryDelay time.Duration

	mtx   sync.Mutex
	db    *sqlx.DB
	conns map[string]*sql.Conn
}

// Key returns the advisory lock key used for tag.
func Key(tag string) int64 {
	h := fnv.New64a()
	h.Write([]byte("jobdispatch:" + tag))
	return int64(h.Sum64())
}

func (l *Locker) getdb() (*sqlx.DB, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.db != nil {
		return l.db, nil
	}
	db, err := sqlx.Open("postgres", l.DSN)
	if err != nil {
		return nil, err
	}
	l.db = db
	return db, nil
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, tag string) error {
	key := Key(tag)
	logger := ctxlog.FromContext(ctx).WithField("Tag", tag)
	delay := l.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	var lastHeldBy string
	for first := true; ; first = false {
		if !first {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		db, err := l.getdb()
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		conn, err := db.Conn(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		} else if err != nil {
			logger.WithError(err).Info("error getting database connection")
			continue
		}
		var locked bool
		err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked)
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Info("error getting pg_try_advisory_lock")
			continue
		}
		if !locked {
			var host sql.NullString
			var port sql.NullInt64
			err = conn.QueryRowContext(ctx, `SELECT client_addr, client_port FROM pg_stat_activity WHERE pid IN
				(SELECT pid FROM pg_locks
				 WHERE locktype = 'advisory' AND ((classid::bigint << 32) | objid::bigint) = $1)`, key).Scan(&host, &port)
			if err == nil {
				heldBy := net.JoinHostPort(host.String, fmt.Sprintf("%d", port.Int64))
				if lastHeldBy != heldBy {
					logger.WithField("DBClient", heldBy).Info("waiting for other process to release lock")
					lastHeldBy = heldBy
				}
			}
			conn.Close()
			continue
		}
		l.mtx.Lock()
		if l.conns == nil {
			l.conns = map[string]*sql.Conn{}
		}
		l.conns[tag] = conn
		l.mtx.Unlock()
		logger.Debug("acquired pg_advisory_lock")
		return nil
	}
}

// Release implements lock.Locker.
func (l *Locker) Release(tag string) error {
	l.mtx.Lock()
	conn, ok := l.conns[tag]
	delete(l.conns, tag)
	l.mtx.Unlock()
	if !ok {
		return lock.ErrNotHeld
	}
	defer conn.Close()
	_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, Key(tag))
	return err
}

// Close releases the database handle. Locks still held are released
// when their connections close.
func (l *Locker) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for tag, conn := range l.conns {
		conn.Close()
		delete(l.conns, tag)
	}
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
