// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobs is the master's job cache: every published job load and
// every minion return, keyed by jid, in SQLite. Runners and the CLI
// read it for lookup_jid and list_jobs; a pruning pass enforces the
// keep_jobs horizon.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/saltstack/salt/lib/clock"
	"github.com/saltstack/salt/lib/codec"
	"github.com/saltstack/salt/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS loads (
    jid       TEXT PRIMARY KEY,
    fun       TEXT NOT NULL,
    args      BLOB NOT NULL,
    target    TEXT NOT NULL,
    tgt_type  TEXT NOT NULL,
    username  TEXT NOT NULL DEFAULT '',
    minions   BLOB NOT NULL,
    started   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS loads_started ON loads (started);

CREATE TABLE IF NOT EXISTS returns (
    jid       TEXT NOT NULL REFERENCES loads (jid) ON DELETE CASCADE,
    minion    TEXT NOT NULL,
    ret       BLOB NOT NULL,
    success   INTEGER NOT NULL,
    retcode   INTEGER NOT NULL DEFAULT 0,
    returned  INTEGER NOT NULL,
    PRIMARY KEY (jid, minion)
);
`

// Load is the published half of a job.
type Load struct {
	JID        string
	Fun        string
	Args       []any
	Target     string
	TargetKind string
	User       string

	// Minions is the predicted audience at publish time.
	Minions []string

	Started time.Time
}

// Return is one minion's answer for a job.
type Return struct {
	JID      string
	MinionID string
	Value    any
	Success  bool
	Retcode  int
	Returned time.Time
}

// Cache is the SQLite-backed job store. Safe for concurrent use.
type Cache struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open creates (or reopens) the cache at path.
func Open(path string, clk clock.Clock, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: %w", err)
	}
	return &Cache{pool: pool, clock: clk, logger: logger.With("component", "job-cache")}, nil
}

// Close shuts the pool down.
func (c *Cache) Close() error { return c.pool.Close() }

// SaveLoad records a published job.
func (c *Cache) SaveLoad(ctx context.Context, load *Load) error {
	args, err := codec.Marshal(load.Args)
	if err != nil {
		return fmt.Errorf("jobs: encoding args of %s: %w", load.JID, err)
	}
	minions, err := codec.Marshal(load.Minions)
	if err != nil {
		return fmt.Errorf("jobs: encoding minions of %s: %w", load.JID, err)
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO loads (jid, fun, args, target, tgt_type, username, minions, started)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{
			load.JID, load.Fun, args, load.Target, load.TargetKind,
			load.User, minions, load.Started.UnixNano(),
		}})
	if err != nil {
		return fmt.Errorf("jobs: saving load %s: %w", load.JID, err)
	}
	return nil
}

// SaveReturn records one minion's return. Returns for unknown jids are
// stored against a synthetic load so late or replayed returns are not
// lost.
func (c *Cache) SaveReturn(ctx context.Context, ret *Return) error {
	value, err := codec.Marshal(ret.Value)
	if err != nil {
		return fmt.Errorf("jobs: encoding return of %s from %s: %w", ret.JID, ret.MinionID, err)
	}
	returned := ret.Returned
	if returned.IsZero() {
		returned = c.clock.Now()
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("jobs: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO loads (jid, fun, args, target, tgt_type, minions, started)
		 VALUES (?, '', x'80', '', '', x'80', ?);`,
		&sqlitex.ExecOptions{Args: []any{ret.JID, returned.UnixNano()}})
	if err != nil {
		return fmt.Errorf("jobs: backfilling load %s: %w", ret.JID, err)
	}

	success := 0
	if ret.Success {
		success = 1
	}
	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO returns (jid, minion, ret, success, retcode, returned)
		 VALUES (?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{
			ret.JID, ret.MinionID, value, success, ret.Retcode, returned.UnixNano(),
		}})
	if err != nil {
		return fmt.Errorf("jobs: saving return %s/%s: %w", ret.JID, ret.MinionID, err)
	}
	return nil
}

func loadFromRow(stmt *sqlite.Stmt) (*Load, error) {
	load := &Load{
		JID:        stmt.GetText("jid"),
		Fun:        stmt.GetText("fun"),
		Target:     stmt.GetText("target"),
		TargetKind: stmt.GetText("tgt_type"),
		User:       stmt.GetText("username"),
		Started:    time.Unix(0, stmt.GetInt64("started")),
	}
	args := make([]byte, stmt.GetLen("args"))
	stmt.GetBytes("args", args)
	if err := codec.Unmarshal(args, &load.Args); err != nil {
		return nil, fmt.Errorf("jobs: decoding args of %s: %w", load.JID, err)
	}
	minions := make([]byte, stmt.GetLen("minions"))
	stmt.GetBytes("minions", minions)
	if err := codec.Unmarshal(minions, &load.Minions); err != nil {
		return nil, fmt.Errorf("jobs: decoding minions of %s: %w", load.JID, err)
	}
	return load, nil
}

// Lookup returns a job's load and every return received so far. A nil
// load means the jid is unknown.
func (c *Cache) Lookup(ctx context.Context, jid string) (*Load, []*Return, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer c.pool.Put(conn)

	var load *Load
	err = sqlitex.Execute(conn,
		`SELECT jid, fun, args, target, tgt_type, username, minions, started
		 FROM loads WHERE jid = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{jid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var rowErr error
				load, rowErr = loadFromRow(stmt)
				return rowErr
			},
		})
	if err != nil {
		return nil, nil, fmt.Errorf("jobs: looking up %s: %w", jid, err)
	}
	if load == nil {
		return nil, nil, nil
	}

	var returns []*Return
	err = sqlitex.Execute(conn,
		`SELECT minion, ret, success, retcode, returned
		 FROM returns WHERE jid = ? ORDER BY minion;`,
		&sqlitex.ExecOptions{
			Args: []any{jid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ret := &Return{
					JID:      jid,
					MinionID: stmt.GetText("minion"),
					Success:  stmt.GetInt64("success") != 0,
					Retcode:  int(stmt.GetInt64("retcode")),
					Returned: time.Unix(0, stmt.GetInt64("returned")),
				}
				value := make([]byte, stmt.GetLen("ret"))
				stmt.GetBytes("ret", value)
				if err := codec.Unmarshal(value, &ret.Value); err != nil {
					return fmt.Errorf("jobs: decoding return of %s from %s: %w", jid, ret.MinionID, err)
				}
				returns = append(returns, ret)
				return nil
			},
		})
	if err != nil {
		return nil, nil, err
	}
	return load, returns, nil
}

// List returns the most recent jobs, newest first, capped at limit
// (0 means 100).
func (c *Cache) List(ctx context.Context, limit int) ([]*Load, error) {
	if limit <= 0 {
		limit = 100
	}
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var loads []*Load
	err = sqlitex.Execute(conn,
		`SELECT jid, fun, args, target, tgt_type, username, minions, started
		 FROM loads ORDER BY started DESC LIMIT ?;`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				load, rowErr := loadFromRow(stmt)
				if rowErr != nil {
					return rowErr
				}
				loads = append(loads, load)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("jobs: listing: %w", err)
	}
	return loads, nil
}

// Active returns jobs still missing returns from part of their
// predicted audience.
func (c *Cache) Active(ctx context.Context) ([]*Load, error) {
	loads, err := c.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var active []*Load
	for _, load := range loads {
		returned := map[string]bool{}
		err = sqlitex.Execute(conn,
			`SELECT minion FROM returns WHERE jid = ?;`,
			&sqlitex.ExecOptions{
				Args: []any{load.JID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					returned[stmt.GetText("minion")] = true
					return nil
				},
			})
		if err != nil {
			return nil, err
		}
		for _, minion := range load.Minions {
			if !returned[minion] {
				active = append(active, load)
				break
			}
		}
	}
	return active, nil
}

// Returned lists the minions that have answered jid so far.
func (c *Cache) Returned(ctx context.Context, jid string) ([]string, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var minions []string
	err = sqlitex.Execute(conn,
		`SELECT minion FROM returns WHERE jid = ? ORDER BY minion;`,
		&sqlitex.ExecOptions{
			Args: []any{jid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				minions = append(minions, stmt.GetText("minion"))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return minions, nil
}

// Prune deletes jobs older than keep and returns how many were
// removed. Returns ride along via the cascading foreign key.
func (c *Cache) Prune(ctx context.Context, keep time.Duration) (int, error) {
	horizon := c.clock.Now().Add(-keep).UnixNano()
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM loads WHERE started < ?;`,
		&sqlitex.ExecOptions{Args: []any{horizon}})
	if err != nil {
		return 0, fmt.Errorf("jobs: pruning: %w", err)
	}
	pruned := conn.Changes()
	if pruned > 0 {
		c.logger.Info("pruned job cache", "jobs", pruned)
	}
	return pruned, nil
}
