/*
Copyright 2025 Supabase, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dbpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002/lib/defaults"
	"github.com/supabase/storage-sub002/lib/pgcommon"
	"github.com/supabase/storage-sub002/lib/utils"
)

// poolShared is the state shared between a Pool and its super-user view; the
// underlying pgx pool is swapped in place on rebalance.
type poolShared struct {
	mu  sync.RWMutex
	pgx *pgxpool.Pool
}

// Pool is the per-tenant connection handle. A Pool and the view returned by
// AsSuperUser share the same underlying pgx pool.
type Pool struct {
	manager *Manager
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger

	// superUser marks the AsSuperUser view; scopes then run as the stored
	// super-user role.
	superUser bool

	shared *poolShared

	// beginFn overrides transaction begin in tests.
	beginFn func(ctx context.Context) (pgx.Tx, error)
}

// swap installs a new underlying pgx pool and returns the previous one.
func (p *Pool) swap(fresh *pgxpool.Pool) *pgxpool.Pool {
	if p.shared == nil {
		p.shared = &poolShared{}
	}
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	old := p.shared.pgx
	p.shared.pgx = fresh
	return old
}

func (p *Pool) pgxPool() *pgxpool.Pool {
	p.shared.mu.RLock()
	defer p.shared.mu.RUnlock()
	return p.shared.pgx
}

// pgxSearchPath returns the search_path the underlying pool was built with.
func (p *Pool) pgxSearchPath(managerSearchPath string) string {
	if p.opts.IsExternalPool {
		return ""
	}
	return managerSearchPath
}

func (p *Pool) closeAsync() {
	pool := p.pgxPool()
	if pool != nil {
		// Close waits for acquired connections to be released
		go pool.Close()
	}
}

// AsSuperUser returns a view of the same pool whose transaction scopes use
// the stored super-user role.
func (p *Pool) AsSuperUser() *Pool {
	view := *p
	view.superUser = true
	return &view
}

// Dispose destroys the pool when it is a single-use external pool; recycled
// pools persist until invalidation or TTL reaping. Called at request
// teardown.
func (p *Pool) Dispose() {
	if p.opts.IsExternalPool && p.opts.IsSingleUse {
		p.manager.Destroy(p.opts.TenantID)
	}
}

// TxOptions tune a single transaction.
type TxOptions struct {
	// StatementTimeout overrides the manager default for this transaction;
	// zero keeps the default, negative disables the timeout.
	StatementTimeout time.Duration
}

// Transaction begins a transaction, retrying with capped exponential backoff
// while the server or pooler reports connection saturation. The transaction
// carries the configured statement timeout, and on external pools an explicit
// search_path, since external poolers do not preserve session state.
func (p *Pool) Transaction(ctx context.Context, opts ...TxOptions) (*Tx, error) {
	var txOpts TxOptions
	if len(opts) > 0 {
		txOpts = opts[0]
	}

	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:        defaults.AcquireRetryBase,
		Max:         defaults.AcquireRetryCap,
		MaxAttempts: defaults.AcquireRetryAttempts,
		Budget:      defaults.AcquireRetryBudget,
		Clock:       p.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var tx pgx.Tx
	err = utils.RetryWithContext(ctx, retry, pgcommon.IsPoolSaturated, func() error {
		var beginErr error
		tx, beginErr = p.begin(ctx)
		return beginErr
	})
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	if attempts := retry.Attempt(); attempts > 0 {
		p.logger.InfoContext(ctx, "Acquired connection after saturation retries.", "attempts", attempts+1)
	}

	wrapped := &Tx{tx: tx, pool: p}
	if err := wrapped.setup(ctx, txOpts); err != nil {
		return nil, trace.NewAggregate(err, wrapped.Rollback(ctx))
	}
	return wrapped, nil
}

func (p *Pool) begin(ctx context.Context) (pgx.Tx, error) {
	p.manager.touch(p.opts.TenantID)
	if p.beginFn != nil {
		return p.beginFn(ctx)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, defaults.DatabaseAcquireTimeout)
	defer cancel()
	tx, err := p.pgxPool().Begin(acquireCtx)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	return tx, nil
}

// Tx is a transaction-bound connection with explicit lifecycle: callers run
// queries through Raw/Query/QueryRow and must finish with Commit or Rollback.
type Tx struct {
	tx   pgx.Tx
	pool *Pool
	done bool
}

// setup applies per-transaction session state before the caller sees the Tx.
func (t *Tx) setup(ctx context.Context, opts TxOptions) error {
	timeout := t.pool.manager.cfg.StatementTimeout
	if opts.StatementTimeout != 0 {
		timeout = opts.StatementTimeout
	}
	if timeout > 0 {
		if _, err := t.tx.Exec(ctx, "SELECT set_config('statement_timeout', $1, true)", timeout.Truncate(time.Millisecond).String()); err != nil {
			return trace.Wrap(err)
		}
	}
	if t.pool.opts.IsExternalPool && t.pool.manager.cfg.SearchPath != "" {
		if _, err := t.tx.Exec(ctx, "SELECT set_config('search_path', $1, true)", t.pool.manager.cfg.SearchPath); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Scope is the request-scoped configuration consumed by row-level-security
// policies in the tenant schema.
type Scope struct {
	// Role is the database role for the request; defaults to "anon" when
	// empty.
	Role string
	// JWT is the raw caller token.
	JWT string
	// Sub is the subject claim.
	Sub string
	// Claims is the JSON-encoded claim set.
	Claims string
	// Headers is the JSON-encoded request header map.
	Headers string
	// Method is the HTTP method.
	Method string
	// Path is the request path.
	Path string
	// Operation is the storage operation name driving the request.
	Operation string
}

// SetScope writes the caller's scope into transaction-local configuration via
// set_config(..., true). A super-user view pins the role to the stored
// super-user credentials regardless of the scope role.
func (t *Tx) SetScope(ctx context.Context, scope Scope) error {
	role := scope.Role
	if role == "" {
		role = "anon"
	}
	if t.pool.superUser {
		role = t.pool.opts.SuperUser
		if role == "" {
			return trace.BadParameter("pool for tenant %q has no super-user configured", t.pool.opts.TenantID)
		}
	}

	_, err := t.tx.Exec(ctx, `SELECT
  set_config('role', $1, true),
  set_config('request.jwt.claim.role', $1, true),
  set_config('request.jwt', $2, true),
  set_config('request.jwt.claim.sub', $3, true),
  set_config('request.jwt.claims', $4, true),
  set_config('request.headers', $5, true),
  set_config('request.method', $6, true),
  set_config('request.path', $7, true),
  set_config('storage.operation', $8, true)`,
		role, scope.JWT, scope.Sub, scope.Claims, scope.Headers, scope.Method, scope.Path, scope.Operation)
	return trace.Wrap(pgcommon.NormalizeError(ctx, err))
}

// Raw executes a statement inside the transaction.
func (t *Tx) Raw(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	return tag, pgcommon.NormalizeError(ctx, err)
}

// Query runs a query inside the transaction.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	return rows, pgcommon.NormalizeError(ctx, err)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	t.done = true
	return trace.Wrap(pgcommon.NormalizeError(ctx, t.tx.Commit(ctx)))
}

// Rollback rolls the transaction back. Safe to defer after Commit; rolling
// back a finished transaction is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback(ctx)
	if err == nil || trace.Unwrap(err) == pgx.ErrTxClosed {
		return nil
	}
	return trace.Wrap(err)
}

// RollbackOnError is the error-path helper: it rolls the transaction back and
// reports the rollback failure, if any, alongside the original cause.
func (t *Tx) RollbackOnError(ctx context.Context, cause error) error {
	if rbErr := t.Rollback(ctx); rbErr != nil {
		return trace.NewAggregate(cause, rbErr)
	}
	return trace.Wrap(cause)
}
