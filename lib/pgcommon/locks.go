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

package pgcommon

import (
	"context"
	"hash/fnv"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002/lib/defaults"
	"github.com/supabase/storage-sub002/lib/utils"
)

// MigrationLockKey is the fixed session advisory lock key that serializes
// schema migrations on a database across all instances.
var MigrationLockKey = AdvisoryLockKey("storage-migrations")

// AdvisoryLockKey derives a stable 64-bit advisory lock key from a string.
// Collisions only cost extra serialization, never correctness.
func AdvisoryLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// rowQuerier is the subset of pgx behavior the lock helpers need; satisfied
// by *pgx.Conn, pgx.Tx, and *pgxpool.Pool.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AcquireAdvisoryLock takes a session advisory lock on the connection. When
// wait is false a single try is made and failure returns a lock timeout
// immediately. When wait is true the lock is polled with a linearly growing
// backoff until the budget elapses.
func AcquireAdvisoryLock(ctx context.Context, conn rowQuerier, key int64, wait bool, clock clockwork.Clock) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	tryLock := func() (bool, error) {
		var locked bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
			return false, trace.Wrap(err)
		}
		return locked, nil
	}

	locked, err := tryLock()
	if err != nil {
		return trace.Wrap(err)
	}
	if locked {
		return nil
	}
	if !wait {
		return LockTimeout(nil)
	}

	retry, err := utils.NewLinear(utils.LinearConfig{
		Step:  defaults.MigrationLockBackoffStep,
		Max:   defaults.MigrationLockBudget,
		Clock: clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	deadline := clock.Now().Add(defaults.MigrationLockBudget)
	for {
		retry.Inc()
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-retry.After():
		}

		locked, err := tryLock()
		if err != nil {
			return trace.Wrap(err)
		}
		if locked {
			return nil
		}
		if clock.Now().After(deadline) {
			return LockTimeout(nil)
		}
	}
}

// ReleaseAdvisoryLock releases a session advisory lock taken by
// AcquireAdvisoryLock. Releasing a lock the session does not hold is a no-op.
func ReleaseAdvisoryLock(ctx context.Context, conn rowQuerier, key int64) error {
	var released bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// AcquireTxAdvisoryLock takes a transaction-scoped advisory lock; it is
// released automatically at commit or rollback. Used to serialize shard
// reservation per canonical resource id.
func AcquireTxAdvisoryLock(ctx context.Context, tx pgx.Tx, key int64) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
