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
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/pgcommon"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

// fakeTx implements the slice of pgx.Tx the pool exercises; everything else
// panics through the embedded nil interface.
type fakeTx struct {
	pgx.Tx
	execs      []string
	execArgs   [][]any
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	f.execArgs = append(f.execArgs, args)
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rolledBack = true
	return nil
}

func newTestPool(t *testing.T, opts Options, begin func(ctx context.Context) (pgx.Tx, error)) (*Manager, *Pool) {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		SearchPath: "storage",
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	require.NoError(t, opts.CheckAndSetDefaults())
	p := &Pool{
		manager: m,
		opts:    opts,
		clock:   clockwork.NewRealClock(),
		logger:  m.cfg.Logger,
		beginFn: begin,
	}
	p.swap(nil)
	m.pools[opts.TenantID] = &poolEntry{pool: p, lastUsed: m.cfg.Clock.Now()}
	return m, p
}

func TestTransactionSaturationRetry(t *testing.T) {
	saturated := &pgconn.PgError{Code: "08P01", Message: "no more connections allowed (max_client_conn)"}

	attempts := 0
	tx := &fakeTx{}
	_, p := newTestPool(t, Options{TenantID: "t1", DBURL: "postgres://localhost/t1"}, func(ctx context.Context) (pgx.Tx, error) {
		attempts++
		if attempts < 3 {
			return nil, saturated
		}
		return tx, nil
	})

	start := time.Now()
	got, err := p.Transaction(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.LessOrEqual(t, time.Since(start), 3*time.Second)

	require.NoError(t, got.Commit(context.Background()))
	require.True(t, tx.committed)
}

func TestTransactionSaturationExhausted(t *testing.T) {
	saturated := &pgconn.PgError{Code: "53300", Message: "too many connections"}

	attempts := 0
	_, p := newTestPool(t, Options{TenantID: "t1", DBURL: "postgres://localhost/t1"}, func(ctx context.Context) (pgx.Tx, error) {
		attempts++
		return nil, saturated
	})

	_, err := p.Transaction(context.Background())
	require.Error(t, err)
	require.True(t, pgcommon.IsPoolSaturated(err), "expected saturation error, got %v", err)
	require.LessOrEqual(t, attempts, 10)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestTransactionNonRetryableError(t *testing.T) {
	attempts := 0
	_, p := newTestPool(t, Options{TenantID: "t1", DBURL: "postgres://localhost/t1"}, func(ctx context.Context) (pgx.Tx, error) {
		attempts++
		return nil, &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}
	})

	_, err := p.Transaction(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestSetScopeDefaultsToAnon(t *testing.T) {
	tx := &fakeTx{}
	_, p := newTestPool(t, Options{TenantID: "t1", DBURL: "postgres://localhost/t1"}, func(ctx context.Context) (pgx.Tx, error) {
		return tx, nil
	})

	got, err := p.Transaction(context.Background())
	require.NoError(t, err)
	require.NoError(t, got.SetScope(context.Background(), Scope{
		Method:    "GET",
		Path:      "/object/bucket/key",
		Operation: "getObject",
	}))

	require.Len(t, tx.execArgs, 1)
	args := tx.execArgs[0]
	require.Equal(t, "anon", args[0])
	require.Contains(t, tx.execs[0], "request.jwt.claims")
	require.Contains(t, tx.execs[0], "storage.operation")
}

func TestSetScopeAsSuperUser(t *testing.T) {
	tx := &fakeTx{}
	_, p := newTestPool(t, Options{
		TenantID:  "t1",
		DBURL:     "postgres://localhost/t1",
		SuperUser: "postgres",
	}, func(ctx context.Context) (pgx.Tx, error) {
		return tx, nil
	})

	got, err := p.AsSuperUser().Transaction(context.Background())
	require.NoError(t, err)
	require.NoError(t, got.SetScope(context.Background(), Scope{Role: "authenticated"}))

	args := tx.execArgs[len(tx.execArgs)-1]
	require.Equal(t, "postgres", args[0])
}

func TestExternalPoolTransactionSearchPath(t *testing.T) {
	tx := &fakeTx{}
	_, p := newTestPool(t, Options{
		TenantID:       "t1",
		DBURL:          "postgres://localhost/t1",
		IsExternalPool: true,
	}, func(ctx context.Context) (pgx.Tx, error) {
		return tx, nil
	})

	_, err := p.Transaction(context.Background())
	require.NoError(t, err)

	// external poolers do not preserve search_path, so it must be set inside
	// the transaction
	require.NotEmpty(t, tx.execs)
	require.Contains(t, tx.execs[0], "search_path")
}

func TestRollbackOnErrorAggregates(t *testing.T) {
	tx := &fakeTx{}
	_, p := newTestPool(t, Options{TenantID: "t1", DBURL: "postgres://localhost/t1"}, func(ctx context.Context) (pgx.Tx, error) {
		return tx, nil
	})

	got, err := p.Transaction(context.Background())
	require.NoError(t, err)

	cause := pgcommon.DatabaseTimeout(nil)
	err = got.RollbackOnError(context.Background(), cause)
	require.Error(t, err)
	require.True(t, tx.rolledBack)
	require.True(t, pgcommon.IsDatabaseTimeout(err))
}
