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

package migrations

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/supabase/storage-sub002/lib/multitenant"
)

type fakeStateRecorder struct {
	mu       sync.Mutex
	statuses map[string]multitenant.MigrationStatus
	versions map[string]string
}

func newFakeStateRecorder() *fakeStateRecorder {
	return &fakeStateRecorder{
		statuses: make(map[string]multitenant.MigrationStatus),
		versions: make(map[string]string),
	}
}

func (r *fakeStateRecorder) UpdateTenantMigrationState(ctx context.Context, tenantID, version string, status multitenant.MigrationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[tenantID] = status
	if version != "" {
		r.versions[tenantID] = version
	}
	return nil
}

func (r *fakeStateRecorder) get(tenantID string) (string, multitenant.MigrationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versions[tenantID], r.statuses[tenantID]
}

// engineTestMigrations is a small self-contained set so the test does not
// depend on roles or schemas existing on the integration database.
func engineTestMigrations() []Migration {
	statements := []struct {
		name string
		sql  string
	}{
		{"initial", `CREATE TABLE IF NOT EXISTS engine_test_items (id serial PRIMARY KEY, name text NOT NULL)`},
		{"add-kind", `ALTER TABLE engine_test_items ADD COLUMN IF NOT EXISTS kind text`},
		{"kind-index", `CREATE INDEX IF NOT EXISTS engine_test_items_kind_idx ON engine_test_items (kind)`},
	}
	migrations := make([]Migration, len(statements))
	for i, stmt := range statements {
		migrations[i] = Migration{
			Index: i,
			Name:  stmt.name,
			SQL:   stmt.sql,
			Hash:  HashMigration(stmt.sql),
		}
	}
	return migrations
}

func integrationDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("STORAGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skipf("set STORAGE_TEST_DATABASE_URL to run database integration tests")
	}
	return url
}

func resetEngineTestState(t *testing.T, url string) {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, `DROP TABLE IF EXISTS migrations, engine_test_items`)
	require.NoError(t, err)
}

func readAppliedRows(t *testing.T, url string) []Record {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, `SELECT id, name, hash FROM migrations ORDER BY id ASC`)
	require.NoError(t, err)
	defer rows.Close()

	var applied []Record
	for rows.Next() {
		var record Record
		require.NoError(t, rows.Scan(&record.ID, &record.Name, &record.Hash))
		applied = append(applied, record)
	}
	require.NoError(t, rows.Err())
	return applied
}

func TestEngineRun(t *testing.T) {
	url := integrationDatabaseURL(t)
	resetEngineTestState(t, url)
	ctx := context.Background()

	intended := engineTestMigrations()
	recorder := newFakeStateRecorder()
	engine, err := NewEngine(EngineConfig{Migrations: intended, Tenants: recorder})
	require.NoError(t, err)
	require.Equal(t, "kind-index", engine.TargetVersion())

	require.NoError(t, engine.Run(ctx, RunOptions{DatabaseURL: url, TenantID: "t-run", WaitForLock: true}))

	applied := readAppliedRows(t, url)
	require.Len(t, applied, len(intended))
	for i, record := range applied {
		require.Equal(t, intended[i].Name, record.Name)
		require.Equal(t, intended[i].Hash, record.Hash)
	}
	version, status := recorder.get("t-run")
	require.Equal(t, "kind-index", version)
	require.Equal(t, multitenant.MigrationCompleted, status)

	// a second run is a no-op
	require.NoError(t, engine.Run(ctx, RunOptions{DatabaseURL: url, WaitForLock: true}))
	require.Len(t, readAppliedRows(t, url), len(intended))
}

func TestEngineRunUpToMigration(t *testing.T) {
	url := integrationDatabaseURL(t)
	resetEngineTestState(t, url)
	ctx := context.Background()

	engine, err := NewEngine(EngineConfig{Migrations: engineTestMigrations()})
	require.NoError(t, err)

	require.NoError(t, engine.Run(ctx, RunOptions{DatabaseURL: url, WaitForLock: true, UpToMigration: "add-kind"}))
	applied := readAppliedRows(t, url)
	require.Len(t, applied, 2)
	require.Equal(t, "add-kind", applied[1].Name)

	// a later unbounded run picks up the rest
	require.NoError(t, engine.Run(ctx, RunOptions{DatabaseURL: url, WaitForLock: true}))
	require.Len(t, readAppliedRows(t, url), 3)
}

func TestEngineRunRecordsFailure(t *testing.T) {
	url := integrationDatabaseURL(t)
	resetEngineTestState(t, url)
	ctx := context.Background()

	intended := engineTestMigrations()
	broken := "THIS IS NOT SQL"
	intended = append(intended, Migration{
		Index: len(intended),
		Name:  "broken",
		SQL:   broken,
		Hash:  HashMigration(broken),
	})
	recorder := newFakeStateRecorder()
	engine, err := NewEngine(EngineConfig{Migrations: intended, Tenants: recorder})
	require.NoError(t, err)

	err = engine.Run(ctx, RunOptions{DatabaseURL: url, TenantID: "t-fail", WaitForLock: true})
	require.Error(t, err)
	_, status := recorder.get("t-fail")
	require.Equal(t, multitenant.MigrationFailed, status)

	// the failing migration rolled back and left no applied row
	applied := readAppliedRows(t, url)
	require.Len(t, applied, 3)
	require.Equal(t, "kind-index", applied[2].Name)
}

func TestEngineHashMismatch(t *testing.T) {
	url := integrationDatabaseURL(t)
	resetEngineTestState(t, url)
	ctx := context.Background()

	intended := engineTestMigrations()
	engine, err := NewEngine(EngineConfig{Migrations: intended})
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, RunOptions{DatabaseURL: url, WaitForLock: true}))

	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `UPDATE migrations SET hash = 'tampered' WHERE id = 1`)
	require.NoError(t, err)
	conn.Close(ctx)

	err = engine.Run(ctx, RunOptions{DatabaseURL: url, WaitForLock: true})
	require.Error(t, err)

	repairing, err := NewEngine(EngineConfig{Migrations: intended, RefreshHashesOnMismatch: true})
	require.NoError(t, err)
	require.NoError(t, repairing.Run(ctx, RunOptions{DatabaseURL: url, WaitForLock: true}))

	applied := readAppliedRows(t, url)
	require.Equal(t, intended[1].Hash, applied[1].Hash)
}

func TestEngineReset(t *testing.T) {
	url := integrationDatabaseURL(t)
	resetEngineTestState(t, url)
	ctx := context.Background()

	intended := engineTestMigrations()
	recorder := newFakeStateRecorder()
	engine, err := NewEngine(EngineConfig{Migrations: intended, Tenants: recorder})
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, RunOptions{DatabaseURL: url, WaitForLock: true}))

	require.NoError(t, engine.Reset(ctx, ResetOptions{
		DatabaseURL:    url,
		TenantID:       "t-reset",
		UntilMigration: "initial",
	}))
	applied := readAppliedRows(t, url)
	require.Len(t, applied, 1)
	version, status := recorder.get("t-reset")
	require.Equal(t, "initial", version)
	require.Equal(t, multitenant.MigrationCompleted, status)

	// mark later migrations completed without running them
	require.NoError(t, engine.Reset(ctx, ResetOptions{
		DatabaseURL:                url,
		TenantID:                   "t-reset",
		UntilMigration:             "initial",
		MarkCompletedTillMigration: "kind-index",
	}))
	applied = readAppliedRows(t, url)
	require.Len(t, applied, 3)
	version, _ = recorder.get("t-reset")
	require.Equal(t, "kind-index", version)

	// the synthetic rows satisfy a subsequent run
	require.NoError(t, engine.Run(ctx, RunOptions{DatabaseURL: url, WaitForLock: true}))
	require.Len(t, readAppliedRows(t, url), 3)
}
