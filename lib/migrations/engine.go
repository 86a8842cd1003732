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
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002/lib/multitenant"
	"github.com/supabase/storage-sub002/lib/pgcommon"
)

// TenantStateRecorder records migration outcomes on the tenant row.
type TenantStateRecorder interface {
	UpdateTenantMigrationState(ctx context.Context, tenantID, version string, status multitenant.MigrationStatus) error
}

// EngineConfig configures the migration engine.
type EngineConfig struct {
	// Migrations is the intended ordered set.
	Migrations []Migration
	// Backports is the retroactive-insert list.
	Backports []Backport
	// FreezeAt, when set, bounds every run at the named migration.
	FreezeAt string
	// RefreshHashesOnMismatch repairs stale applied hashes instead of
	// failing the run.
	RefreshHashesOnMismatch bool
	// Tenants, when set, records run outcomes on the tenant row.
	Tenants TenantStateRecorder
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger is the engine logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if len(c.Migrations) == 0 {
		return trace.BadParameter("missing parameter Migrations")
	}
	if c.FreezeAt != "" {
		if _, ok := indexOf(c.Migrations, c.FreezeAt); !ok {
			return trace.BadParameter("freeze migration %q is not in the intended set", c.FreezeAt)
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// Engine applies the intended migration set to tenant databases. Every run
// holds the session advisory lock for its whole duration, so concurrent runs
// across the fleet serialize per database.
type Engine struct {
	cfg EngineConfig
}

// NewEngine creates a migration engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// TargetVersion is the name of the last migration in the intended set,
// honoring the freeze bound.
func (e *Engine) TargetVersion() string {
	if e.cfg.FreezeAt != "" {
		return e.cfg.FreezeAt
	}
	return e.cfg.Migrations[len(e.cfg.Migrations)-1].Name
}

// Names returns the ordered migration name list.
func (e *Engine) Names() []string {
	return MigrationNames(e.cfg.Migrations)
}

// RunOptions parameterize one tenant migration run.
type RunOptions struct {
	// DatabaseURL is the tenant database DSN.
	DatabaseURL string
	// TenantID, when set, has the run outcome recorded on the tenant row.
	TenantID string
	// WaitForLock polls for the advisory lock within the budget instead of
	// failing immediately.
	WaitForLock bool
	// UpToMigration bounds the run at the named migration, inclusive.
	UpToMigration string
}

func (o *RunOptions) check() error {
	if o.DatabaseURL == "" {
		return trace.BadParameter("missing database url")
	}
	return nil
}

// Run applies pending migrations to the tenant database. The applied set
// ends as a prefix of the intended set with matching hashes.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	if err := opts.check(); err != nil {
		return trace.Wrap(err)
	}

	err := e.run(ctx, opts)
	if opts.TenantID != "" && e.cfg.Tenants != nil {
		status := multitenant.MigrationCompleted
		version := e.boundedTarget(opts.UpToMigration)
		if err != nil {
			status = multitenant.MigrationFailed
			version = ""
		}
		if stateErr := e.cfg.Tenants.UpdateTenantMigrationState(ctx, opts.TenantID, version, status); stateErr != nil {
			e.cfg.Logger.ErrorContext(ctx, "Failed to record tenant migration state.",
				"tenant_id", opts.TenantID, "error", stateErr)
		}
	}
	if err != nil {
		e.cfg.Logger.ErrorContext(ctx, "Tenant migration run failed.",
			"tenant_id", opts.TenantID, "error", err)
	}
	return trace.Wrap(err)
}

func (e *Engine) boundedTarget(upTo string) string {
	if upTo != "" {
		return upTo
	}
	return e.TargetVersion()
}

func (e *Engine) run(ctx context.Context, opts RunOptions) error {
	conn, err := pgx.Connect(ctx, opts.DatabaseURL)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	defer conn.Close(context.Background())

	if err := pgcommon.AcquireAdvisoryLock(ctx, conn, pgcommon.MigrationLockKey, opts.WaitForLock, e.cfg.Clock); err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if err := pgcommon.ReleaseAdvisoryLock(context.Background(), conn, pgcommon.MigrationLockKey); err != nil {
			e.cfg.Logger.WarnContext(ctx, "Failed to release migration advisory lock.", "error", err)
		}
	}()

	// applied state is only read after the lock is held
	if err := e.ensureMigrationsTable(ctx, conn); err != nil {
		return trace.Wrap(err)
	}
	applied, err := e.readApplied(ctx, conn)
	if err != nil {
		return trace.Wrap(err)
	}

	rewritten, changed, err := planBackports(applied, e.cfg.Migrations, e.cfg.Backports)
	if err != nil {
		return trace.Wrap(err)
	}
	if changed {
		if err := e.rewriteApplied(ctx, conn, rewritten); err != nil {
			return trace.Wrap(err)
		}
		applied = rewritten
		e.cfg.Logger.InfoContext(ctx, "Applied migration backports.",
			"tenant_id", opts.TenantID, "rows", len(applied))
	}

	mismatched, err := validateHashes(applied, e.cfg.Migrations)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(mismatched) > 0 {
		if !e.cfg.RefreshHashesOnMismatch {
			return trace.CompareFailed(
				"migration hash mismatch at %v; enable hash refresh to repair", mismatched)
		}
		if err := e.refreshHashes(ctx, conn, mismatched); err != nil {
			return trace.Wrap(err)
		}
		e.cfg.Logger.WarnContext(ctx, "Refreshed stale migration hashes.",
			"tenant_id", opts.TenantID, "rows", len(mismatched))
	}

	upTo := opts.UpToMigration
	if upTo == "" {
		upTo = e.cfg.FreezeAt
	}
	pending, err := pendingMigrations(applied, e.cfg.Migrations, upTo)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(pending) == 0 {
		return nil
	}

	transformers, err := e.transformersFor(ctx, conn)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, migration := range pending {
		if err := e.apply(ctx, conn, applyTransformers(migration, transformers)); err != nil {
			return trace.Wrap(err, "applying migration %q", migration.Name)
		}
	}
	e.cfg.Logger.InfoContext(ctx, "Applied tenant migrations.",
		"tenant_id", opts.TenantID,
		"applied", len(pending),
		"version", pending[len(pending)-1].Name)
	return nil
}

func (e *Engine) ensureMigrationsTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id integer PRIMARY KEY,
			name text NOT NULL UNIQUE,
			hash text NOT NULL,
			executed_at timestamptz DEFAULT now()
		)`)
	return pgcommon.NormalizeError(ctx, err)
}

func (e *Engine) readApplied(ctx context.Context, conn *pgx.Conn) ([]Record, error) {
	rows, err := conn.Query(ctx, `SELECT id, name, hash FROM migrations ORDER BY id ASC`)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	defer rows.Close()

	var applied []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.ID, &record.Name, &record.Hash); err != nil {
			return nil, trace.Wrap(err)
		}
		applied = append(applied, record)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	for i, record := range applied {
		if record.ID != i {
			return nil, trace.BadParameter(
				"applied migration ids are not contiguous: row %d has id %d", i, record.ID)
		}
	}
	return applied, nil
}

// rewriteApplied atomically replaces the migrations table contents.
func (e *Engine) rewriteApplied(ctx context.Context, conn *pgx.Conn, records []Record) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM migrations`); err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	for _, record := range records {
		_, err := tx.Exec(ctx,
			`INSERT INTO migrations (id, name, hash) VALUES ($1, $2, $3)`,
			record.ID, record.Name, record.Hash)
		if err != nil {
			return pgcommon.NormalizeError(ctx, err)
		}
	}
	return pgcommon.NormalizeError(ctx, tx.Commit(ctx))
}

func (e *Engine) refreshHashes(ctx context.Context, conn *pgx.Conn, indexes []int) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	defer tx.Rollback(ctx)

	for _, i := range indexes {
		_, err := tx.Exec(ctx,
			`UPDATE migrations SET hash = $2 WHERE id = $1`,
			i, e.cfg.Migrations[i].Hash)
		if err != nil {
			return pgcommon.NormalizeError(ctx, err)
		}
	}
	return pgcommon.NormalizeError(ctx, tx.Commit(ctx))
}

// transformersFor inspects the tenant database and builds the rewrite chain.
func (e *Engine) transformersFor(ctx context.Context, conn *pgx.Conn) ([]Transformer, error) {
	var accessMethod string
	err := conn.QueryRow(ctx, `SHOW default_table_access_method`).Scan(&accessMethod)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	if accessMethod == "orioledb" {
		return []Transformer{OrioleDBTransformer}, nil
	}
	return nil, nil
}

func (e *Engine) apply(ctx context.Context, conn *pgx.Conn, migration Migration) error {
	if migration.DisableTransaction {
		if _, err := conn.Exec(ctx, migration.SQL); err != nil {
			return pgcommon.NormalizeError(ctx, err)
		}
		_, err := conn.Exec(ctx,
			`INSERT INTO migrations (id, name, hash) VALUES ($1, $2, $3)`,
			migration.Index, migration.Name, migration.Hash)
		return pgcommon.NormalizeError(ctx, err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, migration.SQL); err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO migrations (id, name, hash) VALUES ($1, $2, $3)`,
		migration.Index, migration.Name, migration.Hash)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	return pgcommon.NormalizeError(ctx, tx.Commit(ctx))
}

// ResetOptions parameterize a controlled rollback of the applied set.
type ResetOptions struct {
	// DatabaseURL is the tenant database DSN.
	DatabaseURL string
	// TenantID, when set, has the new version recorded on the tenant row.
	TenantID string
	// UntilMigration is the last migration to keep applied.
	UntilMigration string
	// MarkCompletedTillMigration, when set, additionally inserts synthetic
	// applied rows up to the named migration so future runs skip them.
	MarkCompletedTillMigration string
}

// Reset rolls the applied-migrations record back to UntilMigration and
// optionally marks later migrations as completed without running them. Only
// the bookkeeping table changes; schema objects created by removed
// migrations are left in place.
func (e *Engine) Reset(ctx context.Context, opts ResetOptions) error {
	if opts.DatabaseURL == "" {
		return trace.BadParameter("missing database url")
	}
	untilIdx, ok := indexOf(e.cfg.Migrations, opts.UntilMigration)
	if !ok {
		return trace.BadParameter("unknown migration %q", opts.UntilMigration)
	}
	markIdx := -1
	if opts.MarkCompletedTillMigration != "" {
		markIdx, ok = indexOf(e.cfg.Migrations, opts.MarkCompletedTillMigration)
		if !ok {
			return trace.BadParameter("unknown migration %q", opts.MarkCompletedTillMigration)
		}
		if markIdx < untilIdx {
			return trace.BadParameter(
				"mark-completed bound %q precedes reset bound %q",
				opts.MarkCompletedTillMigration, opts.UntilMigration)
		}
	}

	conn, err := pgx.Connect(ctx, opts.DatabaseURL)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	defer conn.Close(context.Background())

	if err := pgcommon.AcquireAdvisoryLock(ctx, conn, pgcommon.MigrationLockKey, true, e.cfg.Clock); err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if err := pgcommon.ReleaseAdvisoryLock(context.Background(), conn, pgcommon.MigrationLockKey); err != nil {
			e.cfg.Logger.WarnContext(ctx, "Failed to release migration advisory lock.", "error", err)
		}
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM migrations WHERE id > $1`, untilIdx); err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	version := opts.UntilMigration
	if markIdx > untilIdx {
		for _, migration := range e.cfg.Migrations[untilIdx+1 : markIdx+1] {
			_, err := tx.Exec(ctx, `
				INSERT INTO migrations (id, name, hash) VALUES ($1, $2, $3)
				ON CONFLICT (id) DO NOTHING`,
				migration.Index, migration.Name, migration.Hash)
			if err != nil {
				return pgcommon.NormalizeError(ctx, err)
			}
		}
		version = opts.MarkCompletedTillMigration
	}
	if err := tx.Commit(ctx); err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}

	if opts.TenantID != "" && e.cfg.Tenants != nil {
		err := e.cfg.Tenants.UpdateTenantMigrationState(ctx, opts.TenantID, version, multitenant.MigrationCompleted)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	e.cfg.Logger.InfoContext(ctx, "Reset tenant migrations.",
		"tenant_id", opts.TenantID, "version", version)
	return nil
}
