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
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002/lib/defaults"
	"github.com/supabase/storage-sub002/lib/multitenant"
	"github.com/supabase/storage-sub002/lib/pgcommon"
	"github.com/supabase/storage-sub002/lib/utils"
)

// MigrationDispatcher hands a batch of tenant ids to the job queue for
// asynchronous migration. startAfter delays the batch; the zero time means
// run as soon as a worker picks it up.
type MigrationDispatcher interface {
	DispatchMigrations(ctx context.Context, tenantIDs []string, startAfter time.Time) error
}

// ProgressiveRunnerConfig configures a ProgressiveRunner.
type ProgressiveRunnerConfig struct {
	// Dispatcher receives flushed batches.
	Dispatcher MigrationDispatcher
	// MaxSize flushes the buffer early when reached.
	MaxSize int
	// Interval is the timer-driven flush period.
	Interval time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger is the runner logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ProgressiveRunnerConfig) CheckAndSetDefaults() error {
	if c.Dispatcher == nil {
		return trace.BadParameter("missing parameter Dispatcher")
	}
	if c.MaxSize <= 0 {
		c.MaxSize = defaults.MigrationBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = defaults.ProgressiveInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// ProgressiveRunner buffers tenant ids observed on live traffic and flushes
// them to the dispatcher either when the buffer fills or on a timer. Observe
// never blocks on the dispatcher; flushes happen on the runner goroutine.
type ProgressiveRunner struct {
	cfg ProgressiveRunnerConfig

	mu      sync.Mutex
	pending []string
	seen    map[string]struct{}

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewProgressiveRunner creates and starts a progressive runner.
func NewProgressiveRunner(cfg ProgressiveRunnerConfig) (*ProgressiveRunner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &ProgressiveRunner{
		cfg:  cfg,
		seen: make(map[string]struct{}),
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Observe records a tenant id for migration. Duplicate ids already buffered
// are dropped.
func (r *ProgressiveRunner) Observe(tenantID string) {
	if tenantID == "" {
		return
	}
	r.mu.Lock()
	if _, ok := r.seen[tenantID]; ok {
		r.mu.Unlock()
		return
	}
	r.seen[tenantID] = struct{}{}
	r.pending = append(r.pending, tenantID)
	full := len(r.pending) >= r.cfg.MaxSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Len reports the current buffer size.
func (r *ProgressiveRunner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close flushes any buffered tenant ids and stops the runner. Safe to call
// more than once.
func (r *ProgressiveRunner) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

func (r *ProgressiveRunner) run() {
	defer close(r.done)
	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			// final drain runs detached from any request context
			r.flush(context.Background())
			return
		case <-r.kick:
			r.flush(context.Background())
		case <-ticker.Chan():
			r.flush(context.Background())
		}
	}
}

func (r *ProgressiveRunner) flush(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return
		}
		n := min(len(r.pending), r.cfg.MaxSize)
		batch := make([]string, n)
		copy(batch, r.pending[:n])
		r.pending = append(r.pending[:0], r.pending[n:]...)
		for _, id := range batch {
			delete(r.seen, id)
		}
		r.mu.Unlock()

		if err := r.cfg.Dispatcher.DispatchMigrations(ctx, batch, time.Time{}); err != nil {
			r.cfg.Logger.ErrorContext(ctx, "Failed to dispatch migration batch.",
				"tenants", len(batch), "error", err)
			return
		}
	}
}

// TenantIterator pages through tenants whose applied version lags the
// target.
type TenantIterator interface {
	ListTenantsToMigrate(ctx context.Context, targetVersion string, batchSize int, cursor int64) ([]multitenant.TenantRef, error)
}

// FullFleetRunnerConfig configures a FullFleetRunner.
type FullFleetRunnerConfig struct {
	// Pool is the control-plane database pool used for the fleet lock.
	Pool *pgxpool.Pool
	// Tenants pages through lagging tenants.
	Tenants TenantIterator
	// Dispatcher receives tenant batches.
	Dispatcher MigrationDispatcher
	// TargetVersion is the version tenants are migrated toward.
	TargetVersion string
	// BatchSize bounds each page and dispatch.
	BatchSize int
	// Logger is the runner logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *FullFleetRunnerConfig) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing parameter Pool")
	}
	if c.Tenants == nil {
		return trace.BadParameter("missing parameter Tenants")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("missing parameter Dispatcher")
	}
	if c.TargetVersion == "" {
		return trace.BadParameter("missing parameter TargetVersion")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.MigrationBatchSize
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// fullFleetLockKey serializes fleet sweeps across instances sharing the
// control-plane database.
var fullFleetLockKey = pgcommon.AdvisoryLockKey("storage-migrations-fleet")

// FullFleetRunner sweeps the whole tenant catalog once, dispatching every
// lagging tenant to the queue. Only one instance sweeps at a time; the rest
// return immediately.
type FullFleetRunner struct {
	cfg FullFleetRunnerConfig
}

// NewFullFleetRunner creates a fleet sweep runner.
func NewFullFleetRunner(cfg FullFleetRunnerConfig) (*FullFleetRunner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &FullFleetRunner{cfg: cfg}, nil
}

// Run performs one sweep. Returns the number of tenants dispatched; zero
// with a nil error when another instance holds the sweep lock.
func (r *FullFleetRunner) Run(ctx context.Context) (int, error) {
	conn, err := r.cfg.Pool.Acquire(ctx)
	if err != nil {
		return 0, pgcommon.NormalizeError(ctx, err)
	}
	defer conn.Release()

	if err := pgcommon.AcquireAdvisoryLock(ctx, conn, fullFleetLockKey, false, nil); err != nil {
		if pgcommon.IsLockTimeout(err) {
			r.cfg.Logger.DebugContext(ctx, "Fleet migration sweep already running elsewhere.")
			return 0, nil
		}
		return 0, trace.Wrap(err)
	}
	defer func() {
		if err := pgcommon.ReleaseAdvisoryLock(context.Background(), conn, fullFleetLockKey); err != nil {
			r.cfg.Logger.WarnContext(ctx, "Failed to release fleet sweep lock.", "error", err)
		}
	}()

	var dispatched int
	var cursor int64
	for {
		refs, err := r.cfg.Tenants.ListTenantsToMigrate(ctx, r.cfg.TargetVersion, r.cfg.BatchSize, cursor)
		if err != nil {
			return dispatched, trace.Wrap(err)
		}
		if len(refs) == 0 {
			break
		}
		ids := make([]string, 0, len(refs))
		for _, ref := range refs {
			ids = append(ids, ref.ID)
		}
		if err := r.cfg.Dispatcher.DispatchMigrations(ctx, ids, time.Time{}); err != nil {
			return dispatched, trace.Wrap(err)
		}
		dispatched += len(ids)
		cursor = refs[len(refs)-1].CursorID
	}
	r.cfg.Logger.InfoContext(ctx, "Fleet migration sweep complete.", "tenants", dispatched)
	return dispatched, nil
}

// OnRequestRunnerConfig configures an OnRequestRunner.
type OnRequestRunnerConfig struct {
	// Engine runs the migrations.
	Engine *Engine
	// Logger is the runner logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *OnRequestRunnerConfig) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// OnRequestRunner migrates a tenant inline the first time a request reaches
// it. Concurrent requests for the same tenant coalesce onto one run, and a
// tenant already confirmed current is skipped for the process lifetime.
type OnRequestRunner struct {
	cfg  OnRequestRunnerConfig
	runs utils.KeyedMutex

	mu   sync.Mutex
	done map[string]struct{}
}

// NewOnRequestRunner creates an on-request migration runner.
func NewOnRequestRunner(cfg OnRequestRunnerConfig) (*OnRequestRunner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &OnRequestRunner{
		cfg:  cfg,
		done: make(map[string]struct{}),
	}, nil
}

// EnsureMigrated brings the tenant up to the target version if its recorded
// state says it lags. The tenant config is the caller's cached view; a
// recorded COMPLETED run at the target version short-circuits without
// touching the tenant database.
func (r *OnRequestRunner) EnsureMigrated(ctx context.Context, tenant *multitenant.TenantConfig) error {
	if tenant == nil {
		return trace.BadParameter("missing tenant config")
	}
	r.mu.Lock()
	_, alreadyDone := r.done[tenant.ID]
	r.mu.Unlock()
	if alreadyDone {
		return nil
	}
	if tenant.MigrationsVersion == r.cfg.Engine.TargetVersion() &&
		tenant.MigrationStatus == multitenant.MigrationCompleted {
		r.markDone(tenant.ID)
		return nil
	}

	_, err := r.runs.Run(ctx, "migrate:"+tenant.ID, func() (any, error) {
		return nil, r.cfg.Engine.Run(ctx, RunOptions{
			DatabaseURL: tenant.DatabaseURL,
			TenantID:    tenant.ID,
			WaitForLock: true,
		})
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.markDone(tenant.ID)
	return nil
}

func (r *OnRequestRunner) markDone(tenantID string) {
	r.mu.Lock()
	r.done[tenantID] = struct{}{}
	r.mu.Unlock()
}
