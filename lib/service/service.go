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

// Package service assembles the storage substrate: config snapshot in,
// running components out. Construction wires components in dependency order;
// Run starts the background loops and drains them on SIGTERM.
package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/blobstore"
	"github.com/supabase/storage-sub002/lib/config"
	"github.com/supabase/storage-sub002/lib/dbpool"
	"github.com/supabase/storage-sub002/lib/defaults"
	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/migrations"
	"github.com/supabase/storage-sub002/lib/multitenant"
	"github.com/supabase/storage-sub002/lib/pgcommon"
	"github.com/supabase/storage-sub002/lib/pubsub"
	"github.com/supabase/storage-sub002/lib/queue"
	"github.com/supabase/storage-sub002/lib/secrets"
	"github.com/supabase/storage-sub002/lib/sharding"
)

// Service is the assembled storage substrate.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clockwork.Clock

	// ControlPool is the control-plane database pool; nil in single-tenant
	// deployments.
	ControlPool *pgxpool.Pool
	// Store is the control-plane row store; nil in single-tenant deployments.
	Store *multitenant.Store
	// Bus is the cluster invalidation bus; nil in single-tenant deployments.
	Bus *pubsub.PubSub
	// Pools manages per-tenant connection pools.
	Pools *dbpool.Manager
	// Catalog resolves tenant configuration.
	Catalog *multitenant.Catalog
	// JWKS manages per-tenant signing keys; nil in single-tenant deployments.
	JWKS *multitenant.JWKSManager
	// S3Credentials manages per-tenant S3 credentials; nil in single-tenant
	// deployments.
	S3Credentials *multitenant.S3CredentialsManager
	// KeyGenerator runs the fleet url-signing key backfill; nil without a
	// durable queue.
	KeyGenerator *multitenant.URLSigningJWKGenerator
	// Queue dispatches durable side effects.
	Queue *queue.Queue
	// Outbox sweeps the signed event log into the queue; nil without one.
	Outbox *queue.Outbox
	// Engine applies tenant migrations.
	Engine *migrations.Engine
	// Progressive buffers tenants for batched migration; set only under the
	// PROGRESSIVE strategy.
	Progressive *migrations.ProgressiveRunner
	// OnRequest migrates tenants inline; set only under the ON_REQUEST
	// strategy.
	OnRequest *migrations.OnRequestRunner
	// Fleet sweeps all lagging tenants once at startup; set only under the
	// FULL_FLEET strategy.
	Fleet *migrations.FullFleetRunner
	// Shards is the placement ledger: database-backed in multitenant mode, a
	// fixed single shard otherwise.
	Shards sharding.Ledger
	// Blob is the object store adapter; nil when no region is configured.
	Blob *blobstore.Store

	queuePool *pgxpool.Pool
}

// New wires a Service from the config snapshot. Nothing starts running until
// Run; a returned Service holds open database pools, so failures after that
// point close them before returning.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing config")
	}

	tenantMigrations, err := migrations.LoadTenantMigrations()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s := &Service{
		cfg:    cfg,
		logger: logutils.NewPackageLogger(storage.ComponentService),
		clock:  clockwork.NewRealClock(),
	}

	s.Pools, err = dbpool.NewManager(dbpool.ManagerConfig{
		FreePoolAfterInactivity: cfg.DatabaseFreePoolAfterInactivity,
		ConnectTimeout:          cfg.DatabaseConnectionTimeout,
		StatementTimeout:        cfg.DatabaseStatementTimeout,
		SearchPath:              cfg.DBSearchPath,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if cfg.S3Region != "" {
		s.Blob, err = blobstore.New(ctx, blobstore.Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if cfg.IsMultitenant {
		err = s.wireMultitenant(ctx, cfg, tenantMigrations)
	} else {
		err = s.wireSingleTenant(cfg, tenantMigrations)
	}
	if err != nil {
		s.closePools()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func (s *Service) wireMultitenant(ctx context.Context, cfg *config.Config, tenantMigrations []migrations.Migration) error {
	pool, err := pgcommon.ConnectPostgres(ctx, pgcommon.PoolConfig{
		URL:             cfg.MultitenantDatabaseURL,
		ConnectTimeout:  cfg.DatabaseConnectionTimeout,
		ApplicationName: "storage-multitenant",
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.ControlPool = pool

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return trace.Wrap(err)
	}
	s.Store, err = multitenant.NewStore(multitenant.StoreConfig{Pool: pool, Cipher: cipher})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.Store.RunMigrations(ctx); err != nil {
		return trace.Wrap(err)
	}

	s.Bus, err = pubsub.New(pubsub.Config{Pool: pool})
	if err != nil {
		return trace.Wrap(err)
	}

	s.JWKS, err = multitenant.NewJWKSManager(multitenant.JWKSManagerConfig{
		Store:  s.Store,
		PubSub: s.Bus,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.S3Credentials, err = multitenant.NewS3CredentialsManager(multitenant.S3CredentialsManagerConfig{
		Store:  s.Store,
		PubSub: s.Bus,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.Catalog, err = multitenant.NewCatalog(multitenant.CatalogConfig{
		Store:          s.Store,
		JWKS:           s.JWKS,
		Pools:          s.Pools,
		MigrationNames: migrations.MigrationNames(tenantMigrations),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.Catalog.ListenForTenantUpdate(s.Bus); err != nil {
		return trace.Wrap(err)
	}
	if err := s.JWKS.ListenForJWKSUpdate(s.Bus); err != nil {
		return trace.Wrap(err)
	}
	if err := s.S3Credentials.ListenForS3CredentialsUpdate(s.Bus); err != nil {
		return trace.Wrap(err)
	}

	s.Engine, err = migrations.NewEngine(migrations.EngineConfig{
		Migrations:              tenantMigrations,
		Backports:               migrations.TenantBackports,
		FreezeAt:                cfg.DBMigrationFreezeAt,
		RefreshHashesOnMismatch: cfg.RefreshMigrationHashesOnMismatch,
		Tenants:                 s.Store,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if err := s.wireQueue(ctx, cfg); err != nil {
		return trace.Wrap(err)
	}
	if err := s.registerEventHandlers(); err != nil {
		return trace.Wrap(err)
	}

	dispatcher := &queueDispatcher{queue: s.Queue}
	s.KeyGenerator, err = multitenant.NewURLSigningJWKGenerator(s.JWKS, dispatcher, defaults.MigrationBatchSize)
	if err != nil {
		return trace.Wrap(err)
	}

	switch cfg.DBMigrationStrategy {
	case config.MigrationStrategyProgressive:
		s.Progressive, err = migrations.NewProgressiveRunner(migrations.ProgressiveRunnerConfig{
			Dispatcher: dispatcher,
		})
	case config.MigrationStrategyFullFleet:
		s.Fleet, err = migrations.NewFullFleetRunner(migrations.FullFleetRunnerConfig{
			Pool:          pool,
			Tenants:       s.Store,
			Dispatcher:    dispatcher,
			TargetVersion: s.Engine.TargetVersion(),
		})
	default:
		s.OnRequest, err = migrations.NewOnRequestRunner(migrations.OnRequestRunnerConfig{
			Engine: s.Engine,
		})
	}
	if err != nil {
		return trace.Wrap(err)
	}

	shards, err := sharding.NewCatalog(sharding.CatalogConfig{Pool: pool})
	if err != nil {
		return trace.Wrap(err)
	}
	s.Shards = shards
	return nil
}

func (s *Service) wireSingleTenant(cfg *config.Config, tenantMigrations []migrations.Migration) error {
	names := migrations.MigrationNames(tenantMigrations)
	var err error
	s.Catalog, err = multitenant.NewCatalog(multitenant.CatalogConfig{
		SingleTenant: &multitenant.SingleTenant{
			TenantID:          cfg.TenantID,
			DatabaseURL:       cfg.DatabaseURL,
			JWTSecret:         cfg.JWTSecret,
			ServiceKey:        cfg.ServiceKey,
			ServiceRole:       cfg.DBServiceRole,
			MaxConnections:    cfg.DatabaseMaxConnections,
			MigrationsVersion: names[len(names)-1],
		},
		MigrationNames: names,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	s.Engine, err = migrations.NewEngine(migrations.EngineConfig{
		Migrations:              tenantMigrations,
		Backports:               migrations.TenantBackports,
		FreezeAt:                cfg.DBMigrationFreezeAt,
		RefreshHashesOnMismatch: cfg.RefreshMigrationHashesOnMismatch,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	// no durable backend in single-tenant mode; events that allow sync run
	// inline, the rest are dropped with a warning
	s.Queue, err = queue.New(queue.Config{Tenants: s.Catalog})
	if err != nil {
		return trace.Wrap(err)
	}
	s.Shards = &sharding.SingleShard{}
	return nil
}

func (s *Service) wireQueue(ctx context.Context, cfg *config.Config) error {
	if !cfg.PgQueueEnable {
		var err error
		s.Queue, err = queue.New(queue.Config{Tenants: s.Catalog})
		return trace.Wrap(err)
	}

	queuePool := s.ControlPool
	if cfg.PgQueueConnectionURL != "" {
		var err error
		queuePool, err = pgcommon.ConnectPostgres(ctx, pgcommon.PoolConfig{
			URL:             cfg.PgQueueConnectionURL,
			ConnectTimeout:  cfg.DatabaseConnectionTimeout,
			ApplicationName: cfg.PgQueueApplicationName,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		s.queuePool = queuePool
	}

	backend, err := queue.NewPGBackend(queue.PGBackendConfig{Pool: queuePool})
	if err != nil {
		return trace.Wrap(err)
	}
	s.Queue, err = queue.New(queue.Config{
		Backend: backend,
		Tenants: s.Catalog,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.Outbox, err = queue.NewOutbox(queue.OutboxConfig{
		Pool:       queuePool,
		Backend:    backend,
		SigningKey: []byte(cfg.EncryptionKey),
	})
	return trace.Wrap(err)
}

// EnsureTenantMigrated is the request-path hook: it observes the tenant under
// the configured strategy, either migrating inline, buffering it for a
// batch, or doing nothing because the fleet sweep owns scheduling.
func (s *Service) EnsureTenantMigrated(ctx context.Context, tenant *multitenant.TenantConfig) error {
	switch {
	case s.OnRequest != nil:
		return trace.Wrap(s.OnRequest.EnsureMigrated(ctx, tenant))
	case s.Progressive != nil:
		if tenant.MigrationsVersion != s.Engine.TargetVersion() {
			s.Progressive.Observe(tenant.ID)
		}
		return nil
	default:
		return nil
	}
}

// Run starts the background loops and blocks until the context is canceled
// or a termination signal arrives, then shuts down in dependency order.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !s.cfg.IsMultitenant {
		err := s.Engine.Run(ctx, migrations.RunOptions{
			DatabaseURL: s.cfg.DatabaseURL,
			WaitForLock: true,
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	s.Pools.Start(groupCtx)
	if s.Bus != nil {
		if err := s.Bus.Start(groupCtx); err != nil {
			return trace.Wrap(err)
		}
	}
	if s.Queue.Enabled() {
		if err := s.Queue.Work(groupCtx); err != nil {
			return trace.Wrap(err)
		}
	}
	if s.Outbox != nil {
		group.Go(func() error {
			return ignoreCanceled(s.Outbox.Run(groupCtx))
		})
	}
	if s.Fleet != nil {
		group.Go(func() error {
			dispatched, err := s.Fleet.Run(groupCtx)
			if err != nil {
				s.logger.ErrorContext(groupCtx, "Fleet migration sweep failed.", "error", err)
				return nil
			}
			s.logger.InfoContext(groupCtx, "Fleet migration sweep dispatched.", "tenants", dispatched)
			return nil
		})
	}
	if s.Store != nil && s.Queue.Enabled() {
		group.Go(func() error {
			s.staleMigrationLoop(groupCtx)
			return nil
		})
	}

	s.logger.InfoContext(ctx, "Storage service running.",
		"multitenant", s.cfg.IsMultitenant,
		"migration_strategy", string(s.cfg.DBMigrationStrategy),
		"queue", s.Queue.Enabled())

	<-ctx.Done()
	s.logger.InfoContext(context.Background(), "Shutting down.")

	// drain buffered migration batches while the queue backend is still up
	if s.Progressive != nil {
		s.Progressive.Close()
	}
	cancel()
	err := group.Wait()

	s.Pools.Stop()
	if s.Bus != nil {
		s.Bus.Close()
	}
	s.closePools()
	return trace.Wrap(err)
}

// staleMigrationLoop periodically promotes aged FAILED tenants to
// FAILED_STALE and reschedules them with a delay, so a tenant that failed a
// migration is retried once things settle rather than never.
func (s *Service) staleMigrationLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(defaults.FailedStaleRetryAfter)
	defer ticker.Stop()

	dispatcher := &queueDispatcher{queue: s.Queue}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		now := s.clock.Now()
		tenantIDs, err := s.Store.MarkStaleFailedMigrations(ctx, defaults.FailedStaleRetryAfter, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to sweep stale failed migrations.", "error", err)
			continue
		}
		if len(tenantIDs) == 0 {
			continue
		}
		err = dispatcher.DispatchMigrations(ctx, tenantIDs, now.Add(defaults.FailedStaleRetryAfter))
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to reschedule stale failed migrations.",
				"tenants", len(tenantIDs), "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "Rescheduled stale failed migrations.", "tenants", len(tenantIDs))
	}
}

func (s *Service) closePools() {
	if s.queuePool != nil {
		s.queuePool.Close()
	}
	if s.ControlPool != nil {
		s.ControlPool.Close()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return trace.Wrap(err)
}
