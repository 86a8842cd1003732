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

package service

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/supabase/storage-sub002/lib/migrations"
	"github.com/supabase/storage-sub002/lib/multitenant"
	"github.com/supabase/storage-sub002/lib/queue"
)

const (
	// EventTenantMigration migrates one tenant database to the target
	// version. Singleton per tenant so a tenant is never migrated twice
	// concurrently through the queue.
	EventTenantMigration = "tenants-migrations"
	// EventJWKSBackfill generates a url-signing JWK for one tenant.
	EventJWKSBackfill = "tenants-jwks-backfill"
)

// queueDispatcher fans tenant batches out as one queue job per tenant. It is
// the glue between the schedulers, which think in batches, and the queue,
// which retries per tenant.
type queueDispatcher struct {
	queue *queue.Queue
}

var (
	_ migrations.MigrationDispatcher    = (*queueDispatcher)(nil)
	_ multitenant.JWKBackfillDispatcher = (*queueDispatcher)(nil)
)

// DispatchMigrations enqueues one migration job per tenant in a single
// insert. startAfter delays delivery, used when rescheduling tenants whose
// previous run failed.
func (d *queueDispatcher) DispatchMigrations(ctx context.Context, tenantIDs []string, startAfter time.Time) error {
	events := make([]queue.Event, 0, len(tenantIDs))
	for _, tenantID := range tenantIDs {
		events = append(events, queue.Event{
			Name:     EventTenantMigration,
			TenantID: tenantID,
			Options: queue.SendOptions{
				SingletonKey: tenantID,
				StartAfter:   startAfter,
				RetryLimit:   3,
				RetryDelay:   time.Minute,
			},
		})
	}
	return trace.Wrap(d.queue.BatchSend(ctx, events))
}

// DispatchJWKBackfill enqueues one key-generation job per tenant.
func (d *queueDispatcher) DispatchJWKBackfill(ctx context.Context, tenantIDs []string) error {
	events := make([]queue.Event, 0, len(tenantIDs))
	for _, tenantID := range tenantIDs {
		events = append(events, queue.Event{
			Name:     EventJWKSBackfill,
			TenantID: tenantID,
			Options: queue.SendOptions{
				SingletonKey: tenantID,
				RetryLimit:   5,
				RetryDelay:   30 * time.Second,
			},
		})
	}
	return trace.Wrap(d.queue.BatchSend(ctx, events))
}

// registerEventHandlers binds the multitenant background events to their
// handlers. Called during wiring, before workers start.
func (s *Service) registerEventHandlers() error {
	err := s.Queue.RegisterHandler(EventTenantMigration, s.handleTenantMigration, queue.SendOptions{
		RetryLimit: 3,
		RetryDelay: time.Minute,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	err = s.Queue.RegisterHandler(EventJWKSBackfill, s.handleJWKSBackfill, queue.SendOptions{
		RetryLimit: 5,
		RetryDelay: 30 * time.Second,
	})
	return trace.Wrap(err)
}

// handleTenantMigration migrates the event's tenant. The engine records the
// outcome on the tenant row; a returned error lets the queue drive retries.
func (s *Service) handleTenantMigration(ctx context.Context, event queue.Event) error {
	if event.TenantID == "" {
		return trace.BadParameter("migration event without tenant id")
	}
	tenant, err := s.Store.GetTenant(ctx, event.TenantID)
	if err != nil {
		if trace.IsNotFound(err) {
			s.logger.WarnContext(ctx, "Tenant deleted before its migration job ran, skipping.",
				"tenant_id", event.TenantID)
			return nil
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(s.Engine.Run(ctx, migrations.RunOptions{
		DatabaseURL: tenant.DatabaseURL,
		TenantID:    tenant.ID,
		WaitForLock: true,
	}))
}

// handleJWKSBackfill generates a url-signing key for the event's tenant.
// Generation is idempotent, so retries and duplicate jobs are harmless.
func (s *Service) handleJWKSBackfill(ctx context.Context, event queue.Event) error {
	if event.TenantID == "" {
		return trace.BadParameter("jwks backfill event without tenant id")
	}
	return trace.Wrap(s.JWKS.GenerateURLSigningJWK(ctx, event.TenantID))
}
