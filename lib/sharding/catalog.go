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

package sharding

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002/lib/pgcommon"
)

// CatalogConfig configures a shard catalog.
type CatalogConfig struct {
	// Pool is the control-plane database pool.
	Pool *pgxpool.Pool
	// Clock is the time source for lease arithmetic.
	Clock clockwork.Clock
	// Logger is the catalog logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *CatalogConfig) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing parameter Pool")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// Catalog is the database-backed shard ledger.
type Catalog struct {
	cfg CatalogConfig
}

// NewCatalog creates a shard catalog.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Catalog{cfg: cfg}, nil
}

// CreateShard registers a shard. Idempotent on (kind, shardKey): a repeat
// call returns the existing row unchanged.
func (c *Catalog) CreateShard(ctx context.Context, kind, shardKey string, capacity int, status ShardStatus) (*Shard, error) {
	if kind == "" || shardKey == "" {
		return nil, trace.BadParameter("missing shard kind or key")
	}
	if capacity <= 0 {
		return nil, trace.BadParameter("shard capacity must be positive, got %d", capacity)
	}
	if status == "" {
		status = ShardActive
	}

	_, err := c.cfg.Pool.Exec(ctx, `
		INSERT INTO shards (id, kind, shard_key, capacity, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT shards_kind_shard_key DO NOTHING`,
		uuid.NewString(), kind, shardKey, capacity, string(status))
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}

	shard, err := c.findShard(ctx, c.cfg.Pool, kind, shardKey)
	return shard, trace.Wrap(err)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (c *Catalog) findShard(ctx context.Context, q rowQuerier, kind, shardKey string) (*Shard, error) {
	var shard Shard
	err := q.QueryRow(ctx, `
		SELECT id, kind, shard_key, capacity, next_slot, status, created_at
		FROM shards WHERE kind = $1 AND shard_key = $2`,
		kind, shardKey).
		Scan(&shard.ID, &shard.Kind, &shard.ShardKey, &shard.Capacity, &shard.NextSlot, &shard.Status, &shard.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("shard %q/%q not found", kind, shardKey)
		}
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	return &shard, nil
}

// Reserve claims one slot for the resource, placing it on the active shard
// with the least free capacity so shards fill up one at a time. A live
// reservation for the same resource is returned as-is, which also resolves
// two-writer races: both callers end up holding the same reservation.
func (c *Catalog) Reserve(ctx context.Context, params ReserveParams) (*Reservation, error) {
	if err := params.check(); err != nil {
		return nil, trace.Wrap(err)
	}
	resourceID := ResourceID(params.Kind, params.BucketName, params.LogicalName)

	reservation, err := c.reserve(ctx, params, resourceID)
	if err != nil && pgcommon.IsUniqueViolation(err, "shard_reservations_one_live_per_resource") {
		// a writer outside the advisory lock won the insert; return theirs
		reservation, err = c.findLiveReservation(ctx, c.cfg.Pool, params.Kind, resourceID)
	}
	return reservation, trace.Wrap(err)
}

func (c *Catalog) reserve(ctx context.Context, params ReserveParams, resourceID string) (*Reservation, error) {
	tx, err := c.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	defer tx.Rollback(ctx)

	if err := pgcommon.AcquireTxAdvisoryLock(ctx, tx, pgcommon.AdvisoryLockKey(resourceID)); err != nil {
		return nil, trace.Wrap(err)
	}

	existing, err := c.findLiveReservation(ctx, tx, params.Kind, resourceID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if existing != nil {
		return existing, nil
	}

	// a terminal prior reservation gives up its claim on the resource id
	_, err = tx.Exec(ctx, `
		DELETE FROM shard_reservations
		WHERE kind = $1 AND resource_id = $2 AND status IN ($3, $4)`,
		params.Kind, resourceID, string(ReservationCancelled), string(ReservationExpired))
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}

	var shard Shard
	err = tx.QueryRow(ctx, `
		SELECT id, shard_key, next_slot
		FROM shards
		WHERE kind = $1 AND status = $2
			AND capacity > (SELECT count(*) FROM shard_slots WHERE shard_slots.shard_id = shards.id)
		ORDER BY capacity - (SELECT count(*) FROM shard_slots WHERE shard_slots.shard_id = shards.id) ASC,
			created_at ASC
		LIMIT 1
		FOR UPDATE`,
		params.Kind, string(ShardActive)).
		Scan(&shard.ID, &shard.ShardKey, &shard.NextSlot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NoActiveShard(params.Kind)
		}
		return nil, pgcommon.NormalizeError(ctx, err)
	}

	slotNo := shard.NextSlot
	if _, err := tx.Exec(ctx, `UPDATE shards SET next_slot = next_slot + 1 WHERE id = $1`, shard.ID); err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}

	// a freed slot may still carry terminal reservation rows
	_, err = tx.Exec(ctx, `
		DELETE FROM shard_reservations
		WHERE shard_id = $1 AND slot_no = $2 AND status IN ($3, $4)`,
		shard.ID, slotNo, string(ReservationCancelled), string(ReservationExpired))
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO shard_slots (shard_id, slot_no, tenant_id, resource_id)
		VALUES ($1, $2, $3, $4)`,
		shard.ID, slotNo, params.TenantID, resourceID)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}

	reservation := &Reservation{
		ID:             uuid.NewString(),
		Kind:           params.Kind,
		ResourceID:     resourceID,
		TenantID:       params.TenantID,
		ShardID:        shard.ID,
		ShardKey:       shard.ShardKey,
		SlotNo:         slotNo,
		Status:         ReservationPending,
		LeaseExpiresAt: c.cfg.Clock.Now().Add(params.Lease),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO shard_reservations (id, kind, resource_id, tenant_id, shard_id, shard_key, slot_no, status, lease_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		reservation.ID, reservation.Kind, reservation.ResourceID, reservation.TenantID,
		reservation.ShardID, reservation.ShardKey, reservation.SlotNo,
		string(reservation.Status), reservation.LeaseExpiresAt)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	return reservation, nil
}

func (c *Catalog) findLiveReservation(ctx context.Context, q rowQuerier, kind, resourceID string) (*Reservation, error) {
	var r Reservation
	err := q.QueryRow(ctx, `
		SELECT id, kind, resource_id, tenant_id, shard_id, shard_key, slot_no, status, lease_expires_at
		FROM shard_reservations
		WHERE kind = $1 AND resource_id = $2 AND status IN ($3, $4)`,
		kind, resourceID, string(ReservationPending), string(ReservationConfirmed)).
		Scan(&r.ID, &r.Kind, &r.ResourceID, &r.TenantID, &r.ShardID, &r.ShardKey,
			&r.SlotNo, &r.Status, &r.LeaseExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("no live reservation for %q", resourceID)
		}
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	return &r, nil
}

// Confirm transitions a pending reservation to confirmed while its lease
// still holds. A lapsed lease expires the reservation, frees its slot, and
// fails with ExpiredReservation.
func (c *Catalog) Confirm(ctx context.Context, reservationID, resourceID string) (*Reservation, error) {
	tx, err := c.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	defer tx.Rollback(ctx)

	var r Reservation
	err = tx.QueryRow(ctx, `
		SELECT id, kind, resource_id, tenant_id, shard_id, shard_key, slot_no, status, lease_expires_at
		FROM shard_reservations WHERE id = $1
		FOR UPDATE`,
		reservationID).
		Scan(&r.ID, &r.Kind, &r.ResourceID, &r.TenantID, &r.ShardID, &r.ShardKey,
			&r.SlotNo, &r.Status, &r.LeaseExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("reservation %q not found", reservationID)
		}
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	if resourceID != "" && r.ResourceID != resourceID {
		return nil, trace.BadParameter("reservation %q is for %q, not %q", reservationID, r.ResourceID, resourceID)
	}
	if r.Status != ReservationPending {
		return nil, trace.CompareFailed("reservation %q is %s, not pending", reservationID, r.Status)
	}

	now := c.cfg.Clock.Now()
	if r.LeaseExpiresAt.Before(now) {
		_, err = tx.Exec(ctx, `UPDATE shard_reservations SET status = $2 WHERE id = $1`,
			r.ID, string(ReservationExpired))
		if err != nil {
			return nil, pgcommon.NormalizeError(ctx, err)
		}
		_, err = tx.Exec(ctx, `DELETE FROM shard_slots WHERE shard_id = $1 AND slot_no = $2`,
			r.ShardID, r.SlotNo)
		if err != nil {
			return nil, pgcommon.NormalizeError(ctx, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, pgcommon.NormalizeError(ctx, err)
		}
		return nil, ExpiredReservation(reservationID)
	}

	_, err = tx.Exec(ctx, `UPDATE shard_reservations SET status = $2 WHERE id = $1`,
		r.ID, string(ReservationConfirmed))
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	r.Status = ReservationConfirmed
	return &r, nil
}

// Cancel transitions a pending reservation to cancelled and frees its slot.
// A missing or already-terminal reservation is a no-op.
func (c *Catalog) Cancel(ctx context.Context, reservationID string) error {
	tx, err := c.cfg.Pool.Begin(ctx)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	defer tx.Rollback(ctx)

	var shardID string
	var slotNo int
	err = tx.QueryRow(ctx, `
		UPDATE shard_reservations SET status = $2
		WHERE id = $1 AND status = $3
		RETURNING shard_id, slot_no`,
		reservationID, string(ReservationCancelled), string(ReservationPending)).
		Scan(&shardID, &slotNo)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return pgcommon.NormalizeError(ctx, err)
	}
	_, err = tx.Exec(ctx, `DELETE FROM shard_slots WHERE shard_id = $1 AND slot_no = $2`,
		shardID, slotNo)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	return pgcommon.NormalizeError(ctx, tx.Commit(ctx))
}

// ExpireLeases expires every pending reservation past its lease, freeing the
// slots, and returns how many changed.
func (c *Catalog) ExpireLeases(ctx context.Context) (int64, error) {
	var count int64
	err := c.cfg.Pool.QueryRow(ctx, `
		WITH expired AS (
			UPDATE shard_reservations SET status = $1
			WHERE status = $2 AND lease_expires_at < $3
			RETURNING shard_id, slot_no
		), freed AS (
			DELETE FROM shard_slots
			USING expired
			WHERE shard_slots.shard_id = expired.shard_id
				AND shard_slots.slot_no = expired.slot_no
		)
		SELECT count(*) FROM expired`,
		string(ReservationExpired), string(ReservationPending), c.cfg.Clock.Now()).
		Scan(&count)
	if err != nil {
		return 0, pgcommon.NormalizeError(ctx, err)
	}
	return count, nil
}

// FreeByLocation releases a slot by its position.
func (c *Catalog) FreeByLocation(ctx context.Context, shardID string, slotNo int) error {
	_, err := c.cfg.Pool.Exec(ctx,
		`DELETE FROM shard_slots WHERE shard_id = $1 AND slot_no = $2`, shardID, slotNo)
	return pgcommon.NormalizeError(ctx, err)
}

// FreeByResource releases a slot by the resource occupying it.
func (c *Catalog) FreeByResource(ctx context.Context, shardID, resourceID string) error {
	_, err := c.cfg.Pool.Exec(ctx,
		`DELETE FROM shard_slots WHERE shard_id = $1 AND resource_id = $2`, shardID, resourceID)
	return pgcommon.NormalizeError(ctx, err)
}

// FindShardByResourceID resolves the shard a live reservation placed the
// resource on.
func (c *Catalog) FindShardByResourceID(ctx context.Context, kind, resourceID string) (*Shard, error) {
	reservation, err := c.findLiveReservation(ctx, c.cfg.Pool, kind, resourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var shard Shard
	err = c.cfg.Pool.QueryRow(ctx, `
		SELECT id, kind, shard_key, capacity, next_slot, status, created_at
		FROM shards WHERE id = $1`, reservation.ShardID).
		Scan(&shard.ID, &shard.Kind, &shard.ShardKey, &shard.Capacity, &shard.NextSlot, &shard.Status, &shard.CreatedAt)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	return &shard, nil
}
