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
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// SingleShard is the degenerate ledger for single-tenant deployments: one
// always-available shard with unbounded capacity and no persistence.
// Reservations are handed out pre-confirmed; cancel and confirm are no-ops
// that keep the Ledger contract.
type SingleShard struct {
	// ShardKey is the fixed key reported for every placement. Defaults to
	// "default".
	ShardKey string
	// Clock is the time source. Defaults to the real clock.
	Clock clockwork.Clock
}

var _ Ledger = (*SingleShard)(nil)

func (s *SingleShard) shardKey() string {
	if s.ShardKey == "" {
		return "default"
	}
	return s.ShardKey
}

func (s *SingleShard) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

// Reserve hands out a trivial confirmed reservation.
func (s *SingleShard) Reserve(ctx context.Context, params ReserveParams) (*Reservation, error) {
	if err := params.check(); err != nil {
		return nil, err
	}
	return &Reservation{
		ID:             uuid.NewString(),
		Kind:           params.Kind,
		ResourceID:     ResourceID(params.Kind, params.BucketName, params.LogicalName),
		TenantID:       params.TenantID,
		ShardID:        s.shardKey(),
		ShardKey:       s.shardKey(),
		SlotNo:         0,
		Status:         ReservationConfirmed,
		LeaseExpiresAt: s.now().Add(params.Lease),
	}, nil
}

// Confirm is a no-op acknowledgment.
func (s *SingleShard) Confirm(ctx context.Context, reservationID, resourceID string) (*Reservation, error) {
	return &Reservation{
		ID:         reservationID,
		ResourceID: resourceID,
		ShardID:    s.shardKey(),
		ShardKey:   s.shardKey(),
		Status:     ReservationConfirmed,
	}, nil
}

// Cancel is a no-op.
func (s *SingleShard) Cancel(ctx context.Context, reservationID string) error {
	return nil
}

// FindShardByResourceID always resolves to the fixed shard.
func (s *SingleShard) FindShardByResourceID(ctx context.Context, kind, resourceID string) (*Shard, error) {
	return &Shard{
		ID:       s.shardKey(),
		Kind:     kind,
		ShardKey: s.shardKey(),
		Status:   ShardActive,
	}, nil
}
