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

// Package sharding is a capacity-bounded placement ledger. Resources claim a
// slot on a shard through a two-phase reservation: a pending lease that a
// caller either confirms or lets lapse. Slot selection serializes through
// row locks; reservation per resource serializes through a transaction
// advisory lock on the canonical resource id.
package sharding

import (
	"context"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/logutils"
)

var log = logutils.NewPackageLogger(storage.ComponentSharding)

// ShardStatus is a shard's placement availability.
type ShardStatus string

const (
	// ShardActive accepts new reservations.
	ShardActive ShardStatus = "active"
	// ShardDraining serves existing slots but accepts no new reservations.
	ShardDraining ShardStatus = "draining"
	// ShardDisabled is out of rotation.
	ShardDisabled ShardStatus = "disabled"
)

// ReservationStatus is a reservation's lifecycle state. pending and
// confirmed are live; cancelled and expired are terminal.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// DefaultLease is how long a pending reservation holds its slot before a
// confirm is required.
const DefaultLease = 60 * time.Second

// Shard is one placement bucket.
type Shard struct {
	ID        string
	Kind      string
	ShardKey  string
	Capacity  int
	NextSlot  int
	Status    ShardStatus
	CreatedAt time.Time
}

// Reservation is one claim on a shard slot.
type Reservation struct {
	ID             string
	Kind           string
	ResourceID     string
	TenantID       string
	ShardID        string
	ShardKey       string
	SlotNo         int
	Status         ReservationStatus
	LeaseExpiresAt time.Time
}

// ResourceID builds the canonical resource id a reservation is keyed on.
func ResourceID(kind, bucketName, logicalName string) string {
	return kind + "::" + bucketName + "::" + logicalName
}

// Ledger is the reservation surface consumed by placement callers. Satisfied
// by *Catalog and by SingleShard.
type Ledger interface {
	Reserve(ctx context.Context, params ReserveParams) (*Reservation, error)
	Confirm(ctx context.Context, reservationID, resourceID string) (*Reservation, error)
	Cancel(ctx context.Context, reservationID string) error
	FindShardByResourceID(ctx context.Context, kind, resourceID string) (*Shard, error)
}

// ReserveParams identify the resource claiming a slot.
type ReserveParams struct {
	// Kind namespaces shards and reservations.
	Kind string
	// TenantID owns the resource.
	TenantID string
	// BucketName and LogicalName form the canonical resource id with Kind.
	BucketName  string
	LogicalName string
	// Lease bounds how long the pending reservation holds its slot.
	// Defaults to DefaultLease.
	Lease time.Duration
}

func (p *ReserveParams) check() error {
	if p.Kind == "" {
		return trace.BadParameter("missing parameter Kind")
	}
	if p.TenantID == "" {
		return trace.BadParameter("missing parameter TenantID")
	}
	if p.BucketName == "" {
		return trace.BadParameter("missing parameter BucketName")
	}
	if p.LogicalName == "" {
		return trace.BadParameter("missing parameter LogicalName")
	}
	if p.Lease <= 0 {
		p.Lease = DefaultLease
	}
	return nil
}

const (
	noActiveShardMessage      = "no active shard with free capacity"
	expiredReservationMessage = "reservation lease expired"
)

// NoActiveShard means every shard of the kind is full, draining, or
// disabled.
func NoActiveShard(kind string) error {
	return trace.LimitExceeded("%s for kind %q", noActiveShardMessage, kind)
}

// IsNoActiveShard reports whether err came from NoActiveShard.
func IsNoActiveShard(err error) bool {
	return trace.IsLimitExceeded(err) && strings.Contains(err.Error(), noActiveShardMessage)
}

// ExpiredReservation means the pending lease lapsed before confirm; the slot
// has been freed.
func ExpiredReservation(reservationID string) error {
	return trace.CompareFailed("%s for reservation %q", expiredReservationMessage, reservationID)
}

// IsExpiredReservation reports whether err came from ExpiredReservation.
func IsExpiredReservation(err error) bool {
	return trace.IsCompareFailed(err) && strings.Contains(err.Error(), expiredReservationMessage)
}
