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

// Package multitenant implements the tenant catalog: loading, caching and
// invalidating per-tenant configuration, signing keys, and S3 credentials
// from the multitenant control-plane database.
package multitenant

import (
	"time"

	"github.com/go-jose/go-jose/v4"
)

// PoolMode describes how a tenant's external pooler DSN may be used.
type PoolMode string

const (
	// PoolModeSingleUse pools are capped at one connection and destroyed at
	// request teardown.
	PoolModeSingleUse PoolMode = "single_use"
	// PoolModeRecycled pools persist across requests.
	PoolModeRecycled PoolMode = "recycled"
)

// MigrationStatus is the tenant's last recorded migration outcome.
type MigrationStatus string

const (
	// MigrationCompleted means the tenant is at its recorded version.
	MigrationCompleted MigrationStatus = "COMPLETED"
	// MigrationFailed means the last migration attempt errored.
	MigrationFailed MigrationStatus = "FAILED"
	// MigrationFailedStale means the failure aged past the stabilization
	// window without a successful retry.
	MigrationFailedStale MigrationStatus = "FAILED_STALE"
)

// TenantConfig is the decrypted configuration for one tenant. Instances are
// cached and shared between readers; treat them as immutable.
type TenantConfig struct {
	// ID is the stable opaque tenant identifier.
	ID string
	// DatabaseURL is the direct DSN to the tenant database.
	DatabaseURL string
	// DatabasePoolURL is the poolable DSN when the tenant fronts its database
	// with an external session pooler; empty when none exists.
	DatabasePoolURL string
	// DatabasePoolMode applies to DatabasePoolURL.
	DatabasePoolMode PoolMode
	// MaxConnections is the tenant-wide connection budget.
	MaxConnections int
	// FileSizeLimit caps uploaded object size in bytes.
	FileSizeLimit int64
	// Features holds per-tenant policy flags.
	Features map[string]bool
	// JWTSecret verifies tenant-issued tokens.
	JWTSecret string
	// JWKS is the legacy inline key set, merged with rows from the JWKS
	// store on read.
	JWKS *jose.JSONWebKeySet
	// ServiceKey is the tenant's service token.
	ServiceKey string
	// MigrationsVersion is the name of the last applied migration.
	MigrationsVersion string
	// MigrationStatus is empty for tenants that never ran migrations.
	MigrationStatus MigrationStatus
	// SyncMigrationsDone marks tenants migrated inline during this process
	// lifetime so the on-request strategy skips repeat checks.
	SyncMigrationsDone bool
	// TracingMode selects per-tenant trace verbosity.
	TracingMode string
	// DisabledEvents lists queue event names suppressed for this tenant.
	DisabledEvents []string
	// CreatedAt is the tenant row creation time.
	CreatedAt time.Time
}

// HasFeature reports whether a policy flag is enabled for the tenant.
func (c *TenantConfig) HasFeature(feature string) bool {
	return c.Features[feature]
}

// Capability names functionality gated on the tenant schema version.
type Capability string

const (
	// CapabilityListV2 is the keyset-paginated object listing.
	CapabilityListV2 Capability = "list-objects-v2"
	// CapabilityIcebergCatalog is the Iceberg catalog surface.
	CapabilityIcebergCatalog Capability = "iceberg-catalog"
)

// capabilityGates orders schema-gated capabilities by the migration that
// introduces them. A tenant has a capability iff its migrations version is at
// or past the gating migration.
var capabilityGates = []struct {
	capability Capability
	migration  string
}{
	{CapabilityListV2, "list-objects-with-delimiter"},
	{CapabilityIcebergCatalog, "iceberg-catalog-support"},
}

// CapabilitiesForVersion derives the capability set from a migrations
// version, given the full ordered migration name list.
func CapabilitiesForVersion(version string, orderedMigrations []string) map[Capability]bool {
	index := make(map[string]int, len(orderedMigrations))
	for i, name := range orderedMigrations {
		index[name] = i
	}

	caps := make(map[Capability]bool, len(capabilityGates))
	at, ok := index[version]
	for _, gate := range capabilityGates {
		gateAt, gateKnown := index[gate.migration]
		caps[gate.capability] = ok && gateKnown && at >= gateAt
	}
	return caps
}
