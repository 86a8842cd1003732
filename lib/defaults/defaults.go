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

// Package defaults holds process-wide default values shared by the storage
// subsystems. Values here are fallbacks; most are overridable through the
// environment (see lib/config).
package defaults

import "time"

const (
	// DatabaseConnectTimeout bounds establishing a new database connection.
	DatabaseConnectTimeout = 3 * time.Second

	// DatabaseAcquireTimeout bounds acquiring a connection from a pool.
	DatabaseAcquireTimeout = 5 * time.Second

	// DatabaseStatementTimeout is the default per-transaction statement
	// timeout applied with SET LOCAL; zero disables it.
	DatabaseStatementTimeout = 0 * time.Second

	// DatabaseMaxConnections caps a tenant pool before cluster-size division.
	DatabaseMaxConnections = 20

	// DatabaseFreePoolAfterInactivity is how long a tenant pool may sit idle
	// before the reaper destroys it.
	DatabaseFreePoolAfterInactivity = 60 * time.Second
)

const (
	// AcquireRetryBase is the first backoff step when a pool reports that no
	// more connections are allowed.
	AcquireRetryBase = 50 * time.Millisecond

	// AcquireRetryCap caps the exponential backoff between acquire attempts.
	AcquireRetryCap = 200 * time.Millisecond

	// AcquireRetryAttempts is the maximum number of acquire attempts.
	AcquireRetryAttempts = 10

	// AcquireRetryBudget bounds the total time spent retrying an acquire.
	AcquireRetryBudget = 3 * time.Second
)

const (
	// MigrationLockBudget bounds waiting for the migration advisory lock.
	MigrationLockBudget = 3 * time.Second

	// MigrationLockBackoffStep grows the sleep between advisory lock attempts
	// linearly with the attempt count.
	MigrationLockBackoffStep = 20 * time.Millisecond

	// MigrationBatchSize is how many tenants are dispatched per batch by the
	// progressive and full-fleet strategies.
	MigrationBatchSize = 200

	// ProgressiveInterval is how often the progressive buffer flushes when it
	// does not fill up first.
	ProgressiveInterval = 30 * time.Second

	// FailedStaleRetryAfter is the delay applied when rescheduling a tenant
	// whose previous migration aged into FAILED_STALE.
	FailedStaleRetryAfter = 5 * time.Minute
)

const (
	// ReservationLease is the default shard reservation lease.
	ReservationLease = 60 * time.Second

	// MaxS3Credentials caps stored credentials per tenant.
	MaxS3Credentials = 50

	// S3CredentialsCacheTTL bounds the credential cache entry lifetime.
	S3CredentialsCacheTTL = time.Hour

	// S3CredentialsCacheSize is the entry cap of the credential LRU.
	S3CredentialsCacheSize = 1024
)

const (
	// PubSubReconnectInterval is the pause before the listener reconnects
	// after losing its connection.
	PubSubReconnectInterval = time.Second

	// QueuePollInterval is how often queue workers look for ready jobs.
	QueuePollInterval = 2 * time.Second

	// QueueVisibilityTimeout is how long a fetched job stays invisible before
	// it becomes eligible for redelivery.
	QueueVisibilityTimeout = 30 * time.Second
)
