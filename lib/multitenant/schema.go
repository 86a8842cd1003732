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

package multitenant

// controlPlaneSchema is the multitenant control-plane DDL, applied in order
// under the migration advisory lock. Statements are idempotent so repeated
// runs converge without a version table.
var controlPlaneSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id text PRIMARY KEY,
		cursor_id bigint GENERATED ALWAYS AS IDENTITY,
		database_url text NOT NULL,
		database_pool_url text,
		database_pool_mode text,
		max_connections integer,
		file_size_limit bigint,
		feature_flags jsonb NOT NULL DEFAULT '{}'::jsonb,
		jwt_secret text NOT NULL,
		jwks jsonb,
		service_key text NOT NULL,
		migrations_version text,
		migrations_status text,
		migrations_state_changed_at timestamptz,
		tracing_mode text,
		disabled_events text[],
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS tenants_cursor_id_idx ON tenants (cursor_id)`,

	`CREATE TABLE IF NOT EXISTS tenants_jwks (
		id uuid PRIMARY KEY,
		tenant_id text NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
		kind text NOT NULL CHECK (kind ~ '^[a-zA-Z0-9_-]{1,50}$'),
		content text NOT NULL,
		active boolean NOT NULL DEFAULT true,
		cursor_id bigint GENERATED ALWAYS AS IDENTITY,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS tenants_jwks_one_active_per_kind
		ON tenants_jwks (tenant_id, kind) WHERE active`,

	`CREATE TABLE IF NOT EXISTS tenants_s3_credentials (
		id uuid PRIMARY KEY,
		tenant_id text NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
		description text NOT NULL,
		access_key text NOT NULL,
		secret_key text NOT NULL,
		claims jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT tenants_s3_credentials_access_key UNIQUE (tenant_id, access_key)
	)`,

	`CREATE TABLE IF NOT EXISTS shards (
		id uuid PRIMARY KEY,
		kind text NOT NULL,
		shard_key text NOT NULL,
		capacity integer NOT NULL CHECK (capacity > 0),
		next_slot integer NOT NULL DEFAULT 0,
		status text NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'draining', 'disabled')),
		created_at timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT shards_kind_shard_key UNIQUE (kind, shard_key)
	)`,

	`CREATE TABLE IF NOT EXISTS shard_slots (
		shard_id uuid NOT NULL REFERENCES shards (id) ON DELETE CASCADE,
		slot_no integer NOT NULL,
		tenant_id text NOT NULL,
		resource_id text,
		created_at timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT shard_slots_pkey PRIMARY KEY (shard_id, slot_no)
	)`,

	`CREATE TABLE IF NOT EXISTS shard_reservations (
		id uuid PRIMARY KEY,
		kind text NOT NULL,
		resource_id text NOT NULL,
		tenant_id text NOT NULL,
		shard_id uuid NOT NULL REFERENCES shards (id) ON DELETE CASCADE,
		shard_key text NOT NULL,
		slot_no integer NOT NULL,
		status text NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'confirmed', 'cancelled', 'expired')),
		lease_expires_at timestamptz NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS shard_reservations_one_live_per_resource
		ON shard_reservations (kind, resource_id)
		WHERE status IN ('pending', 'confirmed')`,

	`CREATE INDEX IF NOT EXISTS shard_reservations_lease_idx
		ON shard_reservations (lease_expires_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id uuid PRIMARY KEY,
		queue text NOT NULL,
		singleton_key text,
		payload jsonb NOT NULL,
		priority integer NOT NULL DEFAULT 0,
		retry_count integer NOT NULL DEFAULT 0,
		retry_limit integer NOT NULL DEFAULT 0,
		retry_delay_seconds integer NOT NULL DEFAULT 0,
		start_after timestamptz NOT NULL DEFAULT now(),
		expires_at timestamptz NOT NULL,
		visible_at timestamptz NOT NULL DEFAULT now(),
		state text NOT NULL DEFAULT 'created'
			CHECK (state IN ('created', 'active', 'completed', 'failed')),
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS queue_jobs_singleton_idx
		ON queue_jobs (queue, singleton_key)
		WHERE singleton_key IS NOT NULL AND state IN ('created', 'active')`,

	`CREATE INDEX IF NOT EXISTS queue_jobs_fetch_idx
		ON queue_jobs (queue, visible_at) WHERE state IN ('created', 'active')`,

	`CREATE TABLE IF NOT EXISTS queue_jobs_dead_letter (
		id uuid PRIMARY KEY,
		queue text NOT NULL,
		payload jsonb NOT NULL,
		failed_at timestamptz NOT NULL DEFAULT now(),
		last_error text
	)`,

	`CREATE TABLE IF NOT EXISTS event_log (
		id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		event_name text NOT NULL,
		payload jsonb NOT NULL,
		send_options jsonb,
		signature text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS event_log_parking (
		id bigint PRIMARY KEY,
		event_name text NOT NULL,
		payload jsonb NOT NULL,
		send_options jsonb,
		signature text NOT NULL,
		parked_at timestamptz NOT NULL DEFAULT now(),
		reason text NOT NULL
	)`,
}
