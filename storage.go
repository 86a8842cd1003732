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

// Package storage holds constants shared across the storage service.
package storage

// Version is the current release of the storage service.
const Version = "1.0.0"

// ComponentKey is the name of a component field in structured logs.
const ComponentKey = "component"

const (
	// ComponentCatalog is the tenant catalog and config cache.
	ComponentCatalog = "catalog"
	// ComponentPubSub is the cross-node invalidation bus.
	ComponentPubSub = "pubsub"
	// ComponentDBPool is the per-tenant connection pool manager.
	ComponentDBPool = "dbpool"
	// ComponentJWKS is the per-tenant signing key store.
	ComponentJWKS = "jwks"
	// ComponentS3Credentials is the per-tenant S3 credential manager.
	ComponentS3Credentials = "s3creds"
	// ComponentQueue is the durable job queue.
	ComponentQueue = "queue"
	// ComponentMigrations is the tenant migration engine.
	ComponentMigrations = "migrations"
	// ComponentSharding is the shard reservation ledger.
	ComponentSharding = "sharding"
	// ComponentBlobstore is the S3 backend adapter.
	ComponentBlobstore = "blobstore"
	// ComponentService is the top-level service wiring.
	ComponentService = "service"
)

// Pub/sub channels used for cross-node cache invalidation. Payloads are
// documented per channel; every channel is fanned out to all instances.
const (
	// ChannelTenantsUpdate carries a tenant id whose config changed.
	ChannelTenantsUpdate = "tenants_update"
	// ChannelTenantsJWKSUpdate carries a tenant id whose signing keys changed.
	ChannelTenantsJWKSUpdate = "tenants_jwks_update"
	// ChannelTenantsS3CredentialsUpdate carries "<tenantId>:<accessKey>" for a
	// credential that was created or deleted.
	ChannelTenantsS3CredentialsUpdate = "tenants_s3_credentials_update"
)
