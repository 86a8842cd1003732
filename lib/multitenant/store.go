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

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/pgcommon"
	"github.com/supabase/storage-sub002/lib/secrets"
)

// StoreConfig configures the control-plane store.
type StoreConfig struct {
	// Pool is the multitenant database pool.
	Pool *pgxpool.Pool
	// Cipher opens encrypted tenant secrets.
	Cipher *secrets.Cipher
	// Logger is the store's logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing Pool")
	}
	if c.Cipher == nil {
		return trace.BadParameter("missing Cipher")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Store reads and writes tenant rows in the multitenant database, decrypting
// secrets at the boundary so callers only ever see plaintext configuration.
type Store struct {
	cfg StoreConfig
}

// NewStore creates a control-plane store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// Pool exposes the underlying control-plane pool for collaborators that run
// their own queries against it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.cfg.Pool
}

const tenantColumns = `id, database_url, database_pool_url, database_pool_mode,
	max_connections, file_size_limit, feature_flags, jwt_secret, jwks,
	service_key, migrations_version, migrations_status, tracing_mode,
	disabled_events, created_at`

// GetTenant loads and decrypts one tenant row.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*TenantConfig, error) {
	row := s.cfg.Pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)
	config, err := s.scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("tenant %q has no configuration", tenantID)
		}
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	return config, nil
}

func (s *Store) scanTenant(row pgx.Row) (*TenantConfig, error) {
	var (
		config         TenantConfig
		poolURL        *string
		poolMode       *string
		maxConns       *int
		fileSizeLimit  *int64
		featureFlags   []byte
		jwksRaw        []byte
		version        *string
		status         *string
		tracingMode    *string
		disabledEvents []string
		createdAt      *time.Time
	)
	err := row.Scan(
		&config.ID, &config.DatabaseURL, &poolURL, &poolMode,
		&maxConns, &fileSizeLimit, &featureFlags, &config.JWTSecret, &jwksRaw,
		&config.ServiceKey, &version, &status, &tracingMode,
		&disabledEvents, &createdAt,
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if config.DatabaseURL, err = s.cfg.Cipher.Decrypt(config.DatabaseURL); err != nil {
		return nil, trace.Wrap(err, "decrypting database url for tenant %q", config.ID)
	}
	if config.JWTSecret, err = s.cfg.Cipher.Decrypt(config.JWTSecret); err != nil {
		return nil, trace.Wrap(err, "decrypting jwt secret for tenant %q", config.ID)
	}
	if config.ServiceKey, err = s.cfg.Cipher.Decrypt(config.ServiceKey); err != nil {
		return nil, trace.Wrap(err, "decrypting service key for tenant %q", config.ID)
	}
	if poolURL != nil && *poolURL != "" {
		if config.DatabasePoolURL, err = s.cfg.Cipher.Decrypt(*poolURL); err != nil {
			return nil, trace.Wrap(err, "decrypting pool url for tenant %q", config.ID)
		}
	}

	if poolMode != nil {
		config.DatabasePoolMode = PoolMode(*poolMode)
	}
	if maxConns != nil {
		config.MaxConnections = *maxConns
	}
	if fileSizeLimit != nil {
		config.FileSizeLimit = *fileSizeLimit
	}
	if len(featureFlags) > 0 {
		if err := json.Unmarshal(featureFlags, &config.Features); err != nil {
			return nil, trace.BadParameter("malformed feature flags for tenant %q: %v", config.ID, err)
		}
	}
	if len(jwksRaw) > 0 {
		var keySet jose.JSONWebKeySet
		if err := json.Unmarshal(jwksRaw, &keySet); err != nil {
			return nil, trace.BadParameter("malformed jwks for tenant %q: %v", config.ID, err)
		}
		config.JWKS = &keySet
	}
	if version != nil {
		config.MigrationsVersion = *version
	}
	if status != nil {
		config.MigrationStatus = MigrationStatus(*status)
	}
	if tracingMode != nil {
		config.TracingMode = *tracingMode
	}
	config.DisabledEvents = disabledEvents
	if createdAt != nil {
		config.CreatedAt = *createdAt
	}
	return &config, nil
}

// UpsertTenantParams carries the admin-facing tenant attributes. Secret
// fields are plaintext; the store encrypts before writing.
type UpsertTenantParams struct {
	ID               string
	DatabaseURL      string
	DatabasePoolURL  string
	DatabasePoolMode PoolMode
	MaxConnections   int
	FileSizeLimit    int64
	Features         map[string]bool
	JWTSecret        string
	JWKS             *jose.JSONWebKeySet
	ServiceKey       string
	TracingMode      string
	DisabledEvents   []string
}

func (p *UpsertTenantParams) check() error {
	if p.ID == "" {
		return trace.BadParameter("missing tenant id")
	}
	if p.DatabaseURL == "" {
		return trace.BadParameter("missing database url")
	}
	if p.JWTSecret == "" {
		return trace.BadParameter("missing jwt secret")
	}
	switch p.DatabasePoolMode {
	case "", PoolModeSingleUse, PoolModeRecycled:
	default:
		return trace.BadParameter("unsupported pool mode %q", p.DatabasePoolMode)
	}
	return nil
}

// UpsertTenant creates or replaces a tenant row and publishes no
// invalidation; callers emit tenants_update after commit.
func (s *Store) UpsertTenant(ctx context.Context, params UpsertTenantParams) error {
	if err := params.check(); err != nil {
		return trace.Wrap(err)
	}

	dbURL, err := s.cfg.Cipher.Encrypt(params.DatabaseURL)
	if err != nil {
		return trace.Wrap(err)
	}
	jwtSecret, err := s.cfg.Cipher.Encrypt(params.JWTSecret)
	if err != nil {
		return trace.Wrap(err)
	}
	serviceKey, err := s.cfg.Cipher.Encrypt(params.ServiceKey)
	if err != nil {
		return trace.Wrap(err)
	}
	var poolURL *string
	if params.DatabasePoolURL != "" {
		encrypted, err := s.cfg.Cipher.Encrypt(params.DatabasePoolURL)
		if err != nil {
			return trace.Wrap(err)
		}
		poolURL = &encrypted
	}

	features, err := json.Marshal(params.Features)
	if err != nil {
		return trace.Wrap(err)
	}
	var jwksRaw []byte
	if params.JWKS != nil {
		if jwksRaw, err = json.Marshal(params.JWKS); err != nil {
			return trace.Wrap(err)
		}
	}

	_, err = s.cfg.Pool.Exec(ctx, `
		INSERT INTO tenants (
			id, database_url, database_pool_url, database_pool_mode,
			max_connections, file_size_limit, feature_flags, jwt_secret,
			jwks, service_key, tracing_mode, disabled_events
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			database_url = excluded.database_url,
			database_pool_url = excluded.database_pool_url,
			database_pool_mode = excluded.database_pool_mode,
			max_connections = excluded.max_connections,
			file_size_limit = excluded.file_size_limit,
			feature_flags = excluded.feature_flags,
			jwt_secret = excluded.jwt_secret,
			jwks = excluded.jwks,
			service_key = excluded.service_key,
			tracing_mode = excluded.tracing_mode,
			disabled_events = excluded.disabled_events`,
		params.ID, dbURL, poolURL, nullableString(string(params.DatabasePoolMode)),
		nullableInt(params.MaxConnections), nullableInt64(params.FileSizeLimit),
		features, jwtSecret, jwksRaw, serviceKey,
		nullableString(params.TracingMode), params.DisabledEvents,
	)
	return pgcommon.NormalizeError(ctx, err)
}

// DeleteTenant removes a tenant row; dependent JWK and credential rows
// cascade. Missing rows are a no-op.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := s.cfg.Pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	return pgcommon.NormalizeError(ctx, err)
}

// UpdateTenantMigrationState records the outcome of a migration run. An
// empty version keeps the previously recorded one, so a failed run does not
// erase how far the tenant actually got.
func (s *Store) UpdateTenantMigrationState(ctx context.Context, tenantID, version string, status MigrationStatus) error {
	_, err := s.cfg.Pool.Exec(ctx, `
		UPDATE tenants
		SET migrations_version = COALESCE($2, migrations_version),
		    migrations_status = $3,
		    migrations_state_changed_at = now()
		WHERE id = $1`,
		tenantID, nullableString(version), string(status))
	return pgcommon.NormalizeError(ctx, err)
}

// MarkStaleFailedMigrations promotes FAILED tenants whose failure is older
// than the stabilization window to FAILED_STALE and returns their ids so the
// caller can reschedule them.
func (s *Store) MarkStaleFailedMigrations(ctx context.Context, olderThan time.Duration, now time.Time) ([]string, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		UPDATE tenants
		SET migrations_status = $1
		WHERE migrations_status = $2 AND migrations_state_changed_at < $3
		RETURNING id`,
		string(MigrationFailedStale), string(MigrationFailed), now.Add(-olderThan))
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, trace.Wrap(rows.Err())
}

// TenantRef is a cursor-addressable tenant reference used by paginated
// fleet iteration.
type TenantRef struct {
	ID       string
	CursorID int64
}

// ListTenantsToMigrate pages through tenants whose recorded migration version
// differs from targetVersion and whose status allows scheduling. Results are
// ordered by cursor; pass the last returned cursor to continue.
func (s *Store) ListTenantsToMigrate(ctx context.Context, targetVersion string, batchSize int, cursor int64) ([]TenantRef, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id, cursor_id FROM tenants
		WHERE cursor_id > $1
		  AND (migrations_version IS NULL OR migrations_version <> $2)
		  AND (migrations_status IS NULL OR migrations_status NOT IN ($3, $4))
		ORDER BY cursor_id ASC
		LIMIT $5`,
		cursor, targetVersion, string(MigrationFailed), string(MigrationFailedStale), batchSize)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	defer rows.Close()

	var refs []TenantRef
	for rows.Next() {
		var ref TenantRef
		if err := rows.Scan(&ref.ID, &ref.CursorID); err != nil {
			return nil, trace.Wrap(err)
		}
		refs = append(refs, ref)
	}
	return refs, trace.Wrap(rows.Err())
}

// RunMigrations applies the control-plane schema to the multitenant database
// under the shared migration advisory lock.
func (s *Store) RunMigrations(ctx context.Context) error {
	conn, err := s.cfg.Pool.Acquire(ctx)
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	defer conn.Release()

	if err := pgcommon.AcquireAdvisoryLock(ctx, conn, pgcommon.MigrationLockKey, true, nil); err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if err := pgcommon.ReleaseAdvisoryLock(context.Background(), conn, pgcommon.MigrationLockKey); err != nil {
			s.cfg.Logger.WarnContext(ctx, "Failed to release migration advisory lock.", "error", err)
		}
	}()

	for _, stmt := range controlPlaneSchema {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return pgcommon.NormalizeError(ctx, err)
		}
	}
	s.cfg.Logger.InfoContext(ctx, "Applied control-plane schema.",
		storage.ComponentKey, storage.ComponentCatalog,
		"statements", len(controlPlaneSchema))
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func nullableInt64(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}
