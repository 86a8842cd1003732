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
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/pgcommon"
	"github.com/supabase/storage-sub002/lib/utils"
)

// URLSigningKind is the reserved JWK kind for per-tenant URL signing keys.
const URLSigningKind = "url-signing-key"

const urlSigningKeyBytes = 64

var jwkKindPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// JWKItem is one active signing key row, decrypted.
type JWKItem struct {
	ID   string
	Kind string
	Key  jose.JSONWebKey
}

// InsertTenantJWK stores a signing key for the tenant. At most one row per
// (tenant, kind) may be active; a conflicting insert returns the existing
// row's id when idempotent, AlreadyExists otherwise.
func (s *Store) InsertTenantJWK(ctx context.Context, tenantID string, key jose.JSONWebKey, kind string, idempotent bool) (string, error) {
	if tenantID == "" {
		return "", trace.BadParameter("invalid tenant id")
	}
	if !jwkKindPattern.MatchString(kind) {
		return "", trace.BadParameter("invalid jwk kind %q", kind)
	}

	content, err := json.Marshal(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	encrypted, err := s.cfg.Cipher.Encrypt(string(content))
	if err != nil {
		return "", trace.Wrap(err)
	}

	id := uuid.NewString()
	_, err = s.cfg.Pool.Exec(ctx, `
		INSERT INTO tenants_jwks (id, tenant_id, kind, content, active)
		VALUES ($1, $2, $3, $4, true)`,
		id, tenantID, kind, encrypted)
	if err == nil {
		return id, nil
	}
	if !pgcommon.IsUniqueViolation(err, "tenants_jwks_one_active_per_kind") {
		return "", pgcommon.NormalizeError(ctx, err)
	}
	if !idempotent {
		return "", trace.AlreadyExists("tenant %q already has an active %q jwk", tenantID, kind)
	}

	var existing string
	err = s.cfg.Pool.QueryRow(ctx, `
		SELECT id FROM tenants_jwks
		WHERE tenant_id = $1 AND kind = $2 AND active`,
		tenantID, kind).Scan(&existing)
	if err != nil {
		return "", pgcommon.NormalizeError(ctx, err)
	}
	return existing, nil
}

// ToggleTenantJWKActive flips a key's active flag and reports whether a row
// actually changed state. Activation fails when another key of the same kind
// is already active.
func (s *Store) ToggleTenantJWKActive(ctx context.Context, tenantID, id string, active bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := s.cfg.Pool.Exec(ctx, `
		UPDATE tenants_jwks SET active = $3
		WHERE tenant_id = $1 AND id = $2 AND active <> $3`,
		tenantID, id, active)
	if err != nil {
		if pgcommon.IsUniqueViolation(err, "tenants_jwks_one_active_per_kind") {
			return false, trace.AlreadyExists("tenant %q already has an active jwk of this kind", tenantID)
		}
		return false, pgcommon.NormalizeError(ctx, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListActiveTenantJWKs returns the tenant's active signing keys, decrypted.
func (s *Store) ListActiveTenantJWKs(ctx context.Context, tenantID string) ([]JWKItem, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id, kind, content FROM tenants_jwks
		WHERE tenant_id = $1 AND active
		ORDER BY cursor_id ASC`, tenantID)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	defer rows.Close()

	var items []JWKItem
	for rows.Next() {
		var item JWKItem
		var encrypted string
		if err := rows.Scan(&item.ID, &item.Kind, &encrypted); err != nil {
			return nil, trace.Wrap(err)
		}
		content, err := s.cfg.Cipher.Decrypt(encrypted)
		if err != nil {
			return nil, trace.Wrap(err, "decrypting jwk %q for tenant %q", item.ID, tenantID)
		}
		if err := json.Unmarshal([]byte(content), &item.Key); err != nil {
			return nil, trace.BadParameter("malformed jwk %q for tenant %q: %v", item.ID, tenantID, err)
		}
		items = append(items, item)
	}
	return items, trace.Wrap(rows.Err())
}

// ListTenantsWithoutKindPaginated pages through tenants that have no active
// key of the given kind, ordered by cursor.
func (s *Store) ListTenantsWithoutKindPaginated(ctx context.Context, kind string, batchSize int, lastCursor int64) ([]TenantRef, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT t.id, t.cursor_id FROM tenants t
		WHERE t.cursor_id > $1
		  AND NOT EXISTS (
			SELECT 1 FROM tenants_jwks k
			WHERE k.tenant_id = t.id AND k.kind = $2 AND k.active
		  )
		ORDER BY t.cursor_id ASC
		LIMIT $3`,
		lastCursor, kind, batchSize)
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

// Publisher emits invalidations on the cluster bus.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// JWKSStore persists per-tenant signing keys; satisfied by *Store.
type JWKSStore interface {
	InsertTenantJWK(ctx context.Context, tenantID string, key jose.JSONWebKey, kind string, idempotent bool) (string, error)
	ListActiveTenantJWKs(ctx context.Context, tenantID string) ([]JWKItem, error)
	ListTenantsWithoutKindPaginated(ctx context.Context, kind string, batchSize int, lastCursor int64) ([]TenantRef, error)
}

// TenantJWKSConfig is the cached per-tenant view of the key store.
type TenantJWKSConfig struct {
	// Keys are the tenant's active verification keys.
	Keys []jose.JSONWebKey
	// URLSigningKey is the raw symmetric URL-signing secret; empty when the
	// tenant has no active url-signing JWK.
	URLSigningKey string
}

// JWKSManagerConfig configures a JWKSManager.
type JWKSManagerConfig struct {
	// Store persists signing keys.
	Store JWKSStore
	// PubSub emits tenants_jwks_update after key changes.
	PubSub Publisher
	// Logger is the manager logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *JWKSManagerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(storage.ComponentJWKS)
	}
	return nil
}

// JWKSManager caches per-tenant signing keys and generates URL-signing JWKs.
type JWKSManager struct {
	cfg JWKSManagerConfig

	mu    sync.RWMutex
	cache map[string]*TenantJWKSConfig

	loads utils.KeyedMutex
}

// NewJWKSManager creates a JWKSManager.
func NewJWKSManager(cfg JWKSManagerConfig) (*JWKSManager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &JWKSManager{
		cfg:   cfg,
		cache: make(map[string]*TenantJWKSConfig),
	}, nil
}

// GetJWKSTenantConfig returns the tenant's active keys, loading and caching
// them on first use. Concurrent misses coalesce onto one load.
func (m *JWKSManager) GetJWKSTenantConfig(ctx context.Context, tenantID string) (*TenantJWKSConfig, error) {
	if tenantID == "" {
		return nil, trace.BadParameter("invalid tenant id")
	}

	m.mu.RLock()
	cached, ok := m.cache[tenantID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	return utils.KeyedMutexGet(ctx, &m.loads, "jwks:"+tenantID, func() (*TenantJWKSConfig, error) {
		m.mu.RLock()
		cached, ok := m.cache[tenantID]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		items, err := m.cfg.Store.ListActiveTenantJWKs(ctx, tenantID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		config := &TenantJWKSConfig{}
		for _, item := range items {
			config.Keys = append(config.Keys, item.Key)
			if item.Kind == URLSigningKind {
				if secret, ok := item.Key.Key.([]byte); ok {
					config.URLSigningKey = string(secret)
				}
			}
		}
		m.mu.Lock()
		m.cache[tenantID] = config
		m.mu.Unlock()
		return config, nil
	})
}

// GenerateURLSigningJWK creates a fresh HS512 url-signing key for the tenant.
// Idempotent: a tenant that already has one keeps it.
func (m *JWKSManager) GenerateURLSigningJWK(ctx context.Context, tenantID string) error {
	secret := make([]byte, urlSigningKeyBytes)
	if _, err := rand.Read(secret); err != nil {
		return trace.Wrap(err)
	}
	key := jose.JSONWebKey{
		Key:       secret,
		KeyID:     uuid.NewString(),
		Algorithm: string(jose.HS512),
		Use:       "sig",
	}

	if _, err := m.cfg.Store.InsertTenantJWK(ctx, tenantID, key, URLSigningKind, true); err != nil {
		return trace.Wrap(err)
	}
	m.Invalidate(tenantID)
	if m.cfg.PubSub != nil {
		if err := m.cfg.PubSub.Publish(ctx, storage.ChannelTenantsJWKSUpdate, tenantID); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Invalidate evicts the tenant's cached key set.
func (m *JWKSManager) Invalidate(tenantID string) {
	m.mu.Lock()
	delete(m.cache, tenantID)
	m.mu.Unlock()
	m.loads.Forget("jwks:" + tenantID)
}

// ListenForJWKSUpdate registers the tenants_jwks_update handler on the
// cluster bus. Eviction is cheap, so it runs on the listen loop directly.
func (m *JWKSManager) ListenForJWKSUpdate(bus Subscriber) error {
	return trace.Wrap(bus.Subscribe(storage.ChannelTenantsJWKSUpdate, func(payload string) {
		m.Invalidate(payload)
	}))
}

// ListTenantsMissingURLSigningJWK walks tenants with no active url-signing
// key in cursor order, yielding one batch at a time. The walk is finite and
// restartable: a fresh call resumes from the beginning and skips tenants
// backfilled in the meantime.
func (m *JWKSManager) ListTenantsMissingURLSigningJWK(ctx context.Context, batchSize int, yield func(batch []TenantRef) error) error {
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		batch, err := m.cfg.Store.ListTenantsWithoutKindPaginated(ctx, URLSigningKind, batchSize, cursor)
		if err != nil {
			return trace.Wrap(err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := yield(batch); err != nil {
			return trace.Wrap(err)
		}
		cursor = batch[len(batch)-1].CursorID
	}
}

// JWKBackfillDispatcher enqueues url-signing key generation jobs.
type JWKBackfillDispatcher interface {
	DispatchJWKBackfill(ctx context.Context, tenantIDs []string) error
}

// URLSigningJWKGenerator runs the fleet-wide url-signing key backfill. At
// most one run per process; a second start while one is in flight reports
// running without launching another.
type URLSigningJWKGenerator struct {
	manager    *JWKSManager
	dispatcher JWKBackfillDispatcher
	batchSize  int
	logger     *slog.Logger

	running atomic.Bool
}

// NewURLSigningJWKGenerator creates the backfill generator.
func NewURLSigningJWKGenerator(manager *JWKSManager, dispatcher JWKBackfillDispatcher, batchSize int) (*URLSigningJWKGenerator, error) {
	if manager == nil {
		return nil, trace.BadParameter("missing manager")
	}
	if dispatcher == nil {
		return nil, trace.BadParameter("missing dispatcher")
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &URLSigningJWKGenerator{
		manager:    manager,
		dispatcher: dispatcher,
		batchSize:  batchSize,
		logger:     manager.cfg.Logger,
	}, nil
}

// Running reports whether a backfill is currently in flight.
func (g *URLSigningJWKGenerator) Running() bool {
	return g.running.Load()
}

// GenerateOnAllTenants starts the backfill in the background, dispatching one
// job per tenant missing a url-signing key. Returns false when a run is
// already in flight.
func (g *URLSigningJWKGenerator) GenerateOnAllTenants(ctx context.Context) bool {
	if !g.running.CompareAndSwap(false, true) {
		return false
	}

	go func() {
		defer g.running.Store(false)

		var dispatched int
		err := g.manager.ListTenantsMissingURLSigningJWK(ctx, g.batchSize, func(batch []TenantRef) error {
			ids := make([]string, 0, len(batch))
			for _, ref := range batch {
				ids = append(ids, ref.ID)
			}
			if err := g.dispatcher.DispatchJWKBackfill(ctx, ids); err != nil {
				return trace.Wrap(err)
			}
			dispatched += len(ids)
			return nil
		})
		if err != nil {
			g.logger.ErrorContext(ctx, "URL-signing key backfill stopped.",
				"dispatched", dispatched, "error", err)
			return
		}
		g.logger.InfoContext(ctx, "URL-signing key backfill complete.",
			"dispatched", dispatched)
	}()
	return true
}
