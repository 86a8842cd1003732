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
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/dbpool"
	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/utils"
)

var log = logutils.NewPackageLogger(storage.ComponentCatalog)

// PoolController is the slice of the pool manager the catalog drives on
// invalidation.
type PoolController interface {
	Destroy(tenantID string)
	Rebalance(ctx context.Context, tenantID string, rebalance dbpool.RebalanceOptions) error
}

// TenantStore loads tenant rows; satisfied by *Store.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (*TenantConfig, error)
}

// Subscriber registers invalidation handlers on the cluster bus.
type Subscriber interface {
	Subscribe(channel string, handler func(payload string)) error
}

// SingleTenant describes the fixed tenant served when multitenancy is off.
type SingleTenant struct {
	// TenantID is the fixed tenant id.
	TenantID string
	// DatabaseURL is the tenant database DSN.
	DatabaseURL string
	// JWTSecret verifies and signs tenant tokens.
	JWTSecret string
	// ServiceKey is the precomputed service token; minted from JWTSecret when
	// empty.
	ServiceKey string
	// ServiceRole is the claims role of the service token.
	ServiceRole string
	// MaxConnections is the tenant connection budget.
	MaxConnections int
	// MigrationsVersion is the locally applied target version.
	MigrationsVersion string
}

// CatalogConfig configures a tenant catalog.
type CatalogConfig struct {
	// Store loads tenant rows. Required in multitenant mode.
	Store TenantStore
	// JWKS resolves per-tenant signing keys; optional, the legacy inline
	// JWKS is used alone when nil.
	JWKS *JWKSManager
	// Pools is notified on invalidations that change pooling parameters.
	Pools PoolController
	// SingleTenant, when set, disables catalog loads and serves this fixed
	// tenant.
	SingleTenant *SingleTenant
	// MigrationNames is the ordered tenant migration name list used to derive
	// schema-gated capabilities.
	MigrationNames []string
	// Logger is the catalog logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CatalogConfig) CheckAndSetDefaults() error {
	if c.SingleTenant == nil && c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.SingleTenant != nil {
		if c.SingleTenant.TenantID == "" {
			return trace.BadParameter("missing single-tenant TenantID")
		}
		if c.SingleTenant.JWTSecret == "" {
			return trace.BadParameter("missing single-tenant JWTSecret")
		}
		if c.SingleTenant.ServiceRole == "" {
			c.SingleTenant.ServiceRole = "service_role"
		}
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// ServiceKeyUser is a resolved service token and its claims.
type ServiceKeyUser struct {
	JWT    string
	Claims jwt.MapClaims
}

// TenantJWTConfig is the verification material for one tenant: the symmetric
// secret, the merged key set, and the key URLs are signed with.
type TenantJWTConfig struct {
	// Secret is the tenant's symmetric JWT secret.
	Secret string
	// URLSigningKey signs URL tokens; falls back to Secret when the tenant
	// has no active url-signing JWK.
	URLSigningKey string
	// JWKS merges the legacy inline key set with active rows from the key
	// store; nil when the tenant has neither.
	JWKS *jose.JSONWebKeySet
}

// Catalog loads, caches and invalidates per-tenant configuration. Reads are
// served from an in-memory cache; concurrent misses for the same tenant
// coalesce onto one database load. Entries live until an invalidation arrives
// on the tenants_update channel.
type Catalog struct {
	cfg CatalogConfig

	mu    sync.RWMutex
	cache map[string]*TenantConfig

	loads utils.KeyedMutex

	serviceKeyOnce sync.Once
	serviceKey     ServiceKeyUser
	serviceKeyErr  error
}

// NewCatalog creates a tenant catalog.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Catalog{
		cfg:   cfg,
		cache: make(map[string]*TenantConfig),
	}, nil
}

// GetTenantConfig returns the tenant's configuration, loading and caching it
// on first use.
func (c *Catalog) GetTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	if tenantID == "" {
		return nil, trace.BadParameter("invalid tenant id")
	}
	if st := c.cfg.SingleTenant; st != nil {
		return c.singleTenantConfig(), nil
	}

	c.mu.RLock()
	cached, ok := c.cache[tenantID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	return utils.KeyedMutexGet(ctx, &c.loads, "tenant:"+tenantID, func() (*TenantConfig, error) {
		// a racing loader may have populated the cache while this caller
		// waited on the keyed mutex
		c.mu.RLock()
		cached, ok := c.cache[tenantID]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}

		config, err := c.cfg.Store.GetTenant(ctx, tenantID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		c.mu.Lock()
		c.cache[tenantID] = config
		c.mu.Unlock()
		return config, nil
	})
}

func (c *Catalog) singleTenantConfig() *TenantConfig {
	st := c.cfg.SingleTenant
	version := st.MigrationsVersion
	if version == "" && len(c.cfg.MigrationNames) > 0 {
		version = c.cfg.MigrationNames[len(c.cfg.MigrationNames)-1]
	}
	return &TenantConfig{
		ID:                st.TenantID,
		DatabaseURL:       st.DatabaseURL,
		MaxConnections:    st.MaxConnections,
		JWTSecret:         st.JWTSecret,
		ServiceKey:        st.ServiceKey,
		MigrationsVersion: version,
		MigrationStatus:   MigrationCompleted,
	}
}

// GetServiceKeyUser returns the tenant's service token and its claims. In
// single-tenant mode the token is process-wide and computed once.
func (c *Catalog) GetServiceKeyUser(ctx context.Context, tenantID string) (ServiceKeyUser, error) {
	if st := c.cfg.SingleTenant; st != nil {
		c.serviceKeyOnce.Do(func() {
			c.serviceKey, c.serviceKeyErr = mintServiceKey(st)
		})
		return c.serviceKey, trace.Wrap(c.serviceKeyErr)
	}

	config, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return ServiceKeyUser{}, trace.Wrap(err)
	}
	return ServiceKeyUser{
		JWT:    config.ServiceKey,
		Claims: jwt.MapClaims{"role": "service_role"},
	}, nil
}

func mintServiceKey(st *SingleTenant) (ServiceKeyUser, error) {
	claims := jwt.MapClaims{"role": st.ServiceRole}
	if st.ServiceKey != "" {
		return ServiceKeyUser{JWT: st.ServiceKey, Claims: claims}, nil
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(st.JWTSecret))
	if err != nil {
		return ServiceKeyUser{}, trace.Wrap(err)
	}
	return ServiceKeyUser{JWT: signed, Claims: claims}, nil
}

// GetJWTSecret returns the tenant's verification material: the symmetric
// secret, the URL-signing key, and the inline JWKS merged with active rows
// from the key store. With no active url-signing JWK the secret doubles as
// the URL-signing key.
func (c *Catalog) GetJWTSecret(ctx context.Context, tenantID string) (*TenantJWTConfig, error) {
	config, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	result := &TenantJWTConfig{
		Secret:        config.JWTSecret,
		URLSigningKey: config.JWTSecret,
	}
	if config.JWKS != nil {
		merged := *config.JWKS
		result.JWKS = &merged
	}

	if c.cfg.JWKS == nil || c.cfg.SingleTenant != nil {
		return result, nil
	}

	stored, err := c.cfg.JWKS.GetJWKSTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(stored.Keys) > 0 {
		if result.JWKS == nil {
			result.JWKS = &jose.JSONWebKeySet{}
		}
		result.JWKS.Keys = append(result.JWKS.Keys, stored.Keys...)
	}
	if stored.URLSigningKey != "" {
		result.URLSigningKey = stored.URLSigningKey
	}
	return result, nil
}

// GetTenantCapabilities derives the tenant's schema-gated capability set from
// its migration version.
func (c *Catalog) GetTenantCapabilities(ctx context.Context, tenantID string) (map[Capability]bool, error) {
	config, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return CapabilitiesForVersion(config.MigrationsVersion, c.cfg.MigrationNames), nil
}

// TenantHasFeature reports whether a policy flag is on for the tenant. All
// features are enabled in single-tenant mode.
func (c *Catalog) TenantHasFeature(ctx context.Context, tenantID, feature string) (bool, error) {
	if c.cfg.SingleTenant != nil {
		return true, nil
	}
	config, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return config.HasFeature(feature), nil
}

// Invalidate evicts the tenant's cache entry and re-fetches once to compare
// pooling parameters: a recycled to single_use pool-mode transition destroys
// the tenant's pool, and a connection budget change rebalances it.
func (c *Catalog) Invalidate(ctx context.Context, tenantID string) {
	if tenantID == "" || c.cfg.SingleTenant != nil {
		return
	}

	c.mu.Lock()
	old := c.cache[tenantID]
	delete(c.cache, tenantID)
	c.mu.Unlock()
	c.loads.Forget("tenant:" + tenantID)

	fresh, err := c.GetTenantConfig(ctx, tenantID)
	if err != nil {
		// deleted tenants have no row left; drop their pool entirely
		if trace.IsNotFound(err) && c.cfg.Pools != nil {
			c.cfg.Pools.Destroy(tenantID)
			return
		}
		c.cfg.Logger.WarnContext(ctx, "Failed to reload tenant config after invalidation.",
			"tenant_id", tenantID, "error", err)
		return
	}
	if old == nil || c.cfg.Pools == nil {
		return
	}

	if old.DatabasePoolMode == PoolModeRecycled && fresh.DatabasePoolMode == PoolModeSingleUse {
		c.cfg.Logger.InfoContext(ctx, "Tenant pool mode changed to single use, destroying pool.",
			"tenant_id", tenantID)
		c.cfg.Pools.Destroy(tenantID)
		return
	}
	if old.MaxConnections != fresh.MaxConnections {
		c.cfg.Logger.InfoContext(ctx, "Tenant connection budget changed, rebalancing pool.",
			"tenant_id", tenantID,
			"old_max_connections", old.MaxConnections,
			"new_max_connections", fresh.MaxConnections)
		err := c.cfg.Pools.Rebalance(ctx, tenantID, dbpool.RebalanceOptions{
			MaxConnections: fresh.MaxConnections,
		})
		if err != nil {
			c.cfg.Logger.WarnContext(ctx, "Failed to rebalance tenant pool.",
				"tenant_id", tenantID, "error", err)
		}
	}
}

// ListenForTenantUpdate registers the tenants_update handler on the cluster
// bus. Handlers run on the listen loop, so the reload work happens off it.
func (c *Catalog) ListenForTenantUpdate(bus Subscriber) error {
	return trace.Wrap(bus.Subscribe(storage.ChannelTenantsUpdate, func(payload string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			c.Invalidate(ctx, payload)
		}()
	}))
}
