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
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/defaults"
	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/pgcommon"
	"github.com/supabase/storage-sub002/lib/utils"
)

const (
	accessKeyLength = 32
	secretKeyLength = 64
)

// S3Credential is one tenant credential pair with its scoping claims. The
// secret is plaintext on this type; it is encrypted at rest.
type S3Credential struct {
	ID          string
	Description string
	AccessKey   string
	SecretKey   string
	Claims      map[string]any
	CreatedAt   time.Time
}

// reservedClaims are stripped from user-supplied credential claims before the
// issuer is pinned to the tenant.
var reservedClaims = []string{"iss", "issuer", "exp", "iat"}

// scopeCredentialClaims strips reserved claims and pins the issuer to the
// tenant.
func scopeCredentialClaims(tenantID string, claims map[string]any) map[string]any {
	scoped := make(map[string]any, len(claims)+1)
	for k, v := range claims {
		scoped[k] = v
	}
	for _, reserved := range reservedClaims {
		delete(scoped, reserved)
	}
	scoped["issuer"] = "supabase.storage." + tenantID
	return scoped
}

// CreateS3Credentials mints a fresh access/secret key pair for the tenant.
// User claims are kept minus reserved fields, and the issuer is pinned to
// the tenant. The per-tenant ceiling is enforced here under an advisory
// lock so concurrent creates across processes cannot overshoot it.
func (s *Store) CreateS3Credentials(ctx context.Context, tenantID, description string, claims map[string]any) (*S3Credential, error) {
	if tenantID == "" {
		return nil, trace.BadParameter("invalid tenant id")
	}

	accessKey, err := randomToken(accessKeyLength)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	secretKey, err := randomToken(secretKeyLength)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	scoped := scopeCredentialClaims(tenantID, claims)
	claimsJSON, err := json.Marshal(scoped)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	encryptedSecret, err := s.cfg.Cipher.Encrypt(secretKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	credential := &S3Credential{
		ID:          uuid.NewString(),
		Description: description,
		AccessKey:   accessKey,
		SecretKey:   secretKey,
		Claims:      scoped,
	}

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	defer tx.Rollback(ctx)

	err = pgcommon.AcquireTxAdvisoryLock(ctx, tx, pgcommon.AdvisoryLockKey("s3-credentials:"+tenantID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var count int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM tenants_s3_credentials WHERE tenant_id = $1`,
		tenantID).Scan(&count)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	if count >= defaults.MaxS3Credentials {
		return nil, trace.LimitExceeded("tenant %q reached the maximum of %d s3 credentials", tenantID, defaults.MaxS3Credentials)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tenants_s3_credentials (id, tenant_id, description, access_key, secret_key, claims)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		credential.ID, tenantID, description, accessKey, encryptedSecret, claimsJSON)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	return credential, nil
}

// GetS3CredentialsByAccessKey loads one credential pair, decrypting the
// secret. Missing rows return NotFound.
func (s *Store) GetS3CredentialsByAccessKey(ctx context.Context, tenantID, accessKey string) (*S3Credential, error) {
	var (
		credential S3Credential
		claimsJSON []byte
	)
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT id, description, access_key, secret_key, claims, created_at
		FROM tenants_s3_credentials
		WHERE tenant_id = $1 AND access_key = $2`,
		tenantID, accessKey).Scan(
		&credential.ID, &credential.Description, &credential.AccessKey,
		&credential.SecretKey, &claimsJSON, &credential.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("tenant %q has no s3 credentials for access key %q", tenantID, accessKey)
		}
		return nil, pgcommon.NormalizeError(ctx, err)
	}

	if credential.SecretKey, err = s.cfg.Cipher.Decrypt(credential.SecretKey); err != nil {
		return nil, trace.Wrap(err, "decrypting s3 secret key for tenant %q", tenantID)
	}
	if len(claimsJSON) > 0 {
		if err := json.Unmarshal(claimsJSON, &credential.Claims); err != nil {
			return nil, trace.BadParameter("malformed s3 credential claims for tenant %q: %v", tenantID, err)
		}
	}
	return &credential, nil
}

// DeleteS3Credential removes a credential pair and returns its access key so
// callers can publish a targeted invalidation. Missing rows return NotFound.
func (s *Store) DeleteS3Credential(ctx context.Context, tenantID, id string) (string, error) {
	var accessKey string
	err := s.cfg.Pool.QueryRow(ctx, `
		DELETE FROM tenants_s3_credentials
		WHERE tenant_id = $1 AND id = $2
		RETURNING access_key`,
		tenantID, id).Scan(&accessKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", trace.NotFound("tenant %q has no s3 credential %q", tenantID, id)
		}
		return "", pgcommon.NormalizeError(ctx, err)
	}
	return accessKey, nil
}

// ListS3Credentials returns the tenant's credential rows without secrets.
func (s *Store) ListS3Credentials(ctx context.Context, tenantID string) ([]S3Credential, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT id, description, access_key, created_at
		FROM tenants_s3_credentials
		WHERE tenant_id = $1
		ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, pgcommon.NormalizeError(ctx, err)
	}
	defer rows.Close()

	var credentials []S3Credential
	for rows.Next() {
		var credential S3Credential
		if err := rows.Scan(&credential.ID, &credential.Description, &credential.AccessKey, &credential.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, trace.Wrap(rows.Err())
}

// CountS3Credentials returns how many credential pairs the tenant holds.
func (s *Store) CountS3Credentials(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.cfg.Pool.QueryRow(ctx, `
		SELECT count(*) FROM tenants_s3_credentials WHERE tenant_id = $1`,
		tenantID).Scan(&count)
	if err != nil {
		return 0, pgcommon.NormalizeError(ctx, err)
	}
	return count, nil
}

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomToken(length int) (string, error) {
	// bytes at or above the largest multiple of the alphabet size are
	// rejected, otherwise the modulo draw would not be uniform
	const ceiling = byte(256 - 256%len(tokenAlphabet))
	token := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(token) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", trace.Wrap(err)
		}
		for _, b := range buf {
			if b >= ceiling {
				continue
			}
			token = append(token, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(token) == length {
				break
			}
		}
	}
	return string(token), nil
}

// S3CredentialsStore persists credential pairs; satisfied by *Store.
type S3CredentialsStore interface {
	CreateS3Credentials(ctx context.Context, tenantID, description string, claims map[string]any) (*S3Credential, error)
	GetS3CredentialsByAccessKey(ctx context.Context, tenantID, accessKey string) (*S3Credential, error)
	DeleteS3Credential(ctx context.Context, tenantID, id string) (string, error)
	ListS3Credentials(ctx context.Context, tenantID string) ([]S3Credential, error)
	CountS3Credentials(ctx context.Context, tenantID string) (int, error)
}

// S3CredentialsManagerConfig configures an S3CredentialsManager.
type S3CredentialsManagerConfig struct {
	// Store persists credentials.
	Store S3CredentialsStore
	// PubSub emits tenants_s3_credentials_update after credential changes.
	PubSub Publisher
	// CacheSize bounds the lookup cache entries.
	CacheSize int
	// CacheTTL expires lookup cache entries.
	CacheTTL time.Duration
	// Logger is the manager logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *S3CredentialsManagerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaults.S3CredentialsCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.S3CredentialsCacheTTL
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(storage.ComponentS3Credentials)
	}
	return nil
}

// S3CredentialsManager fronts the credential store with a TTL'd LRU cache
// keyed by "<tenantId>:<accessKey>" and keeps it coherent over the cluster
// bus.
type S3CredentialsManager struct {
	cfg   S3CredentialsManagerConfig
	cache *expirable.LRU[string, *S3Credential]
	loads utils.KeyedMutex
}

// NewS3CredentialsManager creates an S3CredentialsManager.
func NewS3CredentialsManager(cfg S3CredentialsManagerConfig) (*S3CredentialsManager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &S3CredentialsManager{
		cfg:   cfg,
		cache: expirable.NewLRU[string, *S3Credential](cfg.CacheSize, nil, cfg.CacheTTL),
	}, nil
}

func credentialCacheKey(tenantID, accessKey string) string {
	return tenantID + ":" + accessKey
}

// Create mints a credential pair and broadcasts the invalidation so stale
// negative lookups on other nodes clear. At most MaxS3Credentials pairs may
// exist per tenant; the store enforces the ceiling exactly, the count here
// is a fast path that skips key generation when the tenant is already full.
func (m *S3CredentialsManager) Create(ctx context.Context, tenantID, description string, claims map[string]any) (*S3Credential, error) {
	count, err := m.cfg.Store.CountS3Credentials(ctx, tenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if count >= defaults.MaxS3Credentials {
		return nil, trace.LimitExceeded("tenant %q reached the maximum of %d s3 credentials", tenantID, defaults.MaxS3Credentials)
	}

	credential, err := m.cfg.Store.CreateS3Credentials(ctx, tenantID, description, claims)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := m.publishInvalidation(ctx, tenantID, credential.AccessKey); err != nil {
		m.cfg.Logger.WarnContext(ctx, "Failed to publish s3 credential invalidation.",
			"tenant_id", tenantID, "error", err)
	}
	return credential, nil
}

// GetByAccessKey returns a credential pair, serving repeated lookups from the
// cache. Concurrent misses coalesce onto one load.
func (m *S3CredentialsManager) GetByAccessKey(ctx context.Context, tenantID, accessKey string) (*S3Credential, error) {
	if tenantID == "" {
		return nil, trace.BadParameter("invalid tenant id")
	}
	key := credentialCacheKey(tenantID, accessKey)
	if credential, ok := m.cache.Get(key); ok {
		return credential, nil
	}

	return utils.KeyedMutexGet(ctx, &m.loads, "s3cred:"+key, func() (*S3Credential, error) {
		if credential, ok := m.cache.Get(key); ok {
			return credential, nil
		}
		credential, err := m.cfg.Store.GetS3CredentialsByAccessKey(ctx, tenantID, accessKey)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		m.cache.Add(key, credential)
		return credential, nil
	})
}

// Delete removes a credential pair and broadcasts the invalidation.
func (m *S3CredentialsManager) Delete(ctx context.Context, tenantID, id string) error {
	accessKey, err := m.cfg.Store.DeleteS3Credential(ctx, tenantID, id)
	if err != nil {
		return trace.Wrap(err)
	}
	m.evict(credentialCacheKey(tenantID, accessKey))
	if err := m.publishInvalidation(ctx, tenantID, accessKey); err != nil {
		m.cfg.Logger.WarnContext(ctx, "Failed to publish s3 credential invalidation.",
			"tenant_id", tenantID, "error", err)
	}
	return nil
}

// List returns the tenant's credentials without secrets.
func (m *S3CredentialsManager) List(ctx context.Context, tenantID string) ([]S3Credential, error) {
	credentials, err := m.cfg.Store.ListS3Credentials(ctx, tenantID)
	return credentials, trace.Wrap(err)
}

// Count returns how many credential pairs the tenant holds.
func (m *S3CredentialsManager) Count(ctx context.Context, tenantID string) (int, error) {
	count, err := m.cfg.Store.CountS3Credentials(ctx, tenantID)
	return count, trace.Wrap(err)
}

func (m *S3CredentialsManager) publishInvalidation(ctx context.Context, tenantID, accessKey string) error {
	if m.cfg.PubSub == nil {
		return nil
	}
	return trace.Wrap(m.cfg.PubSub.Publish(ctx, storage.ChannelTenantsS3CredentialsUpdate,
		credentialCacheKey(tenantID, accessKey)))
}

func (m *S3CredentialsManager) evict(cacheKey string) {
	m.cache.Remove(cacheKey)
	m.loads.Forget("s3cred:" + cacheKey)
}

// ListenForS3CredentialsUpdate registers the credential invalidation handler
// on the cluster bus. Payloads are "<tenantId>:<accessKey>".
func (m *S3CredentialsManager) ListenForS3CredentialsUpdate(bus Subscriber) error {
	return trace.Wrap(bus.Subscribe(storage.ChannelTenantsS3CredentialsUpdate, func(payload string) {
		m.evict(payload)
	}))
}
