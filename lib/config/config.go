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

// Package config loads the process-wide configuration snapshot from the
// environment. Options are read once at startup; downstream components
// capture what they need at construction time. Tests may build a Config
// literal or call FromEnv again after mutating the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/joho/godotenv"
)

// MigrationStrategy selects how tenant migrations are dispatched.
type MigrationStrategy string

const (
	// MigrationStrategyOnRequest runs migrations inline when a request first
	// reaches a not-yet-migrated tenant.
	MigrationStrategyOnRequest MigrationStrategy = "ON_REQUEST"
	// MigrationStrategyProgressive batches tenant ids seen on live traffic
	// and emits queue jobs on a timer.
	MigrationStrategyProgressive MigrationStrategy = "PROGRESSIVE"
	// MigrationStrategyFullFleet iterates all lagging tenants from a single
	// instance holding the multitenant advisory lock.
	MigrationStrategyFullFleet MigrationStrategy = "FULL_FLEET"
)

// Config is the flat snapshot of every recognized option. Unknown environment
// keys are ignored.
type Config struct {
	// Tenancy
	IsMultitenant               bool
	TenantID                    string
	RequestXForwardedHostRegexp string
	ServiceKey                  string
	StorageBackendType          string

	// Database
	DatabaseURL                     string
	DatabasePoolURL                 string
	MultitenantDatabaseURL          string
	DatabaseMaxConnections          int
	DatabaseFreePoolAfterInactivity time.Duration
	DatabaseConnectionTimeout       time.Duration
	DatabaseStatementTimeout        time.Duration
	DatabaseSSLRootCert             string
	DBSearchPath                    string
	DBPostgresVersion               string
	DBInstallRoles                  bool
	DBSuperUser                     string
	DBAnonRole                      string
	DBAuthenticatedRole             string
	DBServiceRole                   string

	// Migrations
	DBMigrationStrategy              MigrationStrategy
	DBMigrationFreezeAt              string
	RefreshMigrationHashesOnMismatch bool

	// Auth
	EncryptionKey string
	JWTSecret     string
	JWTAlgorithm  string
	JWTJWKS       string

	// Queue
	PgQueueEnable          bool
	PgQueueConnectionURL   string
	PgQueueApplicationName string
	PgQueueRetentionHours  int

	// Blob storage
	S3Endpoint       string
	S3Region         string
	S3ForcePathStyle bool
	S3GlobalBucket   string

	// Region / observability
	Region         string
	TracingEnabled bool
	LogLevel       string
}

// FromEnv builds a Config from the current process environment, loading any
// dotenv files first (missing files are ignored, existing env wins).
func FromEnv(dotenvFiles ...string) (*Config, error) {
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, trace.Wrap(err, "loading env file %v", f)
			}
		}
	}

	cfg := &Config{
		IsMultitenant:               envBool("IS_MULTITENANT", false),
		TenantID:                    os.Getenv("TENANT_ID"),
		RequestXForwardedHostRegexp: os.Getenv("REQUEST_X_FORWARDED_HOST_REGEXP"),
		ServiceKey:                  os.Getenv("SERVICE_KEY"),
		StorageBackendType:          envString("STORAGE_BACKEND_TYPE", "s3"),

		DatabaseURL:                     os.Getenv("DATABASE_URL"),
		DatabasePoolURL:                 os.Getenv("DATABASE_POOL_URL"),
		MultitenantDatabaseURL:          os.Getenv("MULTITENANT_DATABASE_URL"),
		DatabaseMaxConnections:          envInt("DATABASE_MAX_CONNECTIONS", 20),
		DatabaseFreePoolAfterInactivity: envDurationMillis("DATABASE_FREE_POOL_AFTER_INACTIVITY", 60*time.Second),
		DatabaseConnectionTimeout:       envDurationMillis("DATABASE_CONNECTION_TIMEOUT", 3*time.Second),
		DatabaseStatementTimeout:        envDurationMillis("DATABASE_STATEMENT_TIMEOUT", 0),
		DatabaseSSLRootCert:             os.Getenv("DATABASE_SSL_ROOT_CERT"),
		DBSearchPath:                    envString("DB_SEARCH_PATH", "storage"),
		DBPostgresVersion:               os.Getenv("DB_POSTGRES_VERSION"),
		DBInstallRoles:                  envBool("DB_INSTALL_ROLES", true),
		DBSuperUser:                     envString("DB_SUPER_USER", "postgres"),
		DBAnonRole:                      envString("DB_ANON_ROLE", "anon"),
		DBAuthenticatedRole:             envString("DB_AUTHENTICATED_ROLE", "authenticated"),
		DBServiceRole:                   envString("DB_SERVICE_ROLE", "service_role"),

		DBMigrationStrategy:              MigrationStrategy(envString("DB_MIGRATION_STRATEGY", string(MigrationStrategyOnRequest))),
		DBMigrationFreezeAt:              os.Getenv("DB_MIGRATION_FREEZE_AT"),
		RefreshMigrationHashesOnMismatch: envBool("DB_REFRESH_MIGRATION_HASHES_ON_MISMATCH", false),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		JWTSecret:     os.Getenv("PGRST_JWT_SECRET"),
		JWTAlgorithm:  envString("PGRST_JWT_ALGORITHM", "HS256"),
		JWTJWKS:       os.Getenv("JWT_JWKS"),

		PgQueueEnable:          envBool("PG_QUEUE_ENABLE", false),
		PgQueueConnectionURL:   os.Getenv("PG_QUEUE_CONNECTION_URL"),
		PgQueueApplicationName: envString("PG_QUEUE_APPLICATION_NAME", "storage-queue"),
		PgQueueRetentionHours:  envInt("PG_QUEUE_RETENTION_HOURS", 48),

		S3Endpoint:       os.Getenv("STORAGE_S3_ENDPOINT"),
		S3Region:         envString("STORAGE_S3_REGION", os.Getenv("REGION")),
		S3ForcePathStyle: envBool("STORAGE_S3_FORCE_PATH_STYLE", false),
		S3GlobalBucket:   os.Getenv("GLOBAL_S3_BUCKET"),

		Region:         os.Getenv("REGION"),
		TracingEnabled: envBool("TRACING_ENABLED", false),
		LogLevel:       envString("LOG_LEVEL", "info"),
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the snapshot. Single-tenant deployments fail
// fast when the options every request depends on are absent.
func (c *Config) CheckAndSetDefaults() error {
	switch c.DBMigrationStrategy {
	case MigrationStrategyOnRequest, MigrationStrategyProgressive, MigrationStrategyFullFleet:
	case "":
		c.DBMigrationStrategy = MigrationStrategyOnRequest
	default:
		return trace.BadParameter("unknown DB_MIGRATION_STRATEGY %q", c.DBMigrationStrategy)
	}

	if c.IsMultitenant {
		if c.MultitenantDatabaseURL == "" {
			return trace.BadParameter("MULTITENANT_DATABASE_URL is required in multitenant mode")
		}
		if c.EncryptionKey == "" {
			return trace.BadParameter("ENCRYPTION_KEY is required in multitenant mode")
		}
		return nil
	}

	var missing []string
	if c.TenantID == "" {
		missing = append(missing, "TENANT_ID")
	}
	if c.ServiceKey == "" {
		missing = append(missing, "SERVICE_KEY")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "PGRST_JWT_SECRET")
	}
	if c.StorageBackendType == "" {
		missing = append(missing, "STORAGE_BACKEND_TYPE")
	}
	if len(missing) > 0 {
		return trace.BadParameter("missing required configuration: %v", strings.Join(missing, ", "))
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envDurationMillis reads a numeric option expressed in milliseconds.
func envDurationMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
