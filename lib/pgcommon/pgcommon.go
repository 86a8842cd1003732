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

// Package pgcommon holds PostgreSQL helpers shared by every subsystem that
// talks to a database: pool construction, advisory locks, and SQLSTATE
// classification.
package pgcommon

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/supabase/storage-sub002/lib/defaults"
)

// PoolConfig describes a pgx pool to be constructed.
type PoolConfig struct {
	// URL is the connection DSN.
	URL string
	// MaxConns caps the pool; zero keeps the pgx default.
	MaxConns int32
	// MinConns is the number of connections kept warm; tenant pools use 0.
	MinConns int32
	// ConnectTimeout bounds establishing each connection.
	ConnectTimeout time.Duration
	// MaxConnIdleTime releases idle connections back to the server.
	MaxConnIdleTime time.Duration
	// ApplicationName is reported to the server for observability.
	ApplicationName string
	// SearchPath, when set, is applied to every new connection. External
	// session poolers do not preserve it, so transactions against external
	// pools must also set it explicitly (see lib/dbpool).
	SearchPath string
	// BeforeConnect optionally mutates the connection config before each
	// connection attempt.
	BeforeConnect func(ctx context.Context, config *pgx.ConnConfig) error
}

// CheckAndSetDefaults checks and sets defaults.
func (c *PoolConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.DatabaseConnectTimeout
	}
	return nil
}

// ConnectPostgres builds a pgx pool from the config. The pool connects
// lazily; the first acquire establishes the first connection.
func ConnectPostgres(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, trace.Wrap(err, "parsing database URL")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	if cfg.SearchPath != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.SearchPath
	}
	if cfg.BeforeConnect != nil {
		poolConfig.BeforeConnect = cfg.BeforeConnect
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pool, nil
}
