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

// Package dbpool manages one pooled connection per tenant database, serves
// transaction-bound connections with the caller's authentication scope
// applied, and recycles pools based on activity and config changes.
package dbpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/defaults"
	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/pgcommon"
)

var log = logutils.NewPackageLogger(storage.ComponentDBPool)

// reapSweepInterval is how often the reaper scans for idle pools.
const reapSweepInterval = 10 * time.Second

// ManagerConfig configures a pool Manager.
type ManagerConfig struct {
	// FreePoolAfterInactivity destroys a pool that served no acquire for this
	// long. Zero disables reaping.
	FreePoolAfterInactivity time.Duration
	// ConnectTimeout bounds establishing new connections for every pool.
	ConnectTimeout time.Duration
	// StatementTimeout is the default SET LOCAL statement_timeout applied to
	// transactions that do not override it; zero disables it.
	StatementTimeout time.Duration
	// SearchPath applied to tenant connections.
	SearchPath string
	// ApplicationName reported to the tenant databases.
	ApplicationName string
	// Clock to override clock in tests
	Clock clockwork.Clock
	// Logger to override the package logger
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.DatabaseConnectTimeout
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "storage"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

type poolEntry struct {
	pool     *Pool
	lastUsed time.Time
}

// Manager is the registry of per-tenant pools. All registry mutations
// serialize through the manager mutex; pool destruction is asynchronous with
// respect to registry updates so in-flight acquires drain cleanly.
type Manager struct {
	cfg ManagerConfig

	mu     sync.Mutex
	pools  map[string]*poolEntry
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a pool manager. Call Start to enable reaping and
// metrics, Stop to destroy every pool.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:   cfg,
		pools: make(map[string]*poolEntry),
	}, nil
}

// Start launches the reaper and metrics loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	if m.cfg.FreePoolAfterInactivity > 0 {
		m.wg.Add(1)
		go m.backgroundReap(ctx)
	}
	m.wg.Add(1)
	go m.backgroundMonitor(ctx)
}

// Options describe the pool for one tenant database.
type Options struct {
	// TenantID keys the registry.
	TenantID string
	// DBURL is the tenant database DSN (poolable DSN when one exists).
	DBURL string
	// User is the role applied to request scopes by default.
	User string
	// SuperUser is the role AsSuperUser scopes switch to.
	SuperUser string
	// MaxConnections is the tenant-wide connection budget before division by
	// cluster size.
	MaxConnections int
	// ClusterSize divides MaxConnections across instances; values below 1
	// are treated as 1.
	ClusterSize int
	// IsExternalPool marks a session-pooling proxy DSN. External poolers do
	// not preserve search_path, so it is set inside each transaction.
	IsExternalPool bool
	// IsSingleUse marks an external pool to be destroyed on Dispose.
	IsSingleUse bool
}

// CheckAndSetDefaults checks and sets defaults.
func (o *Options) CheckAndSetDefaults() error {
	if o.TenantID == "" {
		return trace.BadParameter("missing parameter TenantID")
	}
	if o.DBURL == "" {
		return trace.BadParameter("missing parameter DBURL")
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = defaults.DatabaseMaxConnections
	}
	if o.ClusterSize < 1 {
		o.ClusterSize = 1
	}
	return nil
}

// maxConnsPerNode computes this node's share of the tenant connection budget.
func maxConnsPerNode(maxConnections, clusterSize int, external, singleUse bool) int32 {
	if external && singleUse {
		return 1
	}
	per := (maxConnections + clusterSize - 1) / clusterSize
	if per < 1 {
		per = 1
	}
	return int32(per)
}

// GetPool returns the pool for the tenant, creating it lazily on first use.
// Idempotent on TenantID: concurrent callers share one pool until it is
// destroyed or rebalanced.
func (m *Manager) GetPool(ctx context.Context, opts Options) (*Pool, error) {
	if err := opts.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, trace.BadParameter("pool manager is stopped")
	}

	if entry, ok := m.pools[opts.TenantID]; ok {
		entry.lastUsed = m.cfg.Clock.Now()
		return entry.pool, nil
	}

	pool, err := m.newPool(ctx, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.pools[opts.TenantID] = &poolEntry{pool: pool, lastUsed: m.cfg.Clock.Now()}
	m.cfg.Logger.InfoContext(ctx, "Created tenant pool.",
		"tenant", opts.TenantID,
		"max_conns", maxConnsPerNode(opts.MaxConnections, opts.ClusterSize, opts.IsExternalPool, opts.IsSingleUse),
		"external", opts.IsExternalPool,
	)
	return pool, nil
}

func (m *Manager) newPool(ctx context.Context, opts Options) (*Pool, error) {
	searchPath := ""
	if !opts.IsExternalPool {
		// external poolers drop session state; search_path for them is set
		// per transaction instead
		searchPath = m.cfg.SearchPath
	}
	pgxPool, err := pgcommon.ConnectPostgres(ctx, pgcommon.PoolConfig{
		URL:             opts.DBURL,
		MaxConns:        maxConnsPerNode(opts.MaxConnections, opts.ClusterSize, opts.IsExternalPool, opts.IsSingleUse),
		MinConns:        0,
		ConnectTimeout:  m.cfg.ConnectTimeout,
		ApplicationName: m.cfg.ApplicationName,
		SearchPath:      searchPath,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Pool{
		manager: m,
		opts:    opts,
		clock:   m.cfg.Clock,
		logger:  m.cfg.Logger.With("tenant", opts.TenantID),
	}
	p.swap(pgxPool)
	return p, nil
}

// Destroy drains and removes the tenant's pool. In-flight acquires complete;
// the underlying pool closes once they release.
func (m *Manager) Destroy(tenantID string) {
	m.mu.Lock()
	entry, ok := m.pools[tenantID]
	if ok {
		delete(m.pools, tenantID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.cfg.Logger.Info("Destroying tenant pool.", "tenant", tenantID)
	entry.pool.closeAsync()
	unregisterPoolMetrics(tenantID)
}

// RebalanceOptions carry the sizing inputs that changed; zero values keep
// the pool's current setting.
type RebalanceOptions struct {
	// ClusterSize is the number of instances sharing the tenant budget.
	ClusterSize int
	// MaxConnections is the new tenant-wide connection budget.
	MaxConnections int
}

// Rebalance swaps the tenant's underlying pool for a new one sized by
// ceil(maxConnections / clusterSize). Outstanding acquires on the old pool
// complete before it closes; no in-flight transaction fails solely because
// rebalance ran.
func (m *Manager) Rebalance(ctx context.Context, tenantID string, rebalance RebalanceOptions) error {
	m.mu.Lock()
	entry, ok := m.pools[tenantID]
	m.mu.Unlock()
	if !ok {
		// nothing to rebalance; the next GetPool sizes the pool fresh
		return nil
	}

	opts := entry.pool.opts
	if rebalance.ClusterSize >= 1 {
		opts.ClusterSize = rebalance.ClusterSize
	}
	if rebalance.MaxConnections > 0 {
		opts.MaxConnections = rebalance.MaxConnections
	}

	fresh, err := pgcommon.ConnectPostgres(ctx, pgcommon.PoolConfig{
		URL:             opts.DBURL,
		MaxConns:        maxConnsPerNode(opts.MaxConnections, opts.ClusterSize, opts.IsExternalPool, opts.IsSingleUse),
		MinConns:        0,
		ConnectTimeout:  m.cfg.ConnectTimeout,
		ApplicationName: m.cfg.ApplicationName,
		SearchPath:      entry.pool.pgxSearchPath(m.cfg.SearchPath),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	old := entry.pool.swap(fresh)
	entry.pool.opts = opts
	if old != nil {
		// Close waits for acquired connections to be released
		go old.Close()
	}
	m.cfg.Logger.InfoContext(ctx, "Rebalanced tenant pool.",
		"tenant", tenantID,
		"cluster_size", opts.ClusterSize,
		"max_conns", maxConnsPerNode(opts.MaxConnections, opts.ClusterSize, opts.IsExternalPool, opts.IsSingleUse),
	)
	return nil
}

// Stop destroys all pools and halts background loops.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := make([]*poolEntry, 0, len(m.pools))
	for tenantID, entry := range m.pools {
		pools = append(pools, entry)
		unregisterPoolMetrics(tenantID)
	}
	m.pools = make(map[string]*poolEntry)
	m.mu.Unlock()

	for _, entry := range pools {
		entry.pool.closeAsync()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// touch refreshes the tenant's last-used timestamp; called on every acquire.
func (m *Manager) touch(tenantID string) {
	m.mu.Lock()
	if entry, ok := m.pools[tenantID]; ok {
		entry.lastUsed = m.cfg.Clock.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) backgroundReap(ctx context.Context) {
	defer m.wg.Done()
	defer m.cfg.Logger.Info("Exited pool reaper loop.")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(reapSweepInterval):
		}
		m.reapIdle()
	}
}

// reapIdle destroys pools whose inactivity exceeded the configured TTL.
func (m *Manager) reapIdle() {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	var idle []string
	for tenantID, entry := range m.pools {
		if now.Sub(entry.lastUsed) >= m.cfg.FreePoolAfterInactivity {
			idle = append(idle, tenantID)
		}
	}
	m.mu.Unlock()

	for _, tenantID := range idle {
		m.cfg.Logger.Info("Reaping idle tenant pool.", "tenant", tenantID)
		m.Destroy(tenantID)
	}
}

func (m *Manager) backgroundMonitor(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(reapSweepInterval):
		}

		m.mu.Lock()
		for tenantID, entry := range m.pools {
			entry.pool.publishMetrics(tenantID)
		}
		m.mu.Unlock()
	}
}
