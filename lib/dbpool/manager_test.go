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

package dbpool

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestMaxConnsPerNode(t *testing.T) {
	tests := []struct {
		name        string
		max         int
		clusterSize int
		external    bool
		singleUse   bool
		want        int32
	}{
		{name: "even split", max: 20, clusterSize: 2, want: 10},
		{name: "rounds up", max: 10, clusterSize: 3, want: 4},
		{name: "floor one", max: 1, clusterSize: 8, want: 1},
		{name: "single node", max: 20, clusterSize: 1, want: 20},
		{name: "single use external", max: 20, clusterSize: 1, external: true, singleUse: true, want: 1},
		{name: "recycled external", max: 20, clusterSize: 2, external: true, want: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, maxConnsPerNode(tt.max, tt.clusterSize, tt.external, tt.singleUse))
		})
	}
}

func TestGetPoolIdempotent(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	ctx := context.Background()
	opts := Options{TenantID: "t1", DBURL: "postgres://localhost:5432/t1"}

	p1, err := m.GetPool(ctx, opts)
	require.NoError(t, err)
	p2, err := m.GetPool(ctx, opts)
	require.NoError(t, err)
	require.Same(t, p1, p2)

	m.Destroy("t1")
	p3, err := m.GetPool(ctx, opts)
	require.NoError(t, err)
	require.NotSame(t, p1, p3)
}

func TestDestroyMissingTenant(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	m.Destroy("never-seen")
}

func TestRebalanceSwapsUnderlyingPool(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	ctx := context.Background()
	p, err := m.GetPool(ctx, Options{TenantID: "t1", DBURL: "postgres://localhost:5432/t1", MaxConnections: 10})
	require.NoError(t, err)

	before := p.pgxPool()
	require.NoError(t, m.Rebalance(ctx, "t1", RebalanceOptions{ClusterSize: 2}))

	// the handle is preserved so in-flight callers are unaffected, only the
	// underlying pool is swapped
	after, err := m.GetPool(ctx, Options{TenantID: "t1", DBURL: "postgres://localhost:5432/t1"})
	require.NoError(t, err)
	require.Same(t, p, after)
	require.NotSame(t, before, p.pgxPool())
	require.Equal(t, 2, p.opts.ClusterSize)
}

func TestRebalanceUnknownTenant(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	require.NoError(t, m.Rebalance(context.Background(), "unknown", RebalanceOptions{ClusterSize: 3}))
}

func TestReapIdlePools(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, err := NewManager(ManagerConfig{
		FreePoolAfterInactivity: time.Minute,
		Clock:                   clock,
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	ctx := context.Background()
	_, err = m.GetPool(ctx, Options{TenantID: "t1", DBURL: "postgres://localhost:5432/t1"})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	m.reapIdle()
	m.mu.Lock()
	_, stillThere := m.pools["t1"]
	m.mu.Unlock()
	require.True(t, stillThere)

	clock.Advance(31 * time.Second)
	m.reapIdle()
	m.mu.Lock()
	_, stillThere = m.pools["t1"]
	m.mu.Unlock()
	require.False(t, stillThere)
}

func TestDisposeSingleUseExternal(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	ctx := context.Background()
	p, err := m.GetPool(ctx, Options{
		TenantID:       "t1",
		DBURL:          "postgres://localhost:6543/t1",
		IsExternalPool: true,
		IsSingleUse:    true,
	})
	require.NoError(t, err)

	p.Dispose()
	m.mu.Lock()
	_, stillThere := m.pools["t1"]
	m.mu.Unlock()
	require.False(t, stillThere)
}

func TestDisposeRecycledIsNoop(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	ctx := context.Background()
	p, err := m.GetPool(ctx, Options{TenantID: "t1", DBURL: "postgres://localhost:5432/t1"})
	require.NoError(t, err)

	p.Dispose()
	m.mu.Lock()
	_, stillThere := m.pools["t1"]
	m.mu.Unlock()
	require.True(t, stillThere)
}

func TestStopRejectsFurtherUse(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)

	m.Stop()
	_, err = m.GetPool(context.Background(), Options{TenantID: "t1", DBURL: "postgres://localhost:5432/t1"})
	require.Error(t, err)
}
