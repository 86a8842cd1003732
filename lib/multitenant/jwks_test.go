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
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/supabase/storage-sub002"
)

type fakeJWKSStore struct {
	mu   sync.Mutex
	keys map[string][]JWKItem // tenant id -> items

	tenants []TenantRef
}

func (f *fakeJWKSStore) InsertTenantJWK(ctx context.Context, tenantID string, key jose.JSONWebKey, kind string, idempotent bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.keys[tenantID] {
		if item.Kind == kind {
			if idempotent {
				return item.ID, nil
			}
			return "", trace.AlreadyExists("tenant %q already has an active %q jwk", tenantID, kind)
		}
	}
	if f.keys == nil {
		f.keys = make(map[string][]JWKItem)
	}
	item := JWKItem{ID: uuid.NewString(), Kind: kind, Key: key}
	f.keys[tenantID] = append(f.keys[tenantID], item)
	return item.ID, nil
}

func (f *fakeJWKSStore) ListActiveTenantJWKs(ctx context.Context, tenantID string) ([]JWKItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]JWKItem(nil), f.keys[tenantID]...), nil
}

func (f *fakeJWKSStore) ListTenantsWithoutKindPaginated(ctx context.Context, kind string, batchSize int, lastCursor int64) ([]TenantRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TenantRef
	for _, ref := range f.tenants {
		if ref.CursorID <= lastCursor {
			continue
		}
		if len(f.keys[ref.ID]) > 0 {
			continue
		}
		out = append(out, ref)
		if len(out) == batchSize {
			break
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][2]string
}

func (f *fakePublisher) Publish(ctx context.Context, channel, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, [2]string{channel, payload})
	return nil
}

func newTestJWKSManager(t *testing.T, store JWKSStore, bus Publisher) *JWKSManager {
	t.Helper()
	manager, err := NewJWKSManager(JWKSManagerConfig{Store: store, PubSub: bus})
	require.NoError(t, err)
	return manager
}

func TestGenerateURLSigningJWKIdempotent(t *testing.T) {
	store := &fakeJWKSStore{}
	bus := &fakePublisher{}
	manager := newTestJWKSManager(t, store, bus)

	ctx := context.Background()
	require.NoError(t, manager.GenerateURLSigningJWK(ctx, "t1"))
	require.NoError(t, manager.GenerateURLSigningJWK(ctx, "t1"))

	require.Len(t, store.keys["t1"], 1)
	require.Equal(t, URLSigningKind, store.keys["t1"][0].Kind)

	config, err := manager.GetJWKSTenantConfig(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, config.Keys, 1)
	require.Len(t, config.URLSigningKey, urlSigningKeyBytes)

	require.Len(t, bus.messages, 2)
	require.Equal(t, storage.ChannelTenantsJWKSUpdate, bus.messages[0][0])
	require.Equal(t, "t1", bus.messages[0][1])
}

func TestJWKSCacheInvalidation(t *testing.T) {
	store := &fakeJWKSStore{}
	manager := newTestJWKSManager(t, store, nil)

	ctx := context.Background()
	config, err := manager.GetJWKSTenantConfig(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, config.Keys)

	_, err = store.InsertTenantJWK(ctx, "t1", jose.JSONWebKey{Key: []byte("k"), Algorithm: string(jose.HS512)}, "signing", false)
	require.NoError(t, err)

	// the empty result stays cached until an invalidation arrives
	config, err = manager.GetJWKSTenantConfig(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, config.Keys)

	manager.Invalidate("t1")
	config, err = manager.GetJWKSTenantConfig(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, config.Keys, 1)
}

func TestListTenantsMissingURLSigningJWKPaginates(t *testing.T) {
	store := &fakeJWKSStore{
		tenants: []TenantRef{
			{ID: "a", CursorID: 1},
			{ID: "b", CursorID: 2},
			{ID: "c", CursorID: 3},
			{ID: "d", CursorID: 4},
			{ID: "e", CursorID: 5},
		},
	}
	manager := newTestJWKSManager(t, store, nil)

	var batches [][]string
	err := manager.ListTenantsMissingURLSigningJWK(context.Background(), 2, func(batch []TenantRef) error {
		var ids []string
		for _, ref := range batch {
			ids = append(ids, ref.ID)
		}
		batches = append(batches, ids)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, batches)
}

type blockingDispatcher struct {
	release chan struct{}
	mu      sync.Mutex
	batches [][]string
}

func (d *blockingDispatcher) DispatchJWKBackfill(ctx context.Context, tenantIDs []string) error {
	<-d.release
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, tenantIDs)
	return nil
}

func TestURLSigningJWKGeneratorSingleton(t *testing.T) {
	store := &fakeJWKSStore{
		tenants: []TenantRef{{ID: "a", CursorID: 1}, {ID: "b", CursorID: 2}},
	}
	manager := newTestJWKSManager(t, store, nil)
	dispatcher := &blockingDispatcher{release: make(chan struct{})}
	generator, err := NewURLSigningJWKGenerator(manager, dispatcher, 10)
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, generator.GenerateOnAllTenants(ctx))

	// a second start while the first run is in flight reports running
	require.False(t, generator.GenerateOnAllTenants(ctx))
	require.True(t, generator.Running())

	close(dispatcher.release)
	require.Eventually(t, func() bool { return !generator.Running() }, 5*time.Second, time.Millisecond)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Equal(t, [][]string{{"a", "b"}}, dispatcher.batches)
}
