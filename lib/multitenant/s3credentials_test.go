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
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/supabase/storage-sub002"
)

type fakeCredentialStore struct {
	mu          sync.Mutex
	credentials map[string][]*S3Credential // tenant id -> rows
	gets        atomic.Int64
}

func (f *fakeCredentialStore) CreateS3Credentials(ctx context.Context, tenantID, description string, claims map[string]any) (*S3Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credentials == nil {
		f.credentials = make(map[string][]*S3Credential)
	}
	credential := &S3Credential{
		ID:          uuid.NewString(),
		Description: description,
		AccessKey:   uuid.NewString(),
		SecretKey:   uuid.NewString(),
		Claims:      scopeCredentialClaims(tenantID, claims),
	}
	f.credentials[tenantID] = append(f.credentials[tenantID], credential)
	return credential, nil
}

func (f *fakeCredentialStore) GetS3CredentialsByAccessKey(ctx context.Context, tenantID, accessKey string) (*S3Credential, error) {
	f.gets.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, credential := range f.credentials[tenantID] {
		if credential.AccessKey == accessKey {
			return credential, nil
		}
	}
	return nil, trace.NotFound("tenant %q has no s3 credentials for access key %q", tenantID, accessKey)
}

func (f *fakeCredentialStore) DeleteS3Credential(ctx context.Context, tenantID, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.credentials[tenantID]
	for i, credential := range rows {
		if credential.ID == id {
			f.credentials[tenantID] = append(rows[:i], rows[i+1:]...)
			return credential.AccessKey, nil
		}
	}
	return "", trace.NotFound("tenant %q has no s3 credential %q", tenantID, id)
}

func (f *fakeCredentialStore) ListS3Credentials(ctx context.Context, tenantID string) ([]S3Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []S3Credential
	for _, credential := range f.credentials[tenantID] {
		out = append(out, *credential)
	}
	return out, nil
}

func (f *fakeCredentialStore) CountS3Credentials(ctx context.Context, tenantID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.credentials[tenantID]), nil
}

func newTestCredentialsManager(t *testing.T, store S3CredentialsStore, bus Publisher) *S3CredentialsManager {
	t.Helper()
	manager, err := NewS3CredentialsManager(S3CredentialsManagerConfig{
		Store:  store,
		PubSub: bus,
	})
	require.NoError(t, err)
	return manager
}

func TestCredentialCeiling(t *testing.T) {
	store := &fakeCredentialStore{}
	manager := newTestCredentialsManager(t, store, nil)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := manager.Create(ctx, "t1", "ci pipeline", nil)
		require.NoError(t, err)
	}

	_, err := manager.Create(ctx, "t1", "one too many", nil)
	require.True(t, trace.IsLimitExceeded(err), "expected limit exceeded, got %v", err)

	// other tenants are unaffected
	_, err = manager.Create(ctx, "t2", "fresh tenant", nil)
	require.NoError(t, err)
}

func TestScopeCredentialClaims(t *testing.T) {
	scoped := scopeCredentialClaims("t1", map[string]any{
		"role":   "authenticated",
		"iss":    "evil",
		"issuer": "also-evil",
		"exp":    123,
		"iat":    456,
	})
	require.Equal(t, "authenticated", scoped["role"])
	require.Equal(t, "supabase.storage.t1", scoped["issuer"])
	require.NotContains(t, scoped, "iss")
	require.NotContains(t, scoped, "exp")
	require.NotContains(t, scoped, "iat")
}

func TestGetByAccessKeyCaches(t *testing.T) {
	store := &fakeCredentialStore{}
	manager := newTestCredentialsManager(t, store, nil)

	ctx := context.Background()
	created, err := manager.Create(ctx, "t1", "reader", nil)
	require.NoError(t, err)

	got, err := manager.GetByAccessKey(ctx, "t1", created.AccessKey)
	require.NoError(t, err)
	require.Equal(t, created.SecretKey, got.SecretKey)

	_, err = manager.GetByAccessKey(ctx, "t1", created.AccessKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), store.gets.Load())
}

func TestGetByAccessKeyMissing(t *testing.T) {
	manager := newTestCredentialsManager(t, &fakeCredentialStore{}, nil)
	_, err := manager.GetByAccessKey(context.Background(), "t1", "no-such-key")
	require.True(t, trace.IsNotFound(err))
}

func TestDeleteEvictsAndPublishes(t *testing.T) {
	store := &fakeCredentialStore{}
	bus := &fakePublisher{}
	manager := newTestCredentialsManager(t, store, bus)

	ctx := context.Background()
	created, err := manager.Create(ctx, "t1", "short lived", nil)
	require.NoError(t, err)

	_, err = manager.GetByAccessKey(ctx, "t1", created.AccessKey)
	require.NoError(t, err)

	require.NoError(t, manager.Delete(ctx, "t1", created.ID))
	_, err = manager.GetByAccessKey(ctx, "t1", created.AccessKey)
	require.True(t, trace.IsNotFound(err))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	last := bus.messages[len(bus.messages)-1]
	require.Equal(t, storage.ChannelTenantsS3CredentialsUpdate, last[0])
	require.Equal(t, "t1:"+created.AccessKey, last[1])
}

func TestS3CredentialsInvalidationHandler(t *testing.T) {
	store := &fakeCredentialStore{}
	manager := newTestCredentialsManager(t, store, nil)

	ctx := context.Background()
	created, err := manager.Create(ctx, "t1", "cached", nil)
	require.NoError(t, err)

	_, err = manager.GetByAccessKey(ctx, "t1", created.AccessKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), store.gets.Load())

	bus := &recordingBus{}
	require.NoError(t, manager.ListenForS3CredentialsUpdate(bus))
	bus.deliver(storage.ChannelTenantsS3CredentialsUpdate, "t1:"+created.AccessKey)

	_, err = manager.GetByAccessKey(ctx, "t1", created.AccessKey)
	require.NoError(t, err)
	require.Equal(t, int64(2), store.gets.Load())
}

func TestRandomToken(t *testing.T) {
	token, err := randomToken(secretKeyLength)
	require.NoError(t, err)
	require.Len(t, token, secretKeyLength)
	for _, r := range token {
		require.Contains(t, tokenAlphabet, string(r))
	}

	other, err := randomToken(secretKeyLength)
	require.NoError(t, err)
	require.NotEqual(t, token, other)

	// enough draws that every alphabet character shows up
	seen := make(map[rune]bool)
	for i := 0; i < 200; i++ {
		tok, err := randomToken(secretKeyLength)
		require.NoError(t, err)
		require.Len(t, tok, secretKeyLength)
		for _, r := range tok {
			seen[r] = true
		}
	}
	require.Len(t, seen, len(tokenAlphabet))
}

// recordingBus registers handlers and lets tests deliver payloads directly.
type recordingBus struct {
	mu       sync.Mutex
	handlers map[string][]func(string)
}

func (b *recordingBus) Subscribe(channel string, handler func(payload string)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]func(string))
	}
	b.handlers[channel] = append(b.handlers[channel], handler)
	return nil
}

func (b *recordingBus) deliver(channel, payload string) {
	b.mu.Lock()
	handlers := append(([]func(string))(nil), b.handlers[channel]...)
	b.mu.Unlock()
	for _, handler := range handlers {
		handler(payload)
	}
}
