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

package pubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/pgcommon"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

const urlEnvVar = "STORAGE_TEST_DATABASE_URL"

func TestDispatchOrdering(t *testing.T) {
	p := &PubSub{handlers: make(map[string][]Handler)}

	var got []string
	require.NoError(t, p.Subscribe(storage.ChannelTenantsUpdate, func(payload string) {
		got = append(got, "first:"+payload)
	}))
	require.NoError(t, p.Subscribe(storage.ChannelTenantsUpdate, func(payload string) {
		got = append(got, "second:"+payload)
	}))
	require.NoError(t, p.Subscribe(storage.ChannelTenantsJWKSUpdate, func(payload string) {
		got = append(got, "jwks:"+payload)
	}))

	p.dispatch(storage.ChannelTenantsUpdate, "t1")
	p.dispatch(storage.ChannelTenantsJWKSUpdate, "t1")
	p.dispatch("unknown_channel", "ignored")

	require.Equal(t, []string{"first:t1", "second:t1", "jwks:t1"}, got)
}

func TestSubscribeAfterStart(t *testing.T) {
	p := &PubSub{handlers: make(map[string][]Handler), started: true}
	err := p.Subscribe(storage.ChannelTenantsUpdate, func(string) {})
	require.Error(t, err)
}

func TestListenNotifyRoundTrip(t *testing.T) {
	url, ok := os.LookupEnv(urlEnvVar)
	if !ok {
		t.Skipf("Missing %v environment variable.", urlEnvVar)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgcommon.ConnectPostgres(ctx, pgcommon.PoolConfig{URL: url})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	p, err := New(Config{Pool: pool})
	require.NoError(t, err)

	payloads := make(chan string, 1)
	require.NoError(t, p.Subscribe(storage.ChannelTenantsUpdate, func(payload string) {
		payloads <- payload
	}))

	require.NoError(t, p.Start(ctx))
	t.Cleanup(p.Close)

	// the LISTEN may not be registered yet; retry until delivery
	deadline := time.After(10 * time.Second)
	for {
		require.NoError(t, p.Publish(ctx, storage.ChannelTenantsUpdate, "t1"))
		select {
		case got := <-payloads:
			require.Equal(t, "t1", got)
			return
		case <-time.After(250 * time.Millisecond):
		case <-deadline:
			t.Fatal("notification was never delivered")
		}
	}
}
