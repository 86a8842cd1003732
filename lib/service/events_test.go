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

package service

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/queue"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

type fakeBackend struct {
	inserts [][]queue.Job
	sends   []queue.Job
}

func (b *fakeBackend) Insert(ctx context.Context, jobs []queue.Job) error {
	b.inserts = append(b.inserts, jobs)
	return nil
}

func (b *fakeBackend) Send(ctx context.Context, job queue.Job) error {
	b.sends = append(b.sends, job)
	return nil
}

func (b *fakeBackend) Work(ctx context.Context, queueName string, handler func(ctx context.Context, job queue.Job) error) error {
	<-ctx.Done()
	return nil
}

func newDispatcher(t *testing.T) (*queueDispatcher, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	q, err := queue.New(queue.Config{Backend: backend})
	require.NoError(t, err)
	return &queueDispatcher{queue: q}, backend
}

func TestDispatchMigrationsSingleInsert(t *testing.T) {
	dispatcher, backend := newDispatcher(t)
	startAfter := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	err := dispatcher.DispatchMigrations(context.Background(), []string{"t1", "t2", "t3"}, startAfter)
	require.NoError(t, err)
	require.Len(t, backend.inserts, 1)
	require.Empty(t, backend.sends)

	jobs := backend.inserts[0]
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		require.Equal(t, EventTenantMigration, job.Queue)
		require.Equal(t, []string{"t1", "t2", "t3"}[i], job.Options.SingletonKey)
		require.Equal(t, startAfter, job.Options.StartAfter)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		require.Equal(t, []string{"t1", "t2", "t3"}[i], payload["tenantId"])
	}
}

func TestDispatchJWKBackfill(t *testing.T) {
	dispatcher, backend := newDispatcher(t)

	err := dispatcher.DispatchJWKBackfill(context.Background(), []string{"t1", "t2"})
	require.NoError(t, err)
	require.Len(t, backend.inserts, 1)

	jobs := backend.inserts[0]
	require.Len(t, jobs, 2)
	require.Equal(t, EventJWKSBackfill, jobs[0].Queue)
	require.Equal(t, "t1", jobs[0].Options.SingletonKey)
	require.NotZero(t, jobs[0].Options.RetryLimit)
}
