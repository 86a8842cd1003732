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

package queue

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/multitenant"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

type fakeBackend struct {
	mu       sync.Mutex
	jobs     []Job
	sendErr  error
	inserted [][]Job
}

func (f *fakeBackend) Send(ctx context.Context, job Job) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeBackend) Insert(ctx context.Context, jobs []Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, jobs)
	f.jobs = append(f.jobs, jobs...)
	return nil
}

func (f *fakeBackend) Work(ctx context.Context, queue string, handler func(ctx context.Context, job Job) error) error {
	<-ctx.Done()
	return nil
}

type fakeTenants struct {
	disabled []string
}

func (f *fakeTenants) GetTenantConfig(ctx context.Context, tenantID string) (*multitenant.TenantConfig, error) {
	return &multitenant.TenantConfig{ID: tenantID, DisabledEvents: f.disabled}, nil
}

func newTestQueue(t *testing.T, backend Backend, tenants TenantLookup) *Queue {
	t.Helper()
	q, err := New(Config{Backend: backend, Tenants: tenants})
	require.NoError(t, err)
	return q
}

func TestSendEnqueues(t *testing.T) {
	backend := &fakeBackend{}
	q := newTestQueue(t, backend, nil)

	var handled int
	require.NoError(t, q.RegisterHandler("object.created", func(ctx context.Context, event Event) error {
		handled++
		return nil
	}, SendOptions{RetryLimit: 3}))

	err := q.Send(context.Background(), Event{
		Name:      "object.created",
		Version:   "1",
		TenantID:  "t1",
		Payload:   map[string]any{"bucket": "b", "key": "k"},
		AllowSync: true,
	})
	require.NoError(t, err)
	require.Len(t, backend.jobs, 1)
	require.Equal(t, "object.created", backend.jobs[0].Queue)
	require.Equal(t, 3, backend.jobs[0].Options.RetryLimit)
	require.Zero(t, handled, "enqueued events must not run inline")
}

func TestSendFallsBackInlineOnEnqueueFailure(t *testing.T) {
	backend := &fakeBackend{sendErr: trace.ConnectionProblem(nil, "queue db down")}
	q := newTestQueue(t, backend, nil)

	var handled int
	require.NoError(t, q.RegisterHandler("object.created", func(ctx context.Context, event Event) error {
		handled++
		require.Equal(t, "t1", event.TenantID)
		return nil
	}, SendOptions{}))

	err := q.Send(context.Background(), Event{
		Name:      "object.created",
		TenantID:  "t1",
		AllowSync: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, handled)
}

func TestSendDisabledQueueRunsInline(t *testing.T) {
	q := newTestQueue(t, nil, nil)

	var handled int
	require.NoError(t, q.RegisterHandler("object.created", func(ctx context.Context, event Event) error {
		handled++
		return nil
	}, SendOptions{}))

	require.NoError(t, q.Send(context.Background(), Event{Name: "object.created", AllowSync: true}))
	require.Equal(t, 1, handled)

	// events that do not allow sync are dropped with a warning
	require.NoError(t, q.RegisterHandler("webhook.deliver", func(ctx context.Context, event Event) error {
		t.Fatal("must not run inline")
		return nil
	}, SendOptions{}))
	require.NoError(t, q.Send(context.Background(), Event{Name: "webhook.deliver"}))
}

func TestSendSkipsDisabledEvents(t *testing.T) {
	backend := &fakeBackend{}
	q := newTestQueue(t, backend, &fakeTenants{disabled: []string{"object.created"}})

	require.NoError(t, q.RegisterHandler("object.created", func(ctx context.Context, event Event) error {
		t.Fatal("disabled event must not run")
		return nil
	}, SendOptions{}))

	err := q.Send(context.Background(), Event{Name: "object.created", TenantID: "t1", AllowSync: true})
	require.NoError(t, err)
	require.Empty(t, backend.jobs)
}

func TestBatchSendSingleInsert(t *testing.T) {
	backend := &fakeBackend{}
	q := newTestQueue(t, backend, &fakeTenants{disabled: []string{"noisy.event"}})
	require.NoError(t, q.RegisterHandler("object.created", func(ctx context.Context, event Event) error { return nil }, SendOptions{}))
	require.NoError(t, q.RegisterHandler("noisy.event", func(ctx context.Context, event Event) error { return nil }, SendOptions{}))

	err := q.BatchSend(context.Background(), []Event{
		{Name: "object.created", TenantID: "t1"},
		{Name: "noisy.event", TenantID: "t1"},
		{Name: "object.created", TenantID: "t2"},
	})
	require.NoError(t, err)
	require.Len(t, backend.inserted, 1)
	require.Len(t, backend.inserted[0], 2)
}

func TestInvokeRejectsAsyncOnlyEvents(t *testing.T) {
	q := newTestQueue(t, &fakeBackend{}, nil)
	require.NoError(t, q.RegisterHandler("webhook.deliver", func(ctx context.Context, event Event) error { return nil }, SendOptions{}))

	err := q.Invoke(context.Background(), Event{Name: "webhook.deliver"})
	require.True(t, trace.IsBadParameter(err))
}

func TestInvokeOrSendEnqueuesOnFailure(t *testing.T) {
	backend := &fakeBackend{}
	q := newTestQueue(t, backend, nil)
	require.NoError(t, q.RegisterHandler("object.created", func(ctx context.Context, event Event) error {
		return trace.ConnectionProblem(nil, "tenant db saturated")
	}, SendOptions{}))

	err := q.InvokeOrSend(context.Background(), Event{Name: "object.created", AllowSync: true})
	require.NoError(t, err)
	require.Len(t, backend.jobs, 1)
}

func TestDispatchRestoresEvent(t *testing.T) {
	backend := &fakeBackend{}
	q := newTestQueue(t, backend, nil)

	var got Event
	require.NoError(t, q.RegisterHandler("object.created", func(ctx context.Context, event Event) error {
		got = event
		return nil
	}, SendOptions{}))

	require.NoError(t, q.Send(context.Background(), Event{
		Name:      "object.created",
		Version:   "2",
		TenantID:  "t1",
		Payload:   map[string]any{"bucket": "b"},
		AllowSync: true,
	}))
	require.Len(t, backend.jobs, 1)

	require.NoError(t, q.dispatch(context.Background(), backend.jobs[0]))
	require.Equal(t, "object.created", got.Name)
	require.Equal(t, "2", got.Version)
	require.Equal(t, "t1", got.TenantID)
	require.Equal(t, "b", got.Payload["bucket"])
}
