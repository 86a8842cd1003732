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

package pgcommon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/supabase/storage-sub002/lib/defaults"
)

type fakeLockRow struct {
	locked bool
}

func (r fakeLockRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = r.locked
	return nil
}

// fakeLockConn grants the advisory lock on the grantAfter-th try; zero means
// never.
type fakeLockConn struct {
	mu         sync.Mutex
	calls      int
	grantAfter int
}

func (c *fakeLockConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return fakeLockRow{locked: c.grantAfter > 0 && c.calls >= c.grantAfter}
}

func (c *fakeLockConn) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestAcquireAdvisoryLockNoWait(t *testing.T) {
	conn := &fakeLockConn{}
	err := AcquireAdvisoryLock(context.Background(), conn, 1, false, clockwork.NewFakeClock())
	require.True(t, IsLockTimeout(err), "expected lock timeout, got %v", err)
	require.Equal(t, 1, conn.callCount())
}

func TestAcquireAdvisoryLockBacksOffLinearly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := &fakeLockConn{grantAfter: 3}

	done := make(chan error, 1)
	go func() {
		done <- AcquireAdvisoryLock(context.Background(), conn, 1, true, clock)
	}()

	// first retry waits one backoff step, the second waits two
	clock.BlockUntil(1)
	clock.Advance(defaults.MigrationLockBackoffStep)
	clock.BlockUntil(1)
	clock.Advance(2 * defaults.MigrationLockBackoffStep)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lock acquisition")
	}
	require.Equal(t, 3, conn.callCount())
}

func TestAcquireAdvisoryLockWaitBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := &fakeLockConn{}

	done := make(chan error, 1)
	go func() {
		done <- AcquireAdvisoryLock(context.Background(), conn, 1, true, clock)
	}()

	clock.BlockUntil(1)
	clock.Advance(defaults.MigrationLockBudget + defaults.MigrationLockBackoffStep)

	select {
	case err := <-done:
		require.True(t, IsLockTimeout(err), "expected lock timeout, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lock budget to elapse")
	}
	require.Equal(t, 2, conn.callCount())
}
