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

package sharding

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestResourceID(t *testing.T) {
	require.Equal(t, "iceberg-table::analytics::events", ResourceID("iceberg-table", "analytics", "events"))
}

func TestSingleShard(t *testing.T) {
	ctx := context.Background()
	ledger := &SingleShard{}

	r, err := ledger.Reserve(ctx, ReserveParams{
		Kind: "iceberg-table", TenantID: "T1", BucketName: "B", LogicalName: "L1",
	})
	require.NoError(t, err)
	require.Equal(t, ReservationConfirmed, r.Status)
	require.Equal(t, "default", r.ShardKey)
	require.Equal(t, "iceberg-table::B::L1", r.ResourceID)
	require.Equal(t, 0, r.SlotNo)

	confirmed, err := ledger.Confirm(ctx, r.ID, r.ResourceID)
	require.NoError(t, err)
	require.Equal(t, ReservationConfirmed, confirmed.Status)

	require.NoError(t, ledger.Cancel(ctx, r.ID))

	shard, err := ledger.FindShardByResourceID(ctx, "iceberg-table", r.ResourceID)
	require.NoError(t, err)
	require.Equal(t, ShardActive, shard.Status)
	require.Equal(t, "default", shard.ShardKey)

	_, err = ledger.Reserve(ctx, ReserveParams{Kind: "iceberg-table"})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))

	named := &SingleShard{ShardKey: "primary"}
	r, err = named.Reserve(ctx, ReserveParams{
		Kind: "iceberg-table", TenantID: "T1", BucketName: "B", LogicalName: "L2",
	})
	require.NoError(t, err)
	require.Equal(t, "primary", r.ShardKey)
}
