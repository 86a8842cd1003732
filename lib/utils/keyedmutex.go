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

package utils

import (
	"context"

	"github.com/gravitational/trace"
	"golang.org/x/sync/singleflight"
)

// KeyedMutex serializes work that shares a string key within the process and
// coalesces concurrent callers onto the same in-flight result. There is no
// fairness guarantee. The zero value is ready to use.
type KeyedMutex struct {
	group singleflight.Group
}

// Run executes fn, deduplicating concurrent calls that share key: while one
// call is in flight, later callers block and receive its result instead of
// invoking fn themselves. The context only bounds waiting, not fn itself; a
// caller that gives up does not cancel the shared execution.
func (m *KeyedMutex) Run(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	ch := m.group.DoChan(key, fn)
	select {
	case res := <-ch:
		return res.Val, trace.Wrap(res.Err)
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// Forget drops the in-flight entry for key so the next call runs fn again.
// Used by invalidation paths to avoid handing out a stale shared result.
func (m *KeyedMutex) Forget(key string) {
	m.group.Forget(key)
}

// KeyedMutexGet is a typed convenience wrapper over KeyedMutex.Run.
func KeyedMutexGet[T any](ctx context.Context, m *KeyedMutex, key string, fn func() (T, error)) (T, error) {
	out, err := m.Run(ctx, key, func() (any, error) {
		v, err := fn()
		return v, trace.Wrap(err)
	})
	if err != nil {
		var zero T
		return zero, trace.Wrap(err)
	}
	v, ok := out.(T)
	if !ok {
		var zero T
		return zero, trace.BadParameter("unexpected value of type %T in keyed mutex", out)
	}
	return v, nil
}
