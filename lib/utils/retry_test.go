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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestLinearDuration(t *testing.T) {
	r, err := NewLinear(LinearConfig{Step: 20 * time.Millisecond, Max: 100 * time.Millisecond})
	require.NoError(t, err)

	require.Equal(t, time.Duration(0), r.Duration())
	r.Inc()
	require.Equal(t, 20*time.Millisecond, r.Duration())
	for i := 0; i < 10; i++ {
		r.Inc()
	}
	require.Equal(t, 100*time.Millisecond, r.Duration())
	r.Reset()
	require.Equal(t, time.Duration(0), r.Duration())
}

func TestExponentialDuration(t *testing.T) {
	r, err := NewExponential(ExponentialConfig{
		Base: 50 * time.Millisecond,
		Max:  200 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Equal(t, time.Duration(0), r.Duration())
	r.Inc()
	require.Equal(t, 50*time.Millisecond, r.Duration())
	r.Inc()
	require.Equal(t, 100*time.Millisecond, r.Duration())
	r.Inc()
	require.Equal(t, 200*time.Millisecond, r.Duration())
	r.Inc()
	// capped
	require.Equal(t, 200*time.Millisecond, r.Duration())
}

func TestExponentialExhaustion(t *testing.T) {
	r, err := NewExponential(ExponentialConfig{
		Base:        time.Millisecond,
		Max:         time.Millisecond,
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	require.False(t, r.Exhausted())
	r.Inc()
	r.Inc()
	require.False(t, r.Exhausted())
	r.Inc()
	require.True(t, r.Exhausted())
}

func TestRetryWithContext(t *testing.T) {
	r, err := NewExponential(ExponentialConfig{
		Base:        time.Microsecond,
		Max:         time.Microsecond,
		MaxAttempts: 10,
	})
	require.NoError(t, err)

	attempts := 0
	err = RetryWithContext(context.Background(), r, func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return trace.ConnectionProblem(nil, "saturated")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryWithContextPermanent(t *testing.T) {
	r, err := NewExponential(ExponentialConfig{
		Base:        time.Microsecond,
		Max:         time.Microsecond,
		MaxAttempts: 10,
	})
	require.NoError(t, err)

	attempts := 0
	err = RetryWithContext(context.Background(), r, trace.IsConnectionProblem, func() error {
		attempts++
		return trace.BadParameter("not retryable")
	})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
	require.Equal(t, 1, attempts)
}
