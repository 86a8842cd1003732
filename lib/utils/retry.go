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
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a new jitter on the range [n/2,n). This is a large
// range and most suitable for jittering things like backoff operations where
// breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic relies on
		// treating zero duration as the non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// NewSeventhJitter builds a new jitter on the range [6n/7,n). Prefer smaller
// jitters such as this when jittering periodic operations (e.g. pool reaper
// sweeps) since large jitters result in significantly increased load.
func NewSeventhJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (6 * d / 7) + time.Duration(rng.Int63n(int64(d))/7)
	}
}

// Retry is an interface that provides retry logic
type Retry interface {
	// Reset resets retry state
	Reset()
	// Inc increments retry attempt
	Inc()
	// Duration returns retry duration,
	// could be 0
	Duration() time.Duration
	// After returns time.Time channel
	// that fires after Duration delay,
	// could fire right away if Duration is 0
	After() <-chan time.Time
}

// LinearConfig sets up retry configuration
// using arithmetic progression
type LinearConfig struct {
	// First is a first element of the progression,
	// could be 0
	First time.Duration
	// Step is a step of the progression, can't be 0
	Step time.Duration
	// Max is a maximum value of the progression,
	// can't be 0
	Max time.Duration
	// Jitter is an optional jitter function to be applied
	// to the delay. Note that supplying a jitter means that
	// successive calls to Duration may return different results.
	Jitter Jitter
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a new instance of linear retry
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}, nil
}

// Linear is used to calculate retry period that grows by a fixed step on
// every attempt, capped at Max.
type Linear struct {
	// LinearConfig is a linear retry config
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets retry period to initial state
func (r *Linear) Reset() {
	r.attempt = 0
}

// Inc increments attempt counter
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns retry duration based on state
func (r *Linear) Duration() time.Duration {
	a := r.First + time.Duration(r.attempt)*r.Step
	if a < 1 {
		return 0
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns channel that fires with timeout defined in the Duration
// method; as a special case, if Duration is 0 returns a closed channel.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns user-friendly representation of the Linear retry.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// ExponentialConfig sets up a retry whose delay doubles on every attempt.
type ExponentialConfig struct {
	// Base is the delay of the first retry, can't be 0.
	Base time.Duration
	// Max caps the delay between attempts, can't be 0.
	Max time.Duration
	// MaxAttempts bounds the number of attempts; zero means unbounded.
	MaxAttempts int
	// Budget bounds the total time spent across all attempts; zero means
	// unbounded.
	Budget time.Duration
	// Jitter is an optional jitter applied to each delay.
	Jitter Jitter
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Max <= 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential retry.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}, nil
}

// Exponential is a retry that doubles its delay on every attempt up to Max,
// bounded by an attempt count and a total time budget.
type Exponential struct {
	// ExponentialConfig is the exponential retry config
	ExponentialConfig
	attempt    int
	started    time.Time
	closedChan chan time.Time
}

// Reset resets retry state.
func (r *Exponential) Reset() {
	r.attempt = 0
	r.started = time.Time{}
}

// Inc increments attempt counter.
func (r *Exponential) Inc() {
	if r.started.IsZero() {
		r.started = r.Clock.Now()
	}
	r.attempt++
}

// Attempt returns the current attempt count.
func (r *Exponential) Attempt() int {
	return r.attempt
}

// Exhausted reports whether the attempt bound or the time budget has been
// spent; callers should surface the last error once this returns true.
func (r *Exponential) Exhausted() bool {
	if r.MaxAttempts > 0 && r.attempt >= r.MaxAttempts {
		return true
	}
	if r.Budget > 0 && !r.started.IsZero() && r.Clock.Now().Sub(r.started) >= r.Budget {
		return true
	}
	return false
}

// Duration returns retry duration based on state.
func (r *Exponential) Duration() time.Duration {
	if r.attempt == 0 {
		return 0
	}
	d := r.Base << (r.attempt - 1)
	if d > r.Max || d <= 0 {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// After returns channel that fires with timeout defined in the Duration
// method; as a special case, if Duration is 0 returns a closed channel.
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns user-friendly representation of the Exponential retry.
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// RetryWithContext retries fn until it succeeds, the retry is exhausted, the
// error is not retryable according to isRetryable, or the context is
// canceled. The last error is returned.
func RetryWithContext(ctx context.Context, retry *Exponential, isRetryable func(error) bool, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return trace.Wrap(err)
		}
		retry.Inc()
		if retry.Exhausted() {
			return trace.Wrap(err)
		}
		select {
		case <-retry.After():
		case <-ctx.Done():
			return trace.NewAggregate(err, ctx.Err())
		}
	}
}
