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

// Package pubsub fans out named invalidation channels to every instance in
// the cluster over Postgres LISTEN/NOTIFY. Delivery is at-least-once to every
// live subscriber; ordering holds per channel per publisher.
package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/defaults"
	"github.com/supabase/storage-sub002/lib/logutils"
)

var log = logutils.NewPackageLogger(storage.ComponentPubSub)

// Handler consumes a notification payload. Handlers run on the listen loop
// to preserve per-channel ordering, so they must not block.
type Handler = func(payload string)

// Config configures a PubSub adapter.
type Config struct {
	// Pool is the control-plane database pool notifications travel over.
	Pool *pgxpool.Pool
	// OnError, if set, observes listen-loop errors in addition to logging.
	OnError func(error)
	// Clock to override clock in tests
	Clock clockwork.Clock
	// Logger to override the package logger
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing parameter Pool")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// PubSub is the process-wide LISTEN/NOTIFY adapter. One listening connection
// serves all channels; handlers are registered before Start.
type PubSub struct {
	cfg Config

	mu       sync.Mutex
	handlers map[string][]Handler
	started  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a PubSub adapter.
func New(cfg Config) (*PubSub, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &PubSub{
		cfg:      cfg,
		handlers: make(map[string][]Handler),
	}, nil
}

// Subscribe registers a handler for a channel. Must be called before Start;
// the core registers all channels during service wiring.
func (p *PubSub) Subscribe(channel string, handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return trace.BadParameter("cannot subscribe to %q after the listener started", channel)
	}
	p.handlers[channel] = append(p.handlers[channel], handler)
	return nil
}

// Publish sends a payload to a channel; every live subscriber in the cluster
// receives it, including this process.
func (p *PubSub) Publish(ctx context.Context, channel, payload string) error {
	_, err := p.cfg.Pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return trace.Wrap(err)
}

// Start spawns the listen loop. The loop reconnects on transport loss until
// ctx is canceled or Close is called.
func (p *PubSub) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return trace.BadParameter("listener already started")
	}
	p.started = true
	p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.backgroundListen(ctx)
	return nil
}

// Close stops the listen loop and waits for it to exit.
func (p *PubSub) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *PubSub) backgroundListen(ctx context.Context) {
	defer p.wg.Done()
	defer p.cfg.Logger.InfoContext(ctx, "Exited listen loop.")

	for {
		err := p.runListener(ctx)
		if ctx.Err() != nil {
			return
		}
		p.cfg.Logger.ErrorContext(ctx, "Notification stream lost.", "error", err)
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.cfg.Clock.After(defaults.PubSubReconnectInterval):
		}
	}
}

// runListener connects, issues LISTEN for every subscribed channel, and
// dispatches notifications until the connection breaks.
func (p *PubSub) runListener(ctx context.Context) error {
	poolConn, err := p.cfg.Pool.Acquire(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	// hijack the connection from the pool: LISTEN registrations are tied to
	// the session, so the connection must never be reused for queries
	conn := poolConn.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			p.cfg.Logger.WarnContext(ctx, "Error closing listen connection.", "error", err)
		}
	}()

	p.mu.Lock()
	channels := make([]string, 0, len(p.handlers))
	for channel := range p.handlers {
		channels = append(channels, channel)
	}
	p.mu.Unlock()

	for _, channel := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return trace.Wrap(err)
		}
	}
	p.cfg.Logger.InfoContext(ctx, "Notification stream started.", "channels", len(channels))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return trace.Wrap(ctx.Err())
			}
			return trace.Wrap(err)
		}
		p.dispatch(notification.Channel, notification.Payload)
	}
}

// dispatch runs every handler registered for the channel, in registration
// order, on the listen loop.
func (p *PubSub) dispatch(channel, payload string) {
	p.mu.Lock()
	handlers := p.handlers[channel]
	p.mu.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}
