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

// Package queue implements the durable job queue: a named-event model over a
// pluggable backing store, with synchronous fallback, batching, singleton
// keys, and a signed transactional outbox.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/multitenant"
)

var log = logutils.NewPackageLogger(storage.ComponentQueue)

// versionClaim is the payload field the event version is stamped into.
const versionClaim = "$version"

// SendOptions control how a job is scheduled on the backing store.
type SendOptions struct {
	// RetryLimit is how many times a failed job is retried.
	RetryLimit int `json:"retryLimit,omitempty"`
	// RetryDelay spaces out retries.
	RetryDelay time.Duration `json:"retryDelay,omitempty"`
	// ExpireInHours drops jobs not completed within the window.
	ExpireInHours int `json:"expireInHours,omitempty"`
	// SingletonKey ensures at most one non-terminal job per key per queue.
	SingletonKey string `json:"singletonKey,omitempty"`
	// StartAfter delays the first delivery.
	StartAfter time.Time `json:"startAfter,omitempty"`
	// Priority orders delivery; higher runs first.
	Priority int `json:"priority,omitempty"`
	// DeadLetter routes exhausted jobs to a parking queue.
	DeadLetter string `json:"deadLetter,omitempty"`
}

// Event is a named message bound for the queue. Payload keys must be JSON
// serializable; the version is stamped into the payload on send.
type Event struct {
	// Name identifies the event type and its queue.
	Name string
	// Version is the payload schema version.
	Version string
	// TenantID scopes the event; consulted for per-tenant disabled events.
	TenantID string
	// Payload is the event body.
	Payload map[string]any
	// AllowSync permits inline execution when the queue is disabled or an
	// enqueue fails.
	AllowSync bool
	// Options override the handler's default send options.
	Options SendOptions
}

func (e *Event) check() error {
	if e.Name == "" {
		return trace.BadParameter("missing event name")
	}
	return nil
}

// body returns the payload with the version stamped in.
func (e *Event) body() map[string]any {
	body := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		body[k] = v
	}
	if e.Version != "" {
		body[versionClaim] = e.Version
	}
	if e.TenantID != "" {
		body["tenantId"] = e.TenantID
	}
	return body
}

// Job is one unit of work on the backing store.
type Job struct {
	// ID is the job's unique id.
	ID string
	// Queue is the event name.
	Queue string
	// Payload is the serialized event body.
	Payload []byte
	// Options carry the scheduling parameters.
	Options SendOptions
}

// Handler consumes a dequeued or inline event.
type Handler func(ctx context.Context, event Event) error

// Backend is the durable store jobs travel through.
type Backend interface {
	// Insert enqueues a batch in one round trip.
	Insert(ctx context.Context, jobs []Job) error
	// Send enqueues a single job.
	Send(ctx context.Context, job Job) error
	// Work polls the queue and invokes handler per job until ctx is canceled.
	Work(ctx context.Context, queue string, handler func(ctx context.Context, job Job) error) error
}

// TenantLookup resolves per-tenant event policy.
type TenantLookup interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*multitenant.TenantConfig, error)
}

// Config configures a Queue.
type Config struct {
	// Backend is the durable store; nil disables the queue and events run
	// inline when they allow it.
	Backend Backend
	// Tenants, when set, is consulted for per-tenant disabled events.
	Tenants TenantLookup
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger is the queue logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// Queue dispatches events to handlers, durably through the backend when
// enabled, inline otherwise.
type Queue struct {
	cfg      Config
	handlers map[string]registration
}

type registration struct {
	handler  Handler
	defaults SendOptions
}

// New creates a Queue.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{
		cfg:      cfg,
		handlers: make(map[string]registration),
	}, nil
}

// Enabled reports whether a durable backend is configured.
func (q *Queue) Enabled() bool {
	return q.cfg.Backend != nil
}

// RegisterHandler binds an event name to its handler and default send
// options. Registration happens during service wiring, before workers start.
func (q *Queue) RegisterHandler(name string, handler Handler, defaults SendOptions) error {
	if name == "" {
		return trace.BadParameter("missing event name")
	}
	if handler == nil {
		return trace.BadParameter("missing handler for event %q", name)
	}
	if _, ok := q.handlers[name]; ok {
		return trace.AlreadyExists("handler for event %q already registered", name)
	}
	q.handlers[name] = registration{handler: handler, defaults: defaults}
	return nil
}

// Send schedules an event on the durable queue. With the queue disabled, the
// event runs inline when it allows sync and is dropped with a warning
// otherwise. An enqueue failure also falls back to inline execution so the
// work is at least attempted.
func (q *Queue) Send(ctx context.Context, event Event) error {
	if err := event.check(); err != nil {
		return trace.Wrap(err)
	}
	send, err := q.ShouldSend(ctx, event)
	if err != nil {
		return trace.Wrap(err)
	}
	if !send {
		q.cfg.Logger.DebugContext(ctx, "Event disabled for tenant, skipping.",
			"event", event.Name, "tenant_id", event.TenantID)
		return nil
	}

	if !q.Enabled() {
		if !event.AllowSync {
			q.cfg.Logger.WarnContext(ctx, "Queue disabled and event does not allow sync execution, dropping.",
				"event", event.Name, "tenant_id", event.TenantID)
			return nil
		}
		return trace.Wrap(q.Invoke(ctx, event))
	}

	job, err := q.toJob(event)
	if err != nil {
		return trace.Wrap(err)
	}

	start := q.cfg.Clock.Now()
	err = q.cfg.Backend.Send(ctx, job)
	observeSend(event.Name, q.cfg.Clock.Since(start), err)
	if err == nil {
		return nil
	}

	if !event.AllowSync {
		return trace.Wrap(err)
	}
	q.cfg.Logger.WarnContext(ctx, "Failed to enqueue event, executing inline.",
		"event", event.Name, "tenant_id", event.TenantID, "error", err)
	return trace.Wrap(q.Invoke(ctx, event))
}

// BatchSend schedules a batch of events in a single backend insert. Events
// disabled for their tenant are filtered out.
func (q *Queue) BatchSend(ctx context.Context, events []Event) error {
	if !q.Enabled() {
		return trace.BadParameter("queue is disabled")
	}

	jobs := make([]Job, 0, len(events))
	for _, event := range events {
		if err := event.check(); err != nil {
			return trace.Wrap(err)
		}
		send, err := q.ShouldSend(ctx, event)
		if err != nil {
			return trace.Wrap(err)
		}
		if !send {
			continue
		}
		job, err := q.toJob(event)
		if err != nil {
			return trace.Wrap(err)
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return nil
	}

	start := q.cfg.Clock.Now()
	err := q.cfg.Backend.Insert(ctx, jobs)
	for _, job := range jobs {
		observeSend(job.Queue, q.cfg.Clock.Since(start), err)
	}
	return trace.Wrap(err)
}

// Invoke executes the event's handler inline, bypassing the queue. Events
// that declare AllowSync=false cannot be invoked.
func (q *Queue) Invoke(ctx context.Context, event Event) error {
	if err := event.check(); err != nil {
		return trace.Wrap(err)
	}
	if !event.AllowSync {
		return trace.BadParameter("event %q does not allow sync execution", event.Name)
	}
	registered, ok := q.handlers[event.Name]
	if !ok {
		return trace.NotFound("no handler registered for event %q", event.Name)
	}
	return trace.Wrap(registered.handler(ctx, event))
}

// InvokeOrSend executes the handler inline and enqueues the event when the
// inline run fails.
func (q *Queue) InvokeOrSend(ctx context.Context, event Event) error {
	err := q.Invoke(ctx, event)
	if err == nil {
		return nil
	}
	if !q.Enabled() {
		return trace.Wrap(err)
	}
	q.cfg.Logger.WarnContext(ctx, "Inline execution failed, enqueueing event.",
		"event", event.Name, "tenant_id", event.TenantID, "error", err)

	job, jobErr := q.toJob(event)
	if jobErr != nil {
		return trace.NewAggregate(err, jobErr)
	}
	if sendErr := q.cfg.Backend.Send(ctx, job); sendErr != nil {
		return trace.NewAggregate(err, sendErr)
	}
	return nil
}

// ShouldSend reports whether the event is enabled for its tenant.
func (q *Queue) ShouldSend(ctx context.Context, event Event) (bool, error) {
	if q.cfg.Tenants == nil || event.TenantID == "" {
		return true, nil
	}
	config, err := q.cfg.Tenants.GetTenantConfig(ctx, event.TenantID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	for _, disabled := range config.DisabledEvents {
		if disabled == event.Name {
			return false, nil
		}
	}
	return true, nil
}

// Work runs the backend worker loops for every registered event until ctx is
// canceled.
func (q *Queue) Work(ctx context.Context) error {
	if !q.Enabled() {
		return trace.BadParameter("queue is disabled")
	}
	for name := range q.handlers {
		name := name
		go func() {
			err := q.cfg.Backend.Work(ctx, name, func(ctx context.Context, job Job) error {
				return trace.Wrap(q.dispatch(ctx, job))
			})
			if err != nil && ctx.Err() == nil {
				q.cfg.Logger.ErrorContext(ctx, "Queue worker stopped.",
					"event", name, "error", err)
			}
		}()
	}
	return nil
}

// dispatch rebuilds an event from a dequeued job and runs its handler.
func (q *Queue) dispatch(ctx context.Context, job Job) error {
	registered, ok := q.handlers[job.Queue]
	if !ok {
		return trace.NotFound("no handler registered for event %q", job.Queue)
	}

	event := Event{Name: job.Queue, AllowSync: true, Options: job.Options}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &event.Payload); err != nil {
			return trace.BadParameter("malformed payload for event %q: %v", job.Queue, err)
		}
	}
	if version, ok := event.Payload[versionClaim].(string); ok {
		event.Version = version
	}
	if tenantID, ok := event.Payload["tenantId"].(string); ok {
		event.TenantID = tenantID
	}
	return trace.Wrap(registered.handler(ctx, event))
}

func (q *Queue) toJob(event Event) (Job, error) {
	payload, err := json.Marshal(event.body())
	if err != nil {
		return Job{}, trace.Wrap(err)
	}
	options := q.handlers[event.Name].defaults
	if event.Options != (SendOptions{}) {
		options = event.Options
	}
	return Job{
		ID:      uuid.NewString(),
		Queue:   event.Name,
		Payload: payload,
		Options: options,
	}, nil
}
