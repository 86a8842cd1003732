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
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002/lib/defaults"
	"github.com/supabase/storage-sub002/lib/pgcommon"
)

// PGBackendConfig configures the Postgres-backed queue store.
type PGBackendConfig struct {
	// Pool is the queue database pool.
	Pool *pgxpool.Pool
	// PollInterval spaces out fetch attempts when the queue is empty.
	PollInterval time.Duration
	// VisibilityTimeout is how long a fetched job stays invisible before it
	// is redelivered.
	VisibilityTimeout time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger is the backend logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *PGBackendConfig) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing parameter Pool")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.QueuePollInterval
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaults.QueueVisibilityTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// PGBackend stores jobs in the queue_jobs table. Delivery is at-least-once
// with a visibility timeout; singleton keys are enforced by a partial unique
// index, so a second insert for a live key is a no-op.
type PGBackend struct {
	cfg PGBackendConfig
}

// NewPGBackend creates a Postgres-backed queue store.
func NewPGBackend(cfg PGBackendConfig) (*PGBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &PGBackend{cfg: cfg}, nil
}

const insertJobSQL = `
	INSERT INTO queue_jobs (
		id, queue, singleton_key, payload, priority,
		retry_limit, retry_delay_seconds, start_after, expires_at, visible_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $8)
	ON CONFLICT DO NOTHING`

func (b *PGBackend) insertArgs(job Job) []any {
	now := b.cfg.Clock.Now()
	startAfter := job.Options.StartAfter
	if startAfter.IsZero() {
		startAfter = now
	}
	expireIn := time.Duration(job.Options.ExpireInHours) * time.Hour
	if expireIn <= 0 {
		expireIn = 24 * time.Hour
	}
	var singletonKey *string
	if job.Options.SingletonKey != "" {
		singletonKey = &job.Options.SingletonKey
	}
	return []any{
		job.ID, job.Queue, singletonKey, job.Payload, job.Options.Priority,
		job.Options.RetryLimit, int(job.Options.RetryDelay / time.Second),
		startAfter, now.Add(expireIn),
	}
}

// Send enqueues one job.
func (b *PGBackend) Send(ctx context.Context, job Job) error {
	_, err := b.cfg.Pool.Exec(ctx, insertJobSQL, b.insertArgs(job)...)
	return pgcommon.NormalizeError(ctx, err)
}

// Insert enqueues a batch in a single transaction.
func (b *PGBackend) Insert(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, job := range jobs {
		batch.Queue(insertJobSQL, b.insertArgs(job)...)
	}
	err := b.cfg.Pool.SendBatch(ctx, batch).Close()
	return pgcommon.NormalizeError(ctx, err)
}

// Work polls the queue and invokes handler per fetched job until ctx is
// canceled. Failed jobs are retried with their configured delay; exhausted
// jobs move to the dead-letter table.
func (b *PGBackend) Work(ctx context.Context, queue string, handler func(ctx context.Context, job Job) error) error {
	for {
		job, ok, err := b.fetch(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.cfg.Logger.WarnContext(ctx, "Failed to fetch queue job.",
				"queue", queue, "error", err)
		}
		if !ok || err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-b.cfg.Clock.After(b.cfg.PollInterval):
			}
			continue
		}

		if err := handler(ctx, job); err != nil {
			b.cfg.Logger.WarnContext(ctx, "Queue job failed.",
				"queue", queue, "job_id", job.ID, "error", err)
			if failErr := b.fail(ctx, job, err); failErr != nil {
				b.cfg.Logger.ErrorContext(ctx, "Failed to record queue job failure.",
					"queue", queue, "job_id", job.ID, "error", failErr)
			}
			continue
		}
		if err := b.complete(ctx, job.ID); err != nil {
			b.cfg.Logger.ErrorContext(ctx, "Failed to complete queue job.",
				"queue", queue, "job_id", job.ID, "error", err)
		}
	}
}

// fetch claims the next visible job for the queue, extending its visibility
// window so other workers skip it.
func (b *PGBackend) fetch(ctx context.Context, queue string) (Job, bool, error) {
	now := b.cfg.Clock.Now()
	row := b.cfg.Pool.QueryRow(ctx, `
		UPDATE queue_jobs SET
			state = 'active',
			visible_at = $3
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = $1
			  AND state IN ('created', 'active')
			  AND visible_at <= $2
			  AND start_after <= $2
			  AND expires_at > $2
			ORDER BY priority DESC, start_after ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, payload, retry_count, retry_limit, retry_delay_seconds, singleton_key`,
		queue, now, now.Add(b.cfg.VisibilityTimeout))

	var (
		job           Job
		retryCount    int
		retryDelaySec int
		singletonKey  *string
	)
	err := row.Scan(&job.ID, &job.Queue, &job.Payload, &retryCount, &job.Options.RetryLimit, &retryDelaySec, &singletonKey)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, pgcommon.NormalizeError(ctx, err)
	}
	job.Options.RetryDelay = time.Duration(retryDelaySec) * time.Second
	if singletonKey != nil {
		job.Options.SingletonKey = *singletonKey
	}
	return job, true, nil
}

func (b *PGBackend) complete(ctx context.Context, jobID string) error {
	_, err := b.cfg.Pool.Exec(ctx, `DELETE FROM queue_jobs WHERE id = $1`, jobID)
	return pgcommon.NormalizeError(ctx, err)
}

// fail reschedules a failed job or, once its retries are exhausted, moves it
// to the dead-letter table.
func (b *PGBackend) fail(ctx context.Context, job Job, cause error) error {
	now := b.cfg.Clock.Now()
	tag, err := b.cfg.Pool.Exec(ctx, `
		UPDATE queue_jobs SET
			retry_count = retry_count + 1,
			state = 'created',
			visible_at = $2
		WHERE id = $1 AND retry_count < retry_limit`,
		job.ID, now.Add(job.Options.RetryDelay))
	if err != nil {
		return pgcommon.NormalizeError(ctx, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = b.cfg.Pool.Exec(ctx, `
		WITH dead AS (
			DELETE FROM queue_jobs WHERE id = $1
			RETURNING id, queue, payload
		)
		INSERT INTO queue_jobs_dead_letter (id, queue, payload, last_error)
		SELECT id, queue, payload, $2 FROM dead`,
		job.ID, cause.Error())
	return pgcommon.NormalizeError(ctx, err)
}
