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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/supabase/storage-sub002/lib/pgcommon"
)

// EventLogRow is one transactional outbox row: an event recorded inside a
// business transaction, signed so the dispatcher can detect tampering before
// it reaches the durable queue.
type EventLogRow struct {
	ID          int64
	EventName   string
	Payload     []byte
	SendOptions []byte
	Signature   string
}

// ComputeEventLogSignature signs the canonical form
// eventName "." payload "." sendOptions (empty when options are absent)
// with HMAC-SHA256 under the deployment key.
func ComputeEventLogSignature(key []byte, eventName string, payload, sendOptions []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(eventName))
	mac.Write([]byte("."))
	mac.Write(payload)
	mac.Write([]byte("."))
	mac.Write(sendOptions)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyEventLogSignature recomputes the row's signature and compares in
// constant time.
func VerifyEventLogSignature(key []byte, row EventLogRow) bool {
	expected := ComputeEventLogSignature(key, row.EventName, row.Payload, row.SendOptions)
	return hmac.Equal([]byte(expected), []byte(row.Signature))
}

// OutboxConfig configures the event-log outbox dispatcher.
type OutboxConfig struct {
	// Pool is the database holding the event_log table.
	Pool *pgxpool.Pool
	// Backend receives verified rows.
	Backend Backend
	// SigningKey signs and verifies rows.
	SigningKey []byte
	// BatchSize bounds one dispatch sweep.
	BatchSize int
	// Interval spaces out sweeps.
	Interval time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger is the dispatcher logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *OutboxConfig) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing parameter Pool")
	}
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if len(c.SigningKey) == 0 {
		return trace.BadParameter("missing parameter SigningKey")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log
	}
	return nil
}

// Outbox moves signed event rows from the event_log table to the durable
// queue. Rows whose signature fails verification are parked rather than
// dispatched.
type Outbox struct {
	cfg OutboxConfig
}

// NewOutbox creates an outbox dispatcher.
func NewOutbox(cfg OutboxConfig) (*Outbox, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Outbox{cfg: cfg}, nil
}

// Execer is the slice of a connection Record needs; satisfied by pgx.Tx and
// *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Record writes a signed event row within the caller's transaction so the
// event commits or rolls back with the business change.
func (o *Outbox) Record(ctx context.Context, tx Execer, eventName string, payload, sendOptions []byte) error {
	signature := ComputeEventLogSignature(o.cfg.SigningKey, eventName, payload, sendOptions)
	_, err := tx.Exec(ctx, `
		INSERT INTO event_log (event_name, payload, send_options, signature)
		VALUES ($1, $2, $3, $4)`,
		eventName, payload, sendOptions, signature)
	return pgcommon.NormalizeError(ctx, err)
}

// Run sweeps the outbox on an interval until ctx is canceled.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		moved, err := o.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			o.cfg.Logger.WarnContext(ctx, "Outbox sweep failed.", "error", err)
		}
		// drain continuously while there is a backlog
		if moved == o.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-o.cfg.Clock.After(o.cfg.Interval):
		}
	}
}

// DispatchOnce moves up to BatchSize verified rows to the queue and parks
// rows with bad signatures, all within one transaction so the sweep locks
// hold for its duration. Returns how many rows were dispatched.
func (o *Outbox) DispatchOnce(ctx context.Context) (int, error) {
	tx, err := o.cfg.Pool.Begin(ctx)
	if err != nil {
		return 0, pgcommon.NormalizeError(ctx, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_name, payload, send_options, signature
		FROM event_log
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, o.cfg.BatchSize)
	if err != nil {
		return 0, pgcommon.NormalizeError(ctx, err)
	}

	var pending []EventLogRow
	for rows.Next() {
		var row EventLogRow
		if err := rows.Scan(&row.ID, &row.EventName, &row.Payload, &row.SendOptions, &row.Signature); err != nil {
			rows.Close()
			return 0, trace.Wrap(err)
		}
		pending = append(pending, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, trace.Wrap(err)
	}

	var dispatched int
	for _, row := range pending {
		if !VerifyEventLogSignature(o.cfg.SigningKey, row) {
			o.cfg.Logger.ErrorContext(ctx, "Event log row failed signature verification, parking.",
				"event", row.EventName, "row_id", row.ID)
			if err := o.park(ctx, tx, row, "signature verification failed"); err != nil {
				return 0, trace.Wrap(err)
			}
			continue
		}

		job := Job{
			ID:      uuid.NewString(),
			Queue:   row.EventName,
			Payload: row.Payload,
		}
		if len(row.SendOptions) > 0 {
			if err := json.Unmarshal(row.SendOptions, &job.Options); err != nil {
				o.cfg.Logger.ErrorContext(ctx, "Event log row carries malformed send options, parking.",
					"event", row.EventName, "row_id", row.ID, "error", err)
				if err := o.park(ctx, tx, row, "malformed send options"); err != nil {
					return 0, trace.Wrap(err)
				}
				continue
			}
		}
		if err := o.cfg.Backend.Send(ctx, job); err != nil {
			// roll back the sweep, a later one retries from this row
			return 0, trace.Wrap(err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM event_log WHERE id = $1`, row.ID); err != nil {
			return 0, pgcommon.NormalizeError(ctx, err)
		}
		dispatched++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, pgcommon.NormalizeError(ctx, err)
	}
	return dispatched, nil
}

// park moves an undeliverable row aside so the sweep does not wedge on it.
func (o *Outbox) park(ctx context.Context, tx pgx.Tx, row EventLogRow, reason string) error {
	_, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM event_log WHERE id = $1
			RETURNING id, event_name, payload, send_options, signature
		)
		INSERT INTO event_log_parking (id, event_name, payload, send_options, signature, reason)
		SELECT id, event_name, payload, send_options, signature, $2 FROM moved`,
		row.ID, reason)
	return pgcommon.NormalizeError(ctx, err)
}
