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
	"errors"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// databaseTimeoutMessage tags normalized timeout errors so callers can
	// distinguish them from other connection problems.
	databaseTimeoutMessage = "database timeout"
	// lockTimeoutMessage tags advisory lock acquisition failures.
	lockTimeoutMessage = "advisory lock timeout"
)

// IsPoolSaturated reports whether the error indicates that the server or an
// external pooler refused the connection because all slots are taken. Raw
// client messages vary between Postgres, pgbouncer, and supavisor, so both
// SQLSTATEs and well-known message fragments are checked.
func IsPoolSaturated(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.TooManyConnections, pgerrcode.ConfigurationLimitExceeded, pgerrcode.ProtocolViolation:
			return true
		}
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no more connections allowed") ||
		strings.Contains(msg, "max clients reached") ||
		strings.Contains(msg, "sorry, too many clients")
}

// IsUniqueViolation reports whether the error is a unique constraint
// violation, optionally on a specific constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// DatabaseTimeout wraps err as a normalized database timeout.
func DatabaseTimeout(err error) error {
	return trace.ConnectionProblem(err, "%s", databaseTimeoutMessage)
}

// IsDatabaseTimeout reports whether err is a normalized database timeout.
func IsDatabaseTimeout(err error) bool {
	return trace.IsConnectionProblem(err) && strings.Contains(err.Error(), databaseTimeoutMessage)
}

// LockTimeout wraps err as an advisory lock acquisition timeout.
func LockTimeout(err error) error {
	return trace.ConnectionProblem(err, "%s", lockTimeoutMessage)
}

// IsLockTimeout reports whether err is an advisory lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return trace.IsConnectionProblem(err) && strings.Contains(err.Error(), lockTimeoutMessage)
}

// NormalizeError folds the various ways a query can fail on time into two
// kinds: timeouts (statement timeout, canceled-on-deadline, acquire deadline)
// become database timeouts; caller-driven cancellation stays a distinct
// aborted kind so handlers can tell a disconnecting client from a slow
// database. Everything else passes through wrapped.
func NormalizeError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.QueryCanceled:
			// statement_timeout and pool-level cancellation both surface as
			// 57014; treat caller cancellation separately below
			if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return DatabaseTimeout(err)
			}
		case pgerrcode.LockNotAvailable:
			return LockTimeout(err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return DatabaseTimeout(err)
	}
	if errors.Is(err, context.Canceled) {
		return trace.Wrap(err, "operation aborted")
	}
	return trace.Wrap(err)
}

// IsAborted reports whether err stems from caller-driven cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, context.Canceled)
}
