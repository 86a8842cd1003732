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

// Package migrations applies ordered SQL migrations to tenant databases under
// a session advisory lock, with hash validation, retroactive backports, and
// three scheduling strategies.
package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/logutils"
)

var log = logutils.NewPackageLogger(storage.ComponentMigrations)

//go:embed sql/tenant/*.sql
var tenantFS embed.FS

// disableTransactionMarker, as the first line of a migration file, runs the
// statements outside a transaction (needed for CREATE INDEX CONCURRENTLY).
const disableTransactionMarker = "-- disable-transaction"

// Migration is one ordered schema change.
type Migration struct {
	// Index is the position in the intended sequence, contiguous from 0.
	Index int
	// Name is the stable migration name, unique within the set.
	Name string
	// SQL is the statement text.
	SQL string
	// Hash is the canonical content hash recorded alongside the applied row.
	Hash string
	// DisableTransaction runs the migration outside a transaction.
	DisableTransaction bool
}

// Record is one applied-migration row in a tenant database.
type Record struct {
	ID   int
	Name string
	Hash string
}

// Backport describes a migration inserted retroactively at Index: applied
// sets whose row at Index is still named From are shifted to make room for
// To.
type Backport struct {
	Index int
	From  string
	To    string
}

// TenantBackports is the fixed backport list for the tenant migration set.
var TenantBackports = []Backport{
	{Index: 2, From: "add-migrations-rls", To: "storage-schema"},
}

// HashMigration computes the canonical content hash of a migration body.
func HashMigration(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// LoadTenantMigrations reads the embedded tenant migration set, ordered by
// file index. File names follow NNNN-name.sql.
func LoadTenantMigrations() ([]Migration, error) {
	return loadMigrations(tenantFS, "sql/tenant")
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		base := strings.TrimSuffix(name, ".sql")
		index, migrationName, ok := strings.Cut(base, "-")
		if !ok {
			return nil, trace.BadParameter("malformed migration file name %q", name)
		}
		idx, err := strconv.Atoi(index)
		if err != nil {
			return nil, trace.BadParameter("malformed migration index in %q: %v", name, err)
		}
		raw, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		sql := string(raw)
		migration := Migration{
			Index: idx,
			Name:  migrationName,
			SQL:   sql,
			Hash:  HashMigration(sql),
		}
		if line, _, _ := strings.Cut(sql, "\n"); strings.TrimSpace(line) == disableTransactionMarker {
			migration.DisableTransaction = true
		}
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Index < migrations[j].Index })
	for i, migration := range migrations {
		if migration.Index != i {
			return nil, trace.BadParameter("migration indexes are not contiguous: %q has index %d, want %d",
				migration.Name, migration.Index, i)
		}
	}
	return migrations, nil
}

// MigrationNames returns the ordered name list, consumed by the capability
// derivation in the tenant catalog.
func MigrationNames(migrations []Migration) []string {
	names := make([]string, len(migrations))
	for i, migration := range migrations {
		names[i] = migration.Name
	}
	return names
}

// indexOf locates a migration by name in the intended set.
func indexOf(migrations []Migration, name string) (int, bool) {
	for _, migration := range migrations {
		if migration.Name == name {
			return migration.Index, true
		}
	}
	return 0, false
}

// Transformer rewrites a migration before execution.
type Transformer func(Migration) Migration

// OrioleDBTransformer adapts migrations for tenant databases whose default
// table access method is orioledb: concurrent index builds are rewritten to
// plain ones and the migration runs inside a transaction again.
func OrioleDBTransformer(migration Migration) Migration {
	migration.SQL = strings.ReplaceAll(migration.SQL, "CREATE INDEX CONCURRENTLY", "CREATE INDEX")
	migration.SQL = strings.ReplaceAll(migration.SQL, "CREATE UNIQUE INDEX CONCURRENTLY", "CREATE UNIQUE INDEX")
	if migration.DisableTransaction {
		migration.DisableTransaction = false
		migration.SQL = strings.TrimPrefix(migration.SQL, disableTransactionMarker+"\n")
	}
	return migration
}

// applyTransformers runs the chain in order.
func applyTransformers(migration Migration, transformers []Transformer) Migration {
	for _, transform := range transformers {
		migration = transform(migration)
	}
	return migration
}

// planBackports rewrites an applied-record set for every backport whose
// marker row matches, shifting subsequent rows and refreshing their hashes
// from the intended set. Returns the rewritten records and whether anything
// changed.
func planBackports(applied []Record, intended []Migration, backports []Backport) ([]Record, bool, error) {
	changed := false
	records := append([]Record(nil), applied...)

	for _, backport := range backports {
		if backport.Index >= len(records) || records[backport.Index].Name != backport.From {
			continue
		}
		if backport.Index >= len(intended) || intended[backport.Index].Name != backport.To {
			return nil, false, trace.BadParameter(
				"backport at index %d expects %q in the intended set, found %q",
				backport.Index, backport.To, intended[backport.Index].Name)
		}

		rewritten := make([]Record, 0, len(records)+1)
		rewritten = append(rewritten, records[:backport.Index]...)
		rewritten = append(rewritten, Record{
			ID:   backport.Index,
			Name: backport.To,
			Hash: intended[backport.Index].Hash,
		})
		for _, record := range records[backport.Index:] {
			shifted := Record{ID: record.ID + 1, Name: record.Name}
			if shifted.ID < len(intended) {
				shifted.Hash = intended[shifted.ID].Hash
			} else {
				shifted.Hash = record.Hash
			}
			rewritten = append(rewritten, shifted)
		}
		records = rewritten
		changed = true
	}
	return records, changed, nil
}

// validateHashes compares applied rows against the intended set. Returns the
// indexes whose hashes differ; a name mismatch is an error no refresh policy
// can repair.
func validateHashes(applied []Record, intended []Migration) ([]int, error) {
	if len(applied) > len(intended) {
		return nil, trace.BadParameter(
			"tenant has %d applied migrations but the intended set has only %d",
			len(applied), len(intended))
	}
	var mismatched []int
	for i, record := range applied {
		if record.Name != intended[i].Name {
			return nil, trace.BadParameter(
				"applied migration %d is %q, intended set has %q",
				i, record.Name, intended[i].Name)
		}
		if record.Hash != intended[i].Hash {
			mismatched = append(mismatched, i)
		}
	}
	return mismatched, nil
}

// pendingMigrations returns the intended migrations still to apply, bounded
// by an optional named stop point (inclusive).
func pendingMigrations(applied []Record, intended []Migration, upTo string) ([]Migration, error) {
	bound := len(intended)
	if upTo != "" {
		idx, ok := indexOf(intended, upTo)
		if !ok {
			return nil, trace.BadParameter("unknown migration %q", upTo)
		}
		bound = idx + 1
	}
	if len(applied) >= bound {
		return nil, nil
	}
	return intended[len(applied):bound], nil
}
