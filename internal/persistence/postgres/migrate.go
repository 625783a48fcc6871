// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/browsertest-runner/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x4254525f4d494752 // "BTR_MIGR"

// requiredSchema lists the columns the repositories depend on, per table.
var requiredSchema = map[string][]string{
	"test_cases":    {"id", "template_steps", "steps", "status", "last_run", "schedule"},
	"notifications": {"id", "test_id", "read_by"},
}

// SchemaHealthChecker backs the readiness probe.
type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

// EnsureSchema applies the embedded migrations that have not run yet, all in
// one transaction. Concurrent callers wait on a transaction-scoped advisory
// lock, so the second one finds nothing left to apply.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	migrations, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(migrations) == 0 {
		return errors.New("no embedded migrations found")
	}

	started := time.Now()
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema bootstrap: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire schema bootstrap lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, tx)
	if err != nil {
		return err
	}

	var newlyApplied []string
	for _, m := range migrations {
		if checksum, ok := applied[m.Name]; ok {
			if checksum != "" && checksum != m.Checksum {
				logger.Warn("applied migration differs from embedded copy", "file", m.Name)
			}
			continue
		}

		if _, err := tx.Exec(ctx, m.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)`,
			m.Name, m.Checksum,
		); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		logger.Info("migration applied", "file", m.Name)
		newlyApplied = append(newlyApplied, m.Name)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema bootstrap: %w", err)
	}

	logger.Info("schema bootstrap complete",
		"applied", len(newlyApplied),
		"known", len(migrations),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return SchemaReady(ctx, pool)
}

func appliedMigrations(ctx context.Context, tx pgx.Tx) (map[string]string, error) {
	rows, err := tx.Query(ctx, `SELECT filename, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[name] = checksum
	}
	return applied, rows.Err()
}

// SchemaReady reports every required table or column that is missing.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	tables := make([]string, 0, len(requiredSchema))
	for table := range requiredSchema {
		tables = append(tables, table)
	}
	slices.Sort(tables)

	rows, err := pool.Query(ctx, `
		SELECT table_name::text, column_name::text
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		  AND table_name::text = ANY($1::text[])
	`, tables)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	defer rows.Close()

	present := make(map[string]map[string]bool, len(tables))
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("scan schema column: %w", err)
		}
		if present[table] == nil {
			present[table] = make(map[string]bool)
		}
		present[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}

	return missingSchema(tables, present)
}

func missingSchema(tables []string, present map[string]map[string]bool) error {
	var missingTables, missingColumns []string
	for _, table := range tables {
		columns, ok := present[table]
		if !ok {
			missingTables = append(missingTables, table)
			continue
		}
		for _, column := range requiredSchema[table] {
			if !columns[column] {
				missingColumns = append(missingColumns, table+"."+column)
			}
		}
	}

	var errs []error
	if len(missingTables) > 0 {
		errs = append(errs, fmt.Errorf("required tables missing: %s", strings.Join(missingTables, ", ")))
	}
	if len(missingColumns) > 0 {
		errs = append(errs, fmt.Errorf("required columns missing: %s", strings.Join(missingColumns, ", ")))
	}
	return errors.Join(errs...)
}
