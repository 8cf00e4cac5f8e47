// Package sqlitemigrate applies embedded SQL migrations to a SQLite database.
//
// Every migration file is applied at most once and recorded in the "schema_migrations"
// table. The number of applied migrations is mirrored to "PRAGMA user_version", so
// the schema version can be inspected with any SQLite tool.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// Apply executes migrations from root in filename order and returns the schema version.
func Apply(ctx context.Context, db *sql.DB, migrationFS fs.FS, root string) (version int, err error) {
	if db == nil {
		return 0, errors.New("sql db is required")
	}

	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return 0, fmt.Errorf("read migrations dir: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	slices.Sort(sqlFiles)

	createSQL := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range sqlFiles {
		content, err := fs.ReadFile(migrationFS, path.Join(root, file))
		if err != nil {
			return 0, fmt.Errorf("read migration %s: %w", file, err)
		}

		applied, err := isApplied(ctx, db, file)
		if err != nil {
			return 0, fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}

		if err := applyMigration(ctx, db, file, ExtractUpMigration(string(content))); err != nil {
			return 0, err
		}
	}

	version, err = countApplied(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("count applied migrations: %w", err)
	}
	// PRAGMA doesn't support placeholders.
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return 0, fmt.Errorf("set user version: %w", err)
	}
	return version, nil
}

func applyMigration(ctx context.Context, db *sql.DB, name, upSQL string) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction %s: %w", name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if strings.TrimSpace(upSQL) != "" {
		if _, err := tx.ExecContext(ctx, upSQL); err != nil && !IsAlreadyExistsError(err) {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

// ExtractUpMigration returns the SQL in the "-- +migrate Up" section.
func ExtractUpMigration(content string) string {
	const (
		upMarker   = "-- +migrate Up"
		downMarker = "-- +migrate Down"
	)

	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}
	content = content[upIdx+len(upMarker):]

	if downIdx := strings.Index(content, downMarker); downIdx != -1 {
		content = content[:downIdx]
	}
	return content
}

// IsAlreadyExistsError reports whether this error indicates idempotent DDL success.
func IsAlreadyExistsError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

func isApplied(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var found int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM "+migrationTable+" WHERE name = ?", name).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func countApplied(ctx context.Context, db *sql.DB) (n int, err error) {
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+migrationTable).Scan(&n)
	return n, err
}
