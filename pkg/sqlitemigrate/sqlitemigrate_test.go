package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func getUserVersion(t *testing.T, db *sql.DB) (version int) {
	t.Helper()

	err := db.QueryRow("PRAGMA user_version").Scan(&version)
	require.NoError(t, err)
	return version
}

func TestApply(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()
	db := openTestDB(t)

	migrations := fstest.MapFS{
		"migrations/002_index.sql": {Data: []byte(`
-- +migrate Up
CREATE INDEX items_name ON items (name);
-- +migrate Down
DROP INDEX items_name;
`)},
		"migrations/001_items.sql": {Data: []byte(`
-- +migrate Up
CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT NOT NULL);
`)},
		"migrations/README.md": {Data: []byte("not a migration")},
	}

	version, err := Apply(ctx, db, migrations, "migrations")
	r.NoError(err)
	r.Equal(2, version)
	r.Equal(2, getUserVersion(t, db))

	_, err = db.Exec("INSERT INTO items (id, name) VALUES ('1', 'a')")
	r.NoError(err)

	// Second run must be a no-op.
	version, err = Apply(ctx, db, migrations, "migrations")
	r.NoError(err)
	r.Equal(2, version)

	// New migrations are applied on top of the existing ones.
	migrations["migrations/003_size.sql"] = &fstest.MapFile{Data: []byte(`
ALTER TABLE items ADD COLUMN size INTEGER NOT NULL DEFAULT 0;
`)}
	version, err = Apply(ctx, db, migrations, "migrations")
	r.NoError(err)
	r.Equal(3, version)
	r.Equal(3, getUserVersion(t, db))

	var size int
	r.NoError(db.QueryRow("SELECT size FROM items WHERE id = '1'").Scan(&size))
	r.Zero(size)
}

func TestApply_InvalidMigration(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	db := openTestDB(t)

	migrations := fstest.MapFS{
		"001_broken.sql": {Data: []byte("CREATE TABLE (")},
	}

	_, err := Apply(context.Background(), db, migrations, "")
	r.Error(err)
	r.Contains(err.Error(), "exec migration 001_broken.sql")

	applied, err := isApplied(context.Background(), db, "001_broken.sql")
	r.NoError(err)
	r.False(applied)
}

func TestApply_NilDB(t *testing.T) {
	_, err := Apply(context.Background(), nil, fstest.MapFS{}, "")
	require.EqualError(t, err, "sql db is required")
}

func TestExtractUpMigration(t *testing.T) {
	r := require.New(t)

	r.Equal("\nCREATE TABLE a;\n", ExtractUpMigration("-- +migrate Up\nCREATE TABLE a;\n-- +migrate Down\nDROP TABLE a;"))
	r.Equal("\nCREATE TABLE a;", ExtractUpMigration("-- +migrate Up\nCREATE TABLE a;"))
	r.Equal("CREATE TABLE a;", ExtractUpMigration("CREATE TABLE a;"))
}

func TestIsAlreadyExistsError(t *testing.T) {
	r := require.New(t)

	r.True(IsAlreadyExistsError(errors.New("table items already exists")))
	r.True(IsAlreadyExistsError(errors.New("duplicate column name: size")))
	r.False(IsAlreadyExistsError(errors.New("syntax error")))
}
