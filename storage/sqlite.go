package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/pkg/rlog"
	"github.com/ShoshinNikita/rstash/pkg/sqlitemigrate"
	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/ShoshinNikita/rstash/storage/migrations"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable [rstash.Store] backed by a SQLite database file.
type SQLiteStore struct {
	lifecycle

	path    string
	db      *sql.DB
	version int
}

var _ rstash.Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a new store for the database at the passed path. The database
// is created and migrated by [SQLiteStore.Open].
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	return &SQLiteStore{
		path: filepath.Clean(path),
	}, nil
}

// Open creates the database on first use and applies all pending migrations.
func (s *SQLiteStore) Open(ctx context.Context) error {
	return s.open(func() error {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return fmt.Errorf("couldn't create dir for database: %w", err)
		}

		dsn := s.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return fmt.Errorf("open sqlite db: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("ping sqlite db: %w", err)
		}

		version, err := sqlitemigrate.Apply(ctx, db, migrations.FS, ".")
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("run migrations: %w", err)
		}

		s.db = db
		s.version = version

		rlog.Debugf("sqlite store %q is ready, schema version: %d", s.path, version)

		return nil
	})
}

// Version returns the schema version of the opened database.
func (s *SQLiteStore) Version() int {
	return s.version
}

func (s *SQLiteStore) Put(ctx context.Context, rec rstash.Record) (rstash.AssetID, error) {
	if rec.ID == "" {
		return "", errors.New("asset id is required")
	}
	if err := s.checkReady(); err != nil {
		return "", observe("put", err)
	}

	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (id, name, payload, size, integrity_tag)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		    name = excluded.name,
		    payload = excluded.payload,
		    size = excluded.size,
		    integrity_tag = excluded.integrity_tag`,
		string(rec.ID), rec.Name, payload, rec.Size, rec.IntegrityTag,
	)
	if err != nil {
		return "", observe("put", err)
	}

	metrics.StorePayloadSizes.Observe(float64(rec.Size))

	return rec.ID, observe("put", nil)
}

func (s *SQLiteStore) Get(ctx context.Context, id rstash.AssetID) (rec rstash.Record, found bool, err error) {
	if err := s.checkReady(); err != nil {
		return rstash.Record{}, false, observe("get", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, payload, size, integrity_tag FROM assets WHERE id = ?`,
		string(id),
	)
	rec, err = scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rstash.Record{}, false, observe("get", nil)
		}
		return rstash.Record{}, false, observe("get", err)
	}
	return rec, true, observe("get", nil)
}

func (s *SQLiteStore) GetAll(ctx context.Context) (_ []rstash.Record, err error) {
	if err := s.checkReady(); err != nil {
		return nil, observe("get_all", err)
	}
	defer func() {
		err = observe("get_all", err)
	}()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, payload, size, integrity_tag FROM assets ORDER BY seq`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []rstash.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return res, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id rstash.AssetID) error {
	if err := s.checkReady(); err != nil {
		return observe("delete", err)
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, string(id))
	return observe("delete", err)
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return observe("clear", err)
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM assets`)
	return observe("clear", err)
}

// Close closes the database. The store can be opened again.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	s.reset()

	err := s.db.Close()
	s.db = nil
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (rstash.Record, error) {
	var (
		rec rstash.Record
		id  string
	)
	err := row.Scan(&id, &rec.Name, &rec.Payload, &rec.Size, &rec.IntegrityTag)
	if err != nil {
		return rstash.Record{}, err
	}

	rec.ID = rstash.AssetID(id)
	if rec.Payload == nil {
		rec.Payload = []byte{}
	}
	return rec, nil
}
