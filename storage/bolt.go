package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/pkg/rlog"
	"github.com/ShoshinNikita/rstash/rstash"
	"go.etcd.io/bbolt"
)

const boltSchemaVersion = 1

var (
	boltMetaBucket     = []byte("meta")
	boltRecordsBucket  = []byte("records")
	boltPayloadsBucket = []byte("payloads")
	// boltOrderBucket maps big-endian sequence numbers to ids. Bolt keeps keys
	// sorted, so iteration over this bucket follows insertion order.
	boltOrderBucket = []byte("order")

	boltVersionKey = []byte("schema_version")
)

// BoltStore is a durable [rstash.Store] backed by a bbolt database file. Record
// metadata and payloads are kept in separate buckets.
type BoltStore struct {
	lifecycle

	path    string
	db      *bbolt.DB
	version int
}

var _ rstash.Store = (*BoltStore)(nil)

// boltRecord is the JSON-encoded value of the records bucket.
type boltRecord struct {
	Seq          uint64 `json:"seq"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	IntegrityTag string `json:"integrity_tag"`
}

func NewBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	return &BoltStore{
		path: filepath.Clean(path),
	}, nil
}

// Open creates the database and its buckets on first use. A database with an unknown
// schema version is rejected.
func (s *BoltStore) Open(ctx context.Context) error {
	return s.open(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return fmt.Errorf("couldn't create dir for database: %w", err)
		}

		db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return fmt.Errorf("open bolt db: %w", err)
		}

		var version int
		err = db.Update(func(tx *bbolt.Tx) error {
			for _, name := range [][]byte{boltMetaBucket, boltRecordsBucket, boltPayloadsBucket, boltOrderBucket} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %q: %w", name, err)
				}
			}

			meta := tx.Bucket(boltMetaBucket)
			raw := meta.Get(boltVersionKey)
			if raw == nil {
				version = boltSchemaVersion
				return meta.Put(boltVersionKey, encodeUint64(boltSchemaVersion))
			}
			if len(raw) != 8 {
				return fmt.Errorf("invalid schema version marker: %x", raw)
			}
			version = int(binary.BigEndian.Uint64(raw))
			if version > boltSchemaVersion {
				return fmt.Errorf("unsupported schema version %d", version)
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("prepare bolt db: %w", err)
		}

		s.db = db
		s.version = version

		rlog.Debugf("bolt store %q is ready, schema version: %d", s.path, version)

		return nil
	})
}

// Version returns the schema version of the opened database.
func (s *BoltStore) Version() int {
	return s.version
}

func (s *BoltStore) Put(ctx context.Context, rec rstash.Record) (rstash.AssetID, error) {
	if rec.ID == "" {
		return "", errors.New("asset id is required")
	}
	if err := s.checkReady(); err != nil {
		return "", observe("put", err)
	}
	if err := ctx.Err(); err != nil {
		return "", observe("put", err)
	}

	key := []byte(rec.ID)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(boltRecordsBucket)

		var seq uint64
		if raw := records.Get(key); raw != nil {
			var existing boltRecord
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			seq = existing.Seq
		} else {
			order := tx.Bucket(boltOrderBucket)

			var err error
			seq, err = order.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			if err := order.Put(encodeUint64(seq), key); err != nil {
				return err
			}
		}

		value, err := json.Marshal(boltRecord{
			Seq:          seq,
			Name:         rec.Name,
			Size:         rec.Size,
			IntegrityTag: rec.IntegrityTag,
		})
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := records.Put(key, value); err != nil {
			return err
		}

		payload := rec.Payload
		if payload == nil {
			payload = []byte{}
		}
		return tx.Bucket(boltPayloadsBucket).Put(key, payload)
	})
	if err != nil {
		return "", observe("put", err)
	}

	metrics.StorePayloadSizes.Observe(float64(rec.Size))

	return rec.ID, observe("put", nil)
}

func (s *BoltStore) Get(ctx context.Context, id rstash.AssetID) (rec rstash.Record, found bool, err error) {
	if err := s.checkReady(); err != nil {
		return rstash.Record{}, false, observe("get", err)
	}
	if err := ctx.Err(); err != nil {
		return rstash.Record{}, false, observe("get", err)
	}

	err = s.db.View(func(tx *bbolt.Tx) error {
		rec, found, err = getBoltRecord(tx, []byte(id))
		return err
	})
	if err != nil {
		return rstash.Record{}, false, observe("get", err)
	}
	return rec, found, observe("get", nil)
}

func (s *BoltStore) GetAll(ctx context.Context) ([]rstash.Record, error) {
	if err := s.checkReady(); err != nil {
		return nil, observe("get_all", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, observe("get_all", err)
	}

	var res []rstash.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltOrderBucket).ForEach(func(_, id []byte) error {
			rec, found, err := getBoltRecord(tx, id)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("record %q is missing", id)
			}
			res = append(res, rec)
			return nil
		})
	})
	if err != nil {
		return nil, observe("get_all", err)
	}
	return res, observe("get_all", nil)
}

func (s *BoltStore) Delete(ctx context.Context, id rstash.AssetID) error {
	if err := s.checkReady(); err != nil {
		return observe("delete", err)
	}
	if err := ctx.Err(); err != nil {
		return observe("delete", err)
	}

	key := []byte(id)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(boltRecordsBucket)

		raw := records.Get(key)
		if raw == nil {
			return nil
		}
		var existing boltRecord
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}

		if err := tx.Bucket(boltOrderBucket).Delete(encodeUint64(existing.Seq)); err != nil {
			return err
		}
		if err := tx.Bucket(boltPayloadsBucket).Delete(key); err != nil {
			return err
		}
		return records.Delete(key)
	})
	return observe("delete", err)
}

func (s *BoltStore) Clear(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return observe("clear", err)
	}
	if err := ctx.Err(); err != nil {
		return observe("clear", err)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{boltRecordsBucket, boltPayloadsBucket, boltOrderBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("delete bucket %q: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	return observe("clear", err)
}

// Close closes the database. The store can be opened again.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	s.reset()

	err := s.db.Close()
	s.db = nil
	return err
}

// getBoltRecord copies the record out of the transaction: bolt values are valid only
// while the transaction is open.
func getBoltRecord(tx *bbolt.Tx, key []byte) (rstash.Record, bool, error) {
	raw := tx.Bucket(boltRecordsBucket).Get(key)
	if raw == nil {
		return rstash.Record{}, false, nil
	}

	var meta boltRecord
	if err := json.Unmarshal(raw, &meta); err != nil {
		return rstash.Record{}, false, fmt.Errorf("decode record: %w", err)
	}

	payload := bytes.Clone(tx.Bucket(boltPayloadsBucket).Get(key))
	if payload == nil {
		payload = []byte{}
	}

	return rstash.Record{
		ID:           rstash.AssetID(key),
		Name:         meta.Name,
		Payload:      payload,
		Size:         meta.Size,
		IntegrityTag: meta.IntegrityTag,
	}, true, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
