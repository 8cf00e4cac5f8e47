package storage

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/rstash"
)

// memorySchemaVersion is reported by [MemoryStore.Version] to match [SQLiteStore].
const memorySchemaVersion = 1

// MemoryStore is an [rstash.Store] that keeps records in memory. Payloads are
// copied on write and read, so callers can't modify stored records.
type MemoryStore struct {
	lifecycle

	mu      sync.RWMutex
	records map[rstash.AssetID]rstash.Record
	order   []rstash.AssetID
}

var _ rstash.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Open(context.Context) error {
	return s.open(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.records == nil {
			s.records = make(map[rstash.AssetID]rstash.Record)
		}
		return nil
	})
}

func (s *MemoryStore) Version() int {
	return memorySchemaVersion
}

func (s *MemoryStore) Put(ctx context.Context, rec rstash.Record) (rstash.AssetID, error) {
	if rec.ID == "" {
		return "", errors.New("asset id is required")
	}
	if err := s.checkReady(); err != nil {
		return "", observe("put", err)
	}
	if err := ctx.Err(); err != nil {
		return "", observe("put", err)
	}

	rec.Payload = clonePayload(rec.Payload)

	s.mu.Lock()
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec
	s.mu.Unlock()

	metrics.StorePayloadSizes.Observe(float64(rec.Size))

	return rec.ID, observe("put", nil)
}

func (s *MemoryStore) Get(ctx context.Context, id rstash.AssetID) (rstash.Record, bool, error) {
	if err := s.checkReady(); err != nil {
		return rstash.Record{}, false, observe("get", err)
	}
	if err := ctx.Err(); err != nil {
		return rstash.Record{}, false, observe("get", err)
	}

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()

	if !ok {
		return rstash.Record{}, false, observe("get", nil)
	}

	rec.Payload = clonePayload(rec.Payload)
	return rec, true, observe("get", nil)
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]rstash.Record, error) {
	if err := s.checkReady(); err != nil {
		return nil, observe("get_all", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, observe("get_all", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]rstash.Record, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		rec.Payload = clonePayload(rec.Payload)
		res = append(res, rec)
	}
	return res, observe("get_all", nil)
}

func (s *MemoryStore) Delete(ctx context.Context, id rstash.AssetID) error {
	if err := s.checkReady(); err != nil {
		return observe("delete", err)
	}
	if err := ctx.Err(); err != nil {
		return observe("delete", err)
	}

	s.mu.Lock()
	if _, ok := s.records[id]; ok {
		delete(s.records, id)
		s.order = slices.DeleteFunc(s.order, func(v rstash.AssetID) bool { return v == id })
	}
	s.mu.Unlock()

	return observe("delete", nil)
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return observe("clear", err)
	}
	if err := ctx.Err(); err != nil {
		return observe("clear", err)
	}

	s.mu.Lock()
	clear(s.records)
	s.order = nil
	s.mu.Unlock()

	return observe("clear", nil)
}

// Close is a no-op: records are kept, so the store can be opened again.
func (s *MemoryStore) Close() error {
	return nil
}

func clonePayload(payload []byte) []byte {
	if payload == nil {
		return []byte{}
	}
	return slices.Clone(payload)
}
