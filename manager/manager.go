// Package manager composes the asset store, the URL cache and the zip archive engine
// into a single facade.
package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/pkg/misc"
	"github.com/ShoshinNikita/rstash/pkg/rlog"
	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/ShoshinNikita/rstash/urlcache"
	"github.com/ShoshinNikita/rstash/ziparchive"
)

// Manager owns one store and one URL cache. Managers don't share any state, so
// multiple instances are independent.
type Manager struct {
	store     rstash.Store
	urls      *urlcache.Cache
	archiver  *ziparchive.Archiver
	extractor *ziparchive.Extractor

	newID func() rstash.AssetID
}

var _ ziparchive.Adder = (*Manager)(nil)

// New returns a new Manager. maxEntrySize limits the size of a single imported
// archive entry, 0 means no limit.
func New(store rstash.Store, minter rstash.ReferenceMinter, compression rstash.ZipCompression, maxEntrySize int64) *Manager {
	m := &Manager{
		store:    store,
		urls:     urlcache.New(store, minter),
		archiver: ziparchive.NewArchiver(compression),
		newID:    rstash.NewAssetID,
	}
	m.extractor = ziparchive.NewExtractor(m, maxEntrySize)

	return m
}

// Initialize opens the store. It is safe to call it multiple times.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.store.Open(ctx); err != nil {
		return fmt.Errorf("couldn't open store: %w", err)
	}
	return nil
}

// AddFile stores the payload as a new asset. If name is empty, the asset is named after its id.
func (m *Manager) AddFile(ctx context.Context, payload []byte, name string) (rstash.AssetID, error) {
	id := m.newID()
	if name == "" {
		name = id.String()
	}

	id, err := m.store.Put(ctx, rstash.NewRecord(id, name, payload))
	if err != nil {
		return "", fmt.Errorf("couldn't add file: %w", err)
	}

	rlog.Debugf("added asset %q (%s), size: %s", name, id, misc.FormatFileSize(int64(len(payload))))

	return id, nil
}

// AddAssetEntry stores a caller-built record as is. A missing id is generated. Size and
// IntegrityTag are always derived from the payload.
func (m *Manager) AddAssetEntry(ctx context.Context, rec rstash.Record) (rstash.AssetID, error) {
	if rec.ID == "" {
		rec.ID = m.newID()
	}
	if rec.Name == "" {
		rec.Name = rec.ID.String()
	}
	rec = rstash.NewRecord(rec.ID, rec.Name, rec.Payload)

	id, err := m.store.Put(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("couldn't add asset entry: %w", err)
	}

	// The record could have replaced an existing one.
	m.urls.Invalidate(id)

	return id, nil
}

// GetFile returns the asset. found is false if there is no asset with the passed id.
func (m *Manager) GetFile(ctx context.Context, id rstash.AssetID) (rec rstash.Record, found bool, err error) {
	rec, found, err = m.store.Get(ctx, id)
	if err != nil {
		return rstash.Record{}, false, fmt.Errorf("couldn't get file: %w", err)
	}
	return rec, found, nil
}

// SyncFile writes the payload at exactly the passed id. An existing asset keeps its name,
// a new one is named after the id. The cached display reference of the asset is revoked.
func (m *Manager) SyncFile(ctx context.Context, payload []byte, id rstash.AssetID) (rstash.AssetID, error) {
	if id == "" {
		return "", errors.New("asset id is required")
	}

	name := id.String()
	existing, found, err := m.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("couldn't get existing file: %w", err)
	}
	if found {
		name = existing.Name
	}

	id, err = m.store.Put(ctx, rstash.NewRecord(id, name, payload))
	if err != nil {
		return "", fmt.Errorf("couldn't sync file: %w", err)
	}

	m.urls.Invalidate(id)

	return id, nil
}

// GetFileURL returns the display reference of the asset. found is false if there is no
// asset with the passed id.
func (m *Manager) GetFileURL(ctx context.Context, id rstash.AssetID) (url string, found bool, err error) {
	return m.urls.Resolve(ctx, id)
}

// GetTotalUsage returns the sum of sizes of all stored assets. It is recomputed on
// every call.
func (m *Manager) GetTotalUsage(ctx context.Context) (int64, error) {
	records, err := m.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("couldn't get all files: %w", err)
	}

	var total int64
	for _, rec := range records {
		total += rec.Size
	}

	metrics.StoreTotalUsage.Set(float64(total))

	return total, nil
}

// DownloadAsZip exports all assets as a zip archive. Assets that can't be archived are
// skipped, see [ziparchive.Archiver.Archive].
func (m *Manager) DownloadAsZip(ctx context.Context) ([]byte, error) {
	records, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("couldn't get all files: %w", err)
	}

	archive, err := m.archiver.Archive(records)
	if err != nil {
		return nil, fmt.Errorf("couldn't archive files: %w", err)
	}
	return archive, nil
}

// UploadZip imports every file of the archive as a new asset. On failure, the returned
// ids contain the assets imported before the failure.
func (m *Manager) UploadZip(ctx context.Context, archive []byte) ([]rstash.AssetID, error) {
	ids, err := m.extractor.Extract(ctx, archive)
	if err != nil {
		return ids, fmt.Errorf("couldn't import archive: %w", err)
	}

	rlog.Infof("imported %d assets", len(ids))

	return ids, nil
}

// DeleteFile removes the asset and revokes its display reference. Unknown ids are ignored.
func (m *Manager) DeleteFile(ctx context.Context, id rstash.AssetID) error {
	m.urls.Invalidate(id)

	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("couldn't delete file: %w", err)
	}
	return nil
}

// Clear removes all assets and revokes all display references.
func (m *Manager) Clear(ctx context.Context) error {
	m.urls.InvalidateAll()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("couldn't clear store: %w", err)
	}

	metrics.StoreTotalUsage.Set(0)

	return nil
}

// Close revokes all display references and closes the store.
func (m *Manager) Close() error {
	m.urls.InvalidateAll()

	return m.store.Close()
}
