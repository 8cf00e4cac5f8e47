package ziparchive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/pkg/rlog"
	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Adder inserts a new asset. The extractor uses the same path as direct additions.
type Adder interface {
	AddFile(ctx context.Context, payload []byte, name string) (rstash.AssetID, error)
}

type Extractor struct {
	adder Adder
	// maxEntrySize limits the decoded size of a single entry, 0 means no limit.
	maxEntrySize int64
}

func NewExtractor(adder Adder, maxEntrySize int64) *Extractor {
	return &Extractor{
		adder:        adder,
		maxEntrySize: maxEntrySize,
	}
}

// Extract inserts every file entry of the archive as a new asset named after the entry.
// Directory entries are skipped. Entries with equal names become independent assets.
//
// If the archive can't be read, Extract returns [rstash.ArchiveHeaderError] and
// nothing is inserted. The first entry that can't be decoded or inserted aborts the
// extraction; assets inserted before it are kept.
func (e *Extractor) Extract(ctx context.Context, archive []byte) (ids []rstash.AssetID, err error) {
	start := time.Now()

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, &rstash.ArchiveHeaderError{Err: err}
	}
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	defer func() {
		metrics.ArchiveImportedEntries.Add(float64(len(ids)))
		metrics.ArchiveDuration.WithLabelValues("import").Observe(time.Since(start).Seconds())
	}()

	for _, f := range zr.File {
		if isDir(f) {
			continue
		}

		payload, err := e.readEntry(f)
		if err != nil {
			return ids, fmt.Errorf("couldn't read entry %q: %w", f.Name, err)
		}

		id, err := e.adder.AddFile(ctx, payload, f.Name)
		if err != nil {
			return ids, fmt.Errorf("couldn't add entry %q: %w", f.Name, err)
		}
		ids = append(ids, id)
	}

	rlog.Debugf("extracted %d assets from archive", len(ids))

	return ids, nil
}

func (e *Extractor) readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if e.maxEntrySize > 0 {
		r = io.LimitReader(rc, e.maxEntrySize+1)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if e.maxEntrySize > 0 && int64(len(payload)) > e.maxEntrySize {
		return nil, fmt.Errorf("entry is larger than %d bytes", e.maxEntrySize)
	}
	return payload, nil
}

func isDir(f *zip.File) bool {
	return strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir()
}
