// Package ziparchive packs asset records into a single zip archive and extracts them back.
package ziparchive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/pkg/misc"
	"github.com/ShoshinNikita/rstash/pkg/rlog"
	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/unicode/norm"
)

type Archiver struct {
	compression rstash.ZipCompression
	// openFn returns the payload of a record.
	openFn func(rec rstash.Record) (io.Reader, error)
	now    func() time.Time
}

func NewArchiver(compression rstash.ZipCompression) *Archiver {
	return &Archiver{
		compression: compression,
		openFn: func(rec rstash.Record) (io.Reader, error) {
			return bytes.NewReader(rec.Payload), nil
		},
		now: time.Now,
	}
}

// Archive packs the records in the passed order. Duplicate names are renamed: the
// second "a.txt" becomes "a_1.txt", the third one "a_2.txt" and so on.
//
// Archiving is best-effort: an entry that can't be packed is logged and skipped.
// Archive fails only if the archive itself can't be finalized.
func (a *Archiver) Archive(records []rstash.Record) ([]byte, error) {
	start := a.now()

	buf := bytes.NewBuffer(nil)
	zw := zip.NewWriter(buf)

	method := zip.Deflate
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	if a.compression == rstash.ZstdCompression {
		method = zstd.ZipMethodWinZip
		zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	}

	var (
		names    = newNameSet()
		exported int
	)
	for _, rec := range records {
		name := names.reserve(entryName(rec))

		err := a.addEntry(zw, name, method, rec)
		if err != nil {
			metrics.ArchiveSkippedEntries.Inc()
			rlog.Error(&rstash.ArchiveEntryError{ID: rec.ID, Name: name, Err: err})
			continue
		}
		exported++
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("couldn't finalize archive: %w", err)
	}

	metrics.ArchiveExportedEntries.Add(float64(exported))
	metrics.ArchiveDuration.WithLabelValues("export").Observe(a.now().Sub(start).Seconds())

	rlog.Debugf(
		"archived %d of %d assets, archive size: %s",
		exported, len(records), misc.FormatFileSize(int64(buf.Len())),
	)

	return buf.Bytes(), nil
}

// addEntry reads the whole payload before the entry header is written, so a failed
// read never leaves a partial entry in the archive.
func (a *Archiver) addEntry(zw *zip.Writer, name string, method uint16, rec rstash.Record) error {
	r, err := a.openFn(rec)
	if err != nil {
		return fmt.Errorf("couldn't open payload: %w", err)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("couldn't read payload: %w", err)
	}

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: a.now(),
	})
	if err != nil {
		return fmt.Errorf("couldn't create entry: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("couldn't write entry: %w", err)
	}
	return nil
}

// entryName returns the NFC-normalized record name. Trailing slashes are removed
// because such entries are treated as directories on import.
func entryName(rec rstash.Record) string {
	name := strings.TrimRight(norm.NFC.String(rec.Name), "/")
	if name == "" {
		name = rec.ID.String()
	}
	return name
}

type nameSet map[string]struct{}

func newNameSet() nameSet {
	return make(nameSet)
}

// reserve returns the first unused name of sequence "name", "stem_1.ext", "stem_2.ext", ...
// and marks it as used.
func (s nameSet) reserve(name string) string {
	if _, ok := s[name]; !ok {
		s[name] = struct{}{}
		return name
	}

	stem, ext := misc.SplitExt(name)
	for n := 1; ; n++ {
		candidate := stem + "_" + strconv.Itoa(n) + ext
		if _, ok := s[candidate]; !ok {
			s[candidate] = struct{}{}
			return candidate
		}
	}
}
