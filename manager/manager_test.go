package manager

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"testing"

	"github.com/ShoshinNikita/rstash/bloburl"
	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/ShoshinNikita/rstash/storage"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, store rstash.Store) (*Manager, *bloburl.Registry) {
	t.Helper()

	registry := bloburl.NewRegistry("http://localhost:8080")
	m := New(store, registry, rstash.DeflateCompression, 0)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	return m, registry
}

func forEachStore(t *testing.T, testFn func(t *testing.T, m *Manager, registry *bloburl.Registry)) {
	for name, newStore := range map[string]func(t *testing.T) rstash.Store{
		"memory": func(*testing.T) rstash.Store {
			return storage.NewMemoryStore()
		},
		"bolt": func(t *testing.T) rstash.Store {
			s, err := storage.NewBoltStore(filepath.Join(t.TempDir(), rstash.BoltFilename))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) rstash.Store {
			s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), rstash.SQLiteFilename))
			require.NoError(t, err)
			return s
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			m, registry := newTestManager(t, newStore(t))
			testFn(t, m, registry)
		})
	}
}

func TestManager_FileURL(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, m *Manager, registry *bloburl.Registry) {
		r := require.New(t)
		ctx := context.Background()

		for _, payload := range [][]byte{
			[]byte("hello world"),
			{},
			bytes.Repeat([]byte{0, 1, 2}, 1000),
		} {
			id, err := m.AddFile(ctx, payload, "file.bin")
			r.NoError(err)

			url, found, err := m.GetFileURL(ctx, id)
			r.NoError(err)
			r.True(found)
			r.NotEmpty(url)

			// Cached.
			url2, found, err := m.GetFileURL(ctx, id)
			r.NoError(err)
			r.True(found)
			r.Equal(url, url2)
			r.Equal(1, registry.Len())

			r.NoError(m.DeleteFile(ctx, id))

			url, found, err = m.GetFileURL(ctx, id)
			r.NoError(err)
			r.False(found)
			r.Empty(url)
			r.Equal(0, registry.Len())
		}
	})
}

func TestManager_DeleteUnknownFile(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, m *Manager, _ *bloburl.Registry) {
		r := require.New(t)
		ctx := context.Background()

		id := rstash.NewAssetID()
		r.NoError(m.DeleteFile(ctx, id))

		_, found, err := m.GetFileURL(ctx, id)
		r.NoError(err)
		r.False(found)
	})
}

func TestManager_TotalUsage(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, m *Manager, registry *bloburl.Registry) {
		r := require.New(t)
		ctx := context.Background()

		usage, err := m.GetTotalUsage(ctx)
		r.NoError(err)
		r.Zero(usage)

		idA, err := m.AddFile(ctx, bytes.Repeat([]byte("a"), 10), "a.txt")
		r.NoError(err)
		idB, err := m.AddFile(ctx, bytes.Repeat([]byte("b"), 20), "b.txt")
		r.NoError(err)

		usage, err = m.GetTotalUsage(ctx)
		r.NoError(err)
		r.EqualValues(30, usage)

		for _, id := range []rstash.AssetID{idA, idB} {
			_, found, err := m.GetFileURL(ctx, id)
			r.NoError(err)
			r.True(found)
		}
		r.Equal(2, registry.Len())

		r.NoError(m.Clear(ctx))

		usage, err = m.GetTotalUsage(ctx)
		r.NoError(err)
		r.Zero(usage)

		for _, id := range []rstash.AssetID{idA, idB} {
			_, found, err := m.GetFileURL(ctx, id)
			r.NoError(err)
			r.False(found)
		}
		r.Equal(0, registry.Len())
	})
}

func TestManager_AddFile(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, m *Manager, _ *bloburl.Registry) {
		r := require.New(t)
		ctx := context.Background()

		id, err := m.AddFile(ctx, []byte("hello world"), "hello.txt")
		r.NoError(err)
		_, err = rstash.ParseAssetID(id.String())
		r.NoError(err)

		rec, found, err := m.GetFile(ctx, id)
		r.NoError(err)
		r.True(found)
		r.Equal(rstash.NewRecord(id, "hello.txt", []byte("hello world")), rec)

		// Empty name.
		id, err = m.AddFile(ctx, []byte("data"), "")
		r.NoError(err)

		rec, found, err = m.GetFile(ctx, id)
		r.NoError(err)
		r.True(found)
		r.Equal(id.String(), rec.Name)

		// Unknown id.
		_, found, err = m.GetFile(ctx, rstash.NewAssetID())
		r.NoError(err)
		r.False(found)
	})
}

func TestManager_AddAssetEntry(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, m *Manager, registry *bloburl.Registry) {
		r := require.New(t)
		ctx := context.Background()

		// Size and IntegrityTag are recomputed.
		id, err := m.AddAssetEntry(ctx, rstash.Record{
			ID:           "asset:custom",
			Name:         "a.txt",
			Payload:      []byte("abc"),
			Size:         100,
			IntegrityTag: "sha256:fake",
		})
		r.NoError(err)
		r.Equal(rstash.AssetID("asset:custom"), id)

		rec, found, err := m.GetFile(ctx, id)
		r.NoError(err)
		r.True(found)
		r.Equal(rstash.NewRecord(id, "a.txt", []byte("abc")), rec)

		// Replacing the record revokes its reference.
		_, _, err = m.GetFileURL(ctx, id)
		r.NoError(err)
		r.Equal(1, registry.Len())

		_, err = m.AddAssetEntry(ctx, rstash.Record{ID: id, Name: "b.txt", Payload: []byte("abcd")})
		r.NoError(err)
		r.Equal(0, registry.Len())

		usage, err := m.GetTotalUsage(ctx)
		r.NoError(err)
		r.EqualValues(4, usage)

		// Missing id is generated.
		id, err = m.AddAssetEntry(ctx, rstash.Record{Name: "c.txt", Payload: []byte("c")})
		r.NoError(err)
		_, err = rstash.ParseAssetID(id.String())
		r.NoError(err)
	})
}

func TestManager_SyncFile(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, m *Manager, registry *bloburl.Registry) {
		ctx := context.Background()

		t.Run("unused id", func(t *testing.T) {
			r := require.New(t)

			id := rstash.NewAssetID()

			gotID, err := m.SyncFile(ctx, []byte("synced"), id)
			r.NoError(err)
			r.Equal(id, gotID)

			rec, found, err := m.GetFile(ctx, id)
			r.NoError(err)
			r.True(found)
			r.Equal(rstash.NewRecord(id, id.String(), []byte("synced")), rec)
		})

		t.Run("existing id", func(t *testing.T) {
			r := require.New(t)

			first, err := m.AddFile(ctx, []byte("first"), "first.txt")
			r.NoError(err)
			_, err = m.AddFile(ctx, []byte("second"), "second.txt")
			r.NoError(err)

			oldURL, _, err := m.GetFileURL(ctx, first)
			r.NoError(err)
			r.Equal(1, registry.Len())

			_, err = m.SyncFile(ctx, []byte("first, updated"), first)
			r.NoError(err)
			r.Equal(0, registry.Len())

			rec, found, err := m.GetFile(ctx, first)
			r.NoError(err)
			r.True(found)
			r.Equal(rstash.NewRecord(first, "first.txt", []byte("first, updated")), rec)

			newURL, found, err := m.GetFileURL(ctx, first)
			r.NoError(err)
			r.True(found)
			r.NotEqual(oldURL, newURL)

			// The position of the record doesn't change.
			archive, err := m.DownloadAsZip(ctx)
			r.NoError(err)
			names, _ := readArchive(t, archive)
			r.Equal([]string{"first.txt", "second.txt"}, names[len(names)-2:])
		})

		t.Run("empty id", func(t *testing.T) {
			_, err := m.SyncFile(ctx, []byte("data"), "")
			require.Error(t, err)
		})
	})
}

func TestManager_ZipRoundTrip(t *testing.T) {
	t.Parallel()

	for _, compression := range []rstash.ZipCompression{rstash.DeflateCompression, rstash.ZstdCompression} {
		t.Run(string(compression), func(t *testing.T) {
			t.Parallel()

			r := require.New(t)
			ctx := context.Background()

			src := New(storage.NewMemoryStore(), bloburl.NewRegistry(""), compression, 0)
			r.NoError(src.Initialize(ctx))

			payloads := map[string]string{}
			for i, name := range []string{"a.txt", "a.txt", "b", "b", "photo.jpg", ""} {
				payload := fmt.Sprintf("payload #%d", i)
				_, err := src.AddFile(ctx, []byte(payload), name)
				r.NoError(err)
				payloads[payload] = name
			}

			archive, err := src.DownloadAsZip(ctx)
			r.NoError(err)

			names, _ := readArchive(t, archive)
			r.Equal([]string{"a.txt", "a_1.txt", "b", "b_1", "photo.jpg"}, names[:5])

			dst := New(storage.NewMemoryStore(), bloburl.NewRegistry(""), compression, 0)
			r.NoError(dst.Initialize(ctx))

			ids, err := dst.UploadZip(ctx, archive)
			r.NoError(err)
			r.Len(ids, len(payloads))

			var got []string
			for _, id := range ids {
				rec, found, err := dst.GetFile(ctx, id)
				r.NoError(err)
				r.True(found)
				got = append(got, string(rec.Payload))
			}

			var want []string
			for payload := range payloads {
				want = append(want, payload)
			}
			sort.Strings(got)
			sort.Strings(want)
			r.Equal(want, got)

			srcUsage, err := src.GetTotalUsage(ctx)
			r.NoError(err)
			dstUsage, err := dst.GetTotalUsage(ctx)
			r.NoError(err)
			r.Equal(srcUsage, dstUsage)
		})
	}
}

func TestManager_UploadZip(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, m *Manager, _ *bloburl.Registry) {
		r := require.New(t)
		ctx := context.Background()

		_, err := m.UploadZip(ctx, []byte("not a zip"))
		r.True(rstash.IsArchiveHeaderError(err))

		usage, err := m.GetTotalUsage(ctx)
		r.NoError(err)
		r.Zero(usage)

		// Imported names are kept as is.
		buf := bytes.NewBuffer(nil)
		zw := zip.NewWriter(buf)
		for _, name := range []string{"dir/", "dir/a.txt", "dir/a.txt"} {
			_, err := zw.Create(name)
			r.NoError(err)
		}
		r.NoError(zw.Close())

		ids, err := m.UploadZip(ctx, buf.Bytes())
		r.NoError(err)
		r.Len(ids, 2)
		r.NotEqual(ids[0], ids[1])

		for _, id := range ids {
			rec, found, err := m.GetFile(ctx, id)
			r.NoError(err)
			r.True(found)
			r.Equal("dir/a.txt", rec.Name)
		}
	})
}

func TestManager_NotInitialized(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	m := New(storage.NewMemoryStore(), bloburl.NewRegistry(""), rstash.DeflateCompression, 0)

	_, err := m.AddFile(ctx, []byte("a"), "a.txt")
	r.ErrorIs(err, rstash.ErrNotInitialized)

	_, _, err = m.GetFileURL(ctx, rstash.NewAssetID())
	r.ErrorIs(err, rstash.ErrNotInitialized)

	_, err = m.GetTotalUsage(ctx)
	r.ErrorIs(err, rstash.ErrNotInitialized)

	_, err = m.DownloadAsZip(ctx)
	r.ErrorIs(err, rstash.ErrNotInitialized)

	r.ErrorIs(m.Clear(ctx), rstash.ErrNotInitialized)

	r.NoError(m.Initialize(ctx))
	r.NoError(m.Initialize(ctx))

	_, err = m.AddFile(ctx, []byte("a"), "a.txt")
	r.NoError(err)
}

func TestManager_Independent(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	m1, _ := newTestManager(t, storage.NewMemoryStore())
	m2, _ := newTestManager(t, storage.NewMemoryStore())

	id, err := m1.AddFile(ctx, []byte("a"), "a.txt")
	r.NoError(err)

	_, found, err := m2.GetFile(ctx, id)
	r.NoError(err)
	r.False(found)

	r.NoError(m2.Clear(ctx))

	_, found, err = m1.GetFile(ctx, id)
	r.NoError(err)
	r.True(found)
}

func TestManager_GeneratedIDs(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	m, _ := newTestManager(t, storage.NewMemoryStore())

	var n int
	m.newID = func() rstash.AssetID {
		n++
		return rstash.AssetID(fmt.Sprintf("asset:%d", n))
	}

	id, err := m.AddFile(ctx, []byte("a"), "")
	r.NoError(err)
	r.Equal(rstash.AssetID("asset:1"), id)

	rec, _, err := m.GetFile(ctx, id)
	r.NoError(err)
	r.Equal("asset:1", rec.Name)
}

func readArchive(t *testing.T, archive []byte) (names []string, payloads []string) {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		names = append(names, f.Name)
		payloads = append(payloads, string(data))
	}
	return names, payloads
}
