package urlcache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/ShoshinNikita/rstash/storage"
	"github.com/stretchr/testify/require"
)

type minterStub struct {
	mu      sync.Mutex
	minted  int
	live    map[string]struct{}
	mintErr error
}

func newMinterStub() *minterStub {
	return &minterStub{
		live: make(map[string]struct{}),
	}
}

func (m *minterStub) Mint(name string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mintErr != nil {
		return "", m.mintErr
	}

	m.minted++
	ref := "ref-" + strconv.Itoa(m.minted) + "-" + name
	m.live[ref] = struct{}{}
	return ref, nil
}

func (m *minterStub) Revoke(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.live, ref)
}

func (m *minterStub) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.live)
}

func prepareStore(t *testing.T, records ...rstash.Record) *storage.MemoryStore {
	t.Helper()

	ctx := context.Background()

	store := storage.NewMemoryStore()
	require.NoError(t, store.Open(ctx))
	for _, rec := range records {
		_, err := store.Put(ctx, rec)
		require.NoError(t, err)
	}
	return store
}

func TestCache(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	store := prepareStore(t,
		rstash.NewRecord("asset:1", "a.txt", []byte("a")),
		rstash.NewRecord("asset:2", "b.txt", []byte("b")),
	)
	minter := newMinterStub()
	cache := New(store, minter)

	ref, found, err := cache.Resolve(ctx, "asset:1")
	r.NoError(err)
	r.True(found)
	r.Equal("ref-1-a.txt", ref)

	// Cached.
	ref, found, err = cache.Resolve(ctx, "asset:1")
	r.NoError(err)
	r.True(found)
	r.Equal("ref-1-a.txt", ref)
	r.Equal(1, minter.minted)

	// Missing assets are not cached.
	ref, found, err = cache.Resolve(ctx, "asset:3")
	r.NoError(err)
	r.False(found)
	r.Empty(ref)
	r.Equal(1, cache.Len())

	_, _, err = cache.Resolve(ctx, "asset:2")
	r.NoError(err)
	r.Equal(2, cache.Len())
	r.Equal(2, minter.liveCount())

	cache.Invalidate("asset:1")
	r.Equal(1, cache.Len())
	r.Equal(1, minter.liveCount())

	// No-op.
	cache.Invalidate("asset:1")
	cache.Invalidate("asset:3")
	r.Equal(1, minter.liveCount())

	// A new reference is minted after invalidation.
	ref, _, err = cache.Resolve(ctx, "asset:1")
	r.NoError(err)
	r.Equal("ref-3-a.txt", ref)

	cache.InvalidateAll()
	r.Zero(cache.Len())
	r.Zero(minter.liveCount())
}

func TestCache_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("store is not initialized", func(t *testing.T) {
		r := require.New(t)

		cache := New(storage.NewMemoryStore(), newMinterStub())

		_, _, err := cache.Resolve(ctx, "asset:1")
		r.ErrorIs(err, rstash.ErrNotInitialized)
	})

	t.Run("mint error", func(t *testing.T) {
		r := require.New(t)

		minter := newMinterStub()
		minter.mintErr = errors.New("out of handles")
		cache := New(prepareStore(t, rstash.NewRecord("asset:1", "a.txt", []byte("a"))), minter)

		_, found, err := cache.Resolve(ctx, "asset:1")
		r.ErrorIs(err, minter.mintErr)
		r.False(found)
		r.Zero(cache.Len())
	})
}

func TestCache_ConcurrentResolve(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	minter := newMinterStub()
	cache := New(prepareStore(t, rstash.NewRecord("asset:1", "a.txt", []byte("a"))), minter)

	const n = 20

	var wg sync.WaitGroup
	refs := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ref, found, err := cache.Resolve(ctx, "asset:1")
			if err == nil && found {
				refs[i] = ref
			}
		}()
	}
	wg.Wait()

	for _, ref := range refs {
		r.Equal(refs[0], ref)
	}
	r.Equal(1, cache.Len())
	// Losing references are revoked.
	r.Equal(1, minter.liveCount())
}
