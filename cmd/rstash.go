package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/ShoshinNikita/rstash/bloburl"
	"github.com/ShoshinNikita/rstash/manager"
	"github.com/ShoshinNikita/rstash/pkg/rlog"
	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/ShoshinNikita/rstash/storage"
	"github.com/ShoshinNikita/rstash/web"
)

const initializeTimeout = 30 * time.Second

type Rstash struct {
	cfg rstash.Config

	store    rstash.Store
	registry *bloburl.Registry
	manager  *manager.Manager

	server *web.Server
}

func NewRstash(cfg rstash.Config) *Rstash {
	return &Rstash{
		cfg: cfg,
	}
}

func (r *Rstash) Prepare() (err error) {
	// Store
	switch r.cfg.Storage {
	case rstash.SQLiteStorage:
		if err := os.MkdirAll(r.cfg.Dir, 0700); err != nil {
			return fmt.Errorf("couldn't create app data dir %q: %w", r.cfg.Dir, err)
		}

		r.store, err = storage.NewSQLiteStore(filepath.Join(r.cfg.Dir, rstash.SQLiteFilename))
		if err != nil {
			return fmt.Errorf("couldn't prepare sqlite store: %w", err)
		}

	case rstash.BoltStorage:
		if err := os.MkdirAll(r.cfg.Dir, 0700); err != nil {
			return fmt.Errorf("couldn't create app data dir %q: %w", r.cfg.Dir, err)
		}

		r.store, err = storage.NewBoltStore(filepath.Join(r.cfg.Dir, rstash.BoltFilename))
		if err != nil {
			return fmt.Errorf("couldn't prepare bolt store: %w", err)
		}

	case rstash.MemoryStorage:
		rlog.Warn("assets are kept in memory and will be lost on shutdown")

		r.store = storage.NewMemoryStore()

	default:
		return fmt.Errorf("unsupported storage type %q", r.cfg.Storage)
	}

	// Display references
	r.registry = bloburl.NewRegistry(r.cfg.PublicURL)

	// Manager
	r.manager = manager.New(r.store, r.registry, r.cfg.ZipCompression, r.cfg.MaxUploadSize.Bytes())

	ctx, cancel := context.WithTimeout(context.Background(), initializeTimeout)
	defer cancel()

	if err := r.manager.Initialize(ctx); err != nil {
		return fmt.Errorf("couldn't initialize asset manager: %w", err)
	}

	usage, err := r.manager.GetTotalUsage(ctx)
	if err != nil {
		return fmt.Errorf("couldn't get total usage: %w", err)
	}
	rlog.Infof("asset store is ready, total usage: %d bytes", usage)

	// Web Server
	r.server = web.NewServer(r.cfg, r.manager, r.registry)

	return nil
}

func (r *Rstash) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for name, s := range map[string]interface{ Start() error }{
			"web server": r.server,
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := s.Start(); err != nil {
					rlog.Errorf("%s error: %s", name, err)
					onError()
				}
			}()
		}
		wg.Wait()

		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (r *Rstash) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", r.server},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
			failed++
		}
	}

	// The manager owns the store.
	switch {
	case r.manager != nil:
		if err := r.manager.Close(); err != nil {
			rlog.Errorf("couldn't close asset manager: %s", err)
			failed++
		}
	case r.store != nil:
		if err := r.store.Close(); err != nil {
			rlog.Errorf("couldn't close store: %s", err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
