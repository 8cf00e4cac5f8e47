// Package storage contains implementations of [rstash.Store].
package storage

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/prometheus/client_golang/prometheus"
)

type state int32

const (
	stateUninitialized state = iota
	stateInitializing
	stateReady
)

// lifecycle implements the store state machine: Uninitialized -> Initializing -> Ready.
// A failed initialization returns the store to Uninitialized, so Open can be retried.
type lifecycle struct {
	openMu sync.Mutex
	state  atomic.Int32
}

func (l *lifecycle) open(initFn func() error) error {
	l.openMu.Lock()
	defer l.openMu.Unlock()

	if state(l.state.Load()) == stateReady {
		return nil
	}

	l.state.Store(int32(stateInitializing))
	if err := initFn(); err != nil {
		l.state.Store(int32(stateUninitialized))
		return err
	}
	l.state.Store(int32(stateReady))
	return nil
}

func (l *lifecycle) reset() {
	l.openMu.Lock()
	defer l.openMu.Unlock()

	l.state.Store(int32(stateUninitialized))
}

func (l *lifecycle) checkReady() error {
	if state(l.state.Load()) != stateReady {
		return rstash.ErrNotInitialized
	}
	return nil
}

// observe updates store metrics and wraps the error into [rstash.StorageError].
// [rstash.ErrNotInitialized] is returned as-is.
func observe(op string, err error) error {
	metrics.StoreOperations.With(prometheus.Labels{"op": op}).Inc()
	if err == nil {
		return nil
	}

	metrics.StoreErrors.With(prometheus.Labels{"op": op}).Inc()
	if errors.Is(err, rstash.ErrNotInitialized) || rstash.IsStorageError(err) {
		return err
	}
	return &rstash.StorageError{Op: op, Err: err}
}
