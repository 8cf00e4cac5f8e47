package rstash

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by store operations called before the store is opened.
	ErrNotInitialized = errors.New("store is not initialized")
)

// Store is a durable keyed collection of asset records. Every call is atomic on its
// own, there are no cross-call transactions.
type Store interface {
	// Open prepares the collection. It is idempotent.
	Open(ctx context.Context) error
	// Put inserts or replaces the record by its id.
	Put(ctx context.Context, rec Record) (AssetID, error)
	// Get returns the record. The absence of the record is not an error.
	Get(ctx context.Context, id AssetID) (rec Record, found bool, err error)
	// GetAll returns all records in insertion order.
	GetAll(ctx context.Context) ([]Record, error)
	// Delete removes the record. It is a no-op if the record doesn't exist.
	Delete(ctx context.Context, id AssetID) error
	Clear(ctx context.Context) error
	Close() error
}

// ReferenceMinter mints ephemeral in-process references to binary payloads that can
// be used for display. Every minted reference must be revoked.
type ReferenceMinter interface {
	Mint(name string, payload []byte) (ref string, err error)
	Revoke(ref string)
}

type StorageError struct {
	Op  string
	Err error
}

func (err *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %s", err.Op, err.Err)
}

func (err *StorageError) Unwrap() error {
	return err.Err
}

// ArchiveHeaderError is returned when an archive can't be read at all.
type ArchiveHeaderError struct {
	Err error
}

func (err *ArchiveHeaderError) Error() string {
	return fmt.Sprintf("invalid archive: %s", err.Err)
}

func (err *ArchiveHeaderError) Unwrap() error {
	return err.Err
}

// ArchiveEntryError describes a single entry that couldn't be exported. Export is
// best-effort, so these errors are only logged.
type ArchiveEntryError struct {
	ID   AssetID
	Name string
	Err  error
}

func (err *ArchiveEntryError) Error() string {
	return fmt.Sprintf("couldn't archive entry %q (%s): %s", err.Name, err.ID, err.Err)
}

func (err *ArchiveEntryError) Unwrap() error {
	return err.Err
}

func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

func IsArchiveHeaderError(err error) bool {
	var headerErr *ArchiveHeaderError
	return errors.As(err, &headerErr)
}
