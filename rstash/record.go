package rstash

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

const integrityTagPrefix = "blake3:"

// Record is a binary payload with its metadata.
type Record struct {
	ID   AssetID
	Name string // display label, not unique
	// Payload is the stored content.
	Payload []byte
	// Size is captured from len(Payload) at write time and never revalidated.
	Size int64
	// IntegrityTag is a BLAKE3 digest of the payload. It is informational: nothing
	// deduplicates or verifies records against it.
	IntegrityTag string
}

// NewRecord returns a [Record] with Size and IntegrityTag derived from the payload.
func NewRecord(id AssetID, name string, payload []byte) Record {
	return Record{
		ID:           id,
		Name:         name,
		Payload:      payload,
		Size:         int64(len(payload)),
		IntegrityTag: ComputeIntegrityTag(payload),
	}
}

// ComputeIntegrityTag returns the digest of the payload in format 'blake3:<hex>'.
func ComputeIntegrityTag(payload []byte) string {
	sum := blake3.Sum256(payload)
	return integrityTagPrefix + hex.EncodeToString(sum[:])
}
