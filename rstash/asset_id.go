package rstash

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AssetIDPrefix separates asset ids from other identifiers used by the host application.
const AssetIDPrefix = "asset:"

// AssetID is an opaque, globally unique key of a stored asset.
type AssetID string

// NewAssetID returns a new random [AssetID] of format 'asset:<uuid v4>'. Uniqueness
// is probabilistic, ids are not checked against the store.
func NewAssetID() AssetID {
	return AssetID(AssetIDPrefix + uuid.NewString())
}

// ParseAssetID checks that the passed string is a valid [AssetID].
func ParseAssetID(s string) (AssetID, error) {
	rest, ok := strings.CutPrefix(s, AssetIDPrefix)
	if !ok {
		return "", fmt.Errorf("asset id must start with %q", AssetIDPrefix)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return "", fmt.Errorf("invalid asset id %q: %w", s, err)
	}
	return AssetID(s), nil
}

func (id AssetID) String() string {
	return string(id)
}
