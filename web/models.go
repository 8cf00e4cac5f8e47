package web

import "github.com/ShoshinNikita/rstash/rstash"

// API requests and responses.
type (
	AssetEntry struct {
		ID   rstash.AssetID `json:"id,omitempty"`
		Name string         `json:"name"`
		// Payload is base64-encoded.
		Payload []byte `json:"payload"`
	}

	AssetIDResponse struct {
		ID rstash.AssetID `json:"id"`
	}

	AssetURLResponse struct {
		URL string `json:"url"`
	}

	UsageResponse struct {
		Bytes int64  `json:"bytes"`
		Human string `json:"human"`
	}

	ImportResponse struct {
		IDs []rstash.AssetID `json:"ids"`
	}
)
