// Package bloburl mints ephemeral references to in-memory payloads and serves them
// over HTTP. A reference lives until it is revoked or the process exits.
package bloburl

import (
	"bytes"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/google/uuid"
)

// PathPrefix is the path under which the registry serves payloads.
const PathPrefix = "/blob/"

type Registry struct {
	baseURL string

	mu    sync.RWMutex
	blobs map[string]blob
}

type blob struct {
	name        string
	contentType string
	payload     []byte
	createdAt   time.Time
}

var _ rstash.ReferenceMinter = (*Registry)(nil)

// NewRegistry returns a new registry. Minted references have format '<baseURL>/blob/<uuid>'.
func NewRegistry(baseURL string) *Registry {
	return &Registry{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		blobs:   make(map[string]blob),
	}
}

// Mint registers the payload and returns a reference to it. The payload must not be
// modified until the reference is revoked.
func (r *Registry) Mint(name string, payload []byte) (string, error) {
	token := uuid.NewString()

	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if contentType == "" {
		contentType = http.DetectContentType(payload)
	}

	r.mu.Lock()
	r.blobs[token] = blob{
		name:        name,
		contentType: contentType,
		payload:     payload,
		createdAt:   time.Now(),
	}
	r.mu.Unlock()

	metrics.BlobURLsActive.Inc()

	return r.baseURL + PathPrefix + token, nil
}

// Revoke releases the payload. Unknown references are ignored.
func (r *Registry) Revoke(ref string) {
	token, ok := r.tokenFromRef(ref)
	if !ok {
		return
	}

	r.mu.Lock()
	_, ok = r.blobs[token]
	delete(r.blobs, token)
	r.mu.Unlock()

	if ok {
		metrics.BlobURLsActive.Dec()
	}
}

// Len returns the number of live references.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.blobs)
}

func (r *Registry) tokenFromRef(ref string) (string, bool) {
	token, ok := strings.CutPrefix(ref, r.baseURL+PathPrefix)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// ServeHTTP serves payloads of live references. Requests must have path '/blob/<token>'.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	token, ok := strings.CutPrefix(req.URL.Path, PathPrefix)
	if !ok || token == "" {
		http.NotFound(w, req)
		return
	}

	r.mu.RLock()
	b, ok := r.blobs[token]
	r.mu.RUnlock()

	if !ok {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", b.contentType)
	// References are immutable: a new payload always gets a new reference.
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")

	http.ServeContent(w, req, b.name, b.createdAt, bytes.NewReader(b.payload))
}
