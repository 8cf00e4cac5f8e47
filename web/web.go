package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ShoshinNikita/rstash/bloburl"
	"github.com/ShoshinNikita/rstash/pkg/misc"
	"github.com/ShoshinNikita/rstash/pkg/rlog"
	"github.com/ShoshinNikita/rstash/rstash"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AssetManager is the facade exposed over HTTP.
type AssetManager interface {
	AddFile(ctx context.Context, payload []byte, name string) (rstash.AssetID, error)
	AddAssetEntry(ctx context.Context, rec rstash.Record) (rstash.AssetID, error)
	GetFile(ctx context.Context, id rstash.AssetID) (rec rstash.Record, found bool, err error)
	SyncFile(ctx context.Context, payload []byte, id rstash.AssetID) (rstash.AssetID, error)
	GetFileURL(ctx context.Context, id rstash.AssetID) (url string, found bool, err error)
	GetTotalUsage(ctx context.Context) (int64, error)
	DownloadAsZip(ctx context.Context) ([]byte, error)
	UploadZip(ctx context.Context, archive []byte) ([]rstash.AssetID, error)
	DeleteFile(ctx context.Context, id rstash.AssetID) error
	Clear(ctx context.Context) error
}

type Server struct {
	buildInfo rstash.BuildInfo

	httpServer *http.Server

	manager AssetManager
}

func NewServer(cfg rstash.Config, manager AssetManager, blobs http.Handler) (s *Server) {
	s = &Server{
		buildInfo: cfg.BuildInfo,
		manager:   manager,
	}

	maxUploadSize := cfg.MaxUploadSize.Bytes()

	mux := http.NewServeMux()

	// API
	mux.Handle("POST /api/assets", limitBodyMiddleware(maxUploadSize, http.HandlerFunc(s.handleAddFile)))
	mux.Handle("POST /api/entries", limitBodyMiddleware(maxUploadSize, http.HandlerFunc(s.handleAddAssetEntry)))
	mux.HandleFunc("GET /api/assets/{id}", s.handleGetFile)
	mux.Handle("PUT /api/assets/{id}", limitBodyMiddleware(maxUploadSize, http.HandlerFunc(s.handleSyncFile)))
	mux.HandleFunc("GET /api/assets/{id}/url", s.handleGetFileURL)
	mux.HandleFunc("DELETE /api/assets/{id}", s.handleDeleteFile)
	mux.HandleFunc("DELETE /api/assets", s.handleClear)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.Handle("POST /api/import", limitBodyMiddleware(maxUploadSize, http.HandlerFunc(s.handleImport)))

	// Display references
	mux.Handle("GET "+bloburl.PathPrefix, blobs)

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/version", s.handleVersion)

	handler := loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleAddFile(w http.ResponseWriter, r *http.Request) {
	payload, ok := readBody(w, r)
	if !ok {
		return
	}

	id, err := s.manager.AddFile(r.Context(), payload, r.URL.Query().Get("name"))
	if err != nil {
		writeInternalServerError(w, "couldn't add file: %s", err)
		return
	}

	writeJSON(w, http.StatusCreated, AssetIDResponse{ID: id})
}

func (s *Server) handleAddAssetEntry(w http.ResponseWriter, r *http.Request) {
	var entry AssetEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body is too large")
			return
		}
		writeBadRequestError(w, "invalid request body: %s", err)
		return
	}
	if entry.ID != "" {
		if _, err := rstash.ParseAssetID(entry.ID.String()); err != nil {
			writeBadRequestError(w, err.Error())
			return
		}
	}

	id, err := s.manager.AddAssetEntry(r.Context(), rstash.Record{
		ID:      entry.ID,
		Name:    entry.Name,
		Payload: entry.Payload,
	})
	if err != nil {
		writeInternalServerError(w, "couldn't add asset entry: %s", err)
		return
	}

	writeJSON(w, http.StatusCreated, AssetIDResponse{ID: id})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAssetID(w, r)
	if !ok {
		return
	}

	rec, found, err := s.manager.GetFile(r.Context(), id)
	if err != nil {
		writeInternalServerError(w, "couldn't get file: %s", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "asset %q not found", id)
		return
	}

	w.Header().Set("X-Integrity-Tag", rec.IntegrityTag)
	http.ServeContent(w, r, rec.Name, time.Time{}, bytes.NewReader(rec.Payload))
}

func (s *Server) handleSyncFile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAssetID(w, r)
	if !ok {
		return
	}
	payload, ok := readBody(w, r)
	if !ok {
		return
	}

	id, err := s.manager.SyncFile(r.Context(), payload, id)
	if err != nil {
		writeInternalServerError(w, "couldn't sync file: %s", err)
		return
	}

	writeJSON(w, http.StatusOK, AssetIDResponse{ID: id})
}

func (s *Server) handleGetFileURL(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAssetID(w, r)
	if !ok {
		return
	}

	url, found, err := s.manager.GetFileURL(r.Context(), id)
	if err != nil {
		writeInternalServerError(w, "couldn't get file url: %s", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "asset %q not found", id)
		return
	}

	writeJSON(w, http.StatusOK, AssetURLResponse{URL: url})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseAssetID(w, r)
	if !ok {
		return
	}

	if err := s.manager.DeleteFile(r.Context(), id); err != nil {
		writeInternalServerError(w, "couldn't delete file: %s", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Clear(r.Context()); err != nil {
		writeInternalServerError(w, "couldn't clear assets: %s", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.manager.GetTotalUsage(r.Context())
	if err != nil {
		writeInternalServerError(w, "couldn't get total usage: %s", err)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		Bytes: usage,
		Human: misc.FormatFileSize(usage),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	archive, err := s.manager.DownloadAsZip(r.Context())
	if err != nil {
		writeInternalServerError(w, "couldn't export assets: %s", err)
		return
	}

	filename := "assets-" + time.Now().UTC().Format("2006-01-02") + ".zip"

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
	w.Write(archive)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	archive, ok := readBody(w, r)
	if !ok {
		return
	}

	ids, err := s.manager.UploadZip(r.Context(), archive)
	if err != nil {
		if rstash.IsArchiveHeaderError(err) {
			writeBadRequestError(w, err.Error())
			return
		}
		writeInternalServerError(w, "couldn't import archive, %d assets were imported: %s", len(ids), err)
		return
	}

	if ids == nil {
		ids = []rstash.AssetID{}
	}
	writeJSON(w, http.StatusOK, ImportResponse{IDs: ids})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.buildInfo)
}

func parseAssetID(w http.ResponseWriter, r *http.Request) (rstash.AssetID, bool) {
	id, err := rstash.ParseAssetID(r.PathValue("id"))
	if err != nil {
		writeBadRequestError(w, err.Error())
		return "", false
	}
	return id, true
}

// readBody reads the whole request body. It writes an error response and returns
// false on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body is larger than %s", misc.FormatFileSize(maxBytesErr.Limit))
			return nil, false
		}
		writeBadRequestError(w, "couldn't read request body: %s", err)
		return nil, false
	}
	return data, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeBadRequestError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, format, a...)
}

func writeInternalServerError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusInternalServerError, format, a...)
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	http.Error(w, fmt.Sprintf(format, a...), code)
}
