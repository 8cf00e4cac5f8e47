package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ShoshinNikita/rstash/bloburl"
	"github.com/ShoshinNikita/rstash/pkg/metrics"
	"github.com/ShoshinNikita/rstash/pkg/rlog"
	"github.com/prometheus/client_golang/prometheus"
)

func loggingMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case path == "/favicon.ico" || strings.HasPrefix(path, "/debug"):
			h.ServeHTTP(w, r)
			return

		case strings.HasPrefix(path, bloburl.PathPrefix):
			path = bloburl.PathPrefix

		case strings.HasPrefix(path, "/api/assets/"):
			path = "/api/assets/{id}"
			if strings.HasSuffix(r.URL.Path, "/url") {
				path += "/url"
			}
		}

		now := time.Now()
		rw := newResponseWriter(w)

		h.ServeHTTP(rw, r)

		if rw.statusCode >= http.StatusInternalServerError {
			rlog.Warnf("%s %s: got status code %d", r.Method, r.URL.Path, rw.statusCode)
		}

		metrics.HTTPResponseStatuses.
			With(prometheus.Labels{
				"status": strconv.Itoa(rw.statusCode),
			}).
			Inc()

		metrics.HTTPResponseTime.
			With(prometheus.Labels{
				"path": path,
			},
			).Observe(time.Since(now).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter

	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// limitBodyMiddleware rejects request bodies larger than maxSize bytes.
func limitBodyMiddleware(maxSize int64, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)

		h.ServeHTTP(w, r)
	})
}
