package ingress

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"path"

	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/metrics"
	"github.com/kinorez/stagehand/pkg/volume"
)

// serveStatic serves a file from the shared media volume, read-only.
// The route prefix has already been stripped; the remainder is treated
// as a path relative to the volume root. There is no retry on this path;
// clients retry.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, rel, requestID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		metrics.RequestsTotal.WithLabelValues("static", "405").Inc()
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	f, info, err := s.vol.Open(rel)
	if err != nil {
		switch {
		case errors.Is(err, volume.ErrTraversal):
			// Security-relevant: this path bypasses the gateway's own
			// authorization, so probing is logged loudly.
			metrics.TraversalRejectedTotal.Inc()
			metrics.RequestsTotal.WithLabelValues("static", "400").Inc()
			log.WithRequestID(requestID).Warn().
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("rejected path traversal attempt")
			http.Error(w, "invalid file path", http.StatusBadRequest)
		case errors.Is(err, fs.ErrNotExist):
			metrics.RequestsTotal.WithLabelValues("static", "404").Inc()
			http.Error(w, "file not found", http.StatusNotFound)
		default:
			metrics.RequestsTotal.WithLabelValues("static", "500").Inc()
			log.WithRequestID(requestID).Error().Err(err).Msg("static file open failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(path.Ext(rel))
	if contentType == "" {
		// Media files are opaque binaries unless the extension says otherwise
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)

	metrics.RequestsTotal.WithLabelValues("static", "200").Inc()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
