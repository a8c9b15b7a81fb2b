package httptransport

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/c0deZ3R0/go-state-sync/gateway"
)

// respondWithJSON writes an already encoded JSON body, gzipped when the
// options allow and the caller accepts it.
func respondWithJSON(w http.ResponseWriter, r *http.Request, code int, body json.RawMessage, options *ServerOptions) {
	w.Header().Set("Content-Type", "application/json")

	if options != nil && options.CompressionEnabled &&
		int64(len(body)) >= options.CompressionThreshold &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.WriteHeader(code)
		gz := gzip.NewWriter(w)
		defer gz.Close()
		_, _ = gz.Write(body)
		return
	}

	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// respondWithError writes an error result with the given status.
func respondWithError(w http.ResponseWriter, r *http.Request, code int, err error, options *ServerOptions) {
	respondWithJSON(w, r, code, gateway.EncodeError(err), options)
}
