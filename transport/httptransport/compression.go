package httptransport

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Request body failures, each mapped to one status by statusForBodyError.
var (
	errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")
	errBodyTooLarge         = errors.New("request body too large")
	errUnsupportedMediaType = errors.New("unsupported media type")
	errUnsupportedEncoding  = errors.New("unsupported content encoding")
	errInvalidGzip          = errors.New("invalid gzip data")
)

// maxDecompressedReader fails once more than limit bytes have been read.
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	eof      bool
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	if r.consumed >= r.limit {
		return 0, errDecompressedTooLarge
	}
	if remaining := r.limit - r.consumed; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	if err == io.EOF {
		r.eof = true
		return n, err
	}

	if r.consumed >= r.limit && err == nil {
		// Exactly at the limit: only an error if more data follows.
		var next [1]byte
		m, nextErr := r.reader.Read(next[:])
		if m > 0 {
			return n, errDecompressedTooLarge
		}
		if nextErr == io.EOF {
			r.eof = true
		}
	}
	return n, err
}

// safeRequestBody returns a reader over the request body that enforces the
// size limits and undoes gzip content encoding. close must be called.
func safeRequestBody(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, func(), error) {
	noop := func() {}

	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, noop, fmt.Errorf("%w: %s", errUnsupportedMediaType, ct)
	}
	if r.ContentLength > options.MaxRequestSize {
		return nil, noop, fmt.Errorf("%w: %d bytes (max %d)", errBodyTooLarge, r.ContentLength, options.MaxRequestSize)
	}

	encoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	switch encoding {
	case "":
		limit := options.MaxRequestSize
		if options.MaxDecompressedSize > 0 && options.MaxDecompressedSize < limit {
			limit = options.MaxDecompressedSize
		}
		return http.MaxBytesReader(w, r.Body, limit), noop, nil
	case "gzip":
		gz, err := gzip.NewReader(http.MaxBytesReader(w, r.Body, options.MaxRequestSize))
		if err != nil {
			return nil, noop, fmt.Errorf("%w: %v", errInvalidGzip, err)
		}
		return &maxDecompressedReader{reader: gz, limit: options.MaxDecompressedSize}, func() { gz.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("%w: %s (only gzip is supported)", errUnsupportedEncoding, encoding)
	}
}

// statusForBodyError maps a request body failure to an HTTP status.
func statusForBodyError(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errDecompressedTooLarge), errors.Is(err, errBodyTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMediaType), errors.Is(err, errUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
