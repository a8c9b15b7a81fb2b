package httptransport

import (
	"fmt"
	"time"
)

// ServerOptions configures the command handler.
type ServerOptions struct {
	// MaxRequestSize caps the request body as sent, compressed or not.
	MaxRequestSize int64

	// MaxDecompressedSize caps a gzip request body after decompression.
	MaxDecompressedSize int64

	// CompressionEnabled gzips responses of at least CompressionThreshold
	// bytes when the caller accepts gzip.
	CompressionEnabled   bool
	CompressionThreshold int64

	// RequestTimeout bounds a single command, including the store write.
	RequestTimeout time.Duration
}

// DefaultServerOptions returns the default server options.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       1 << 20, // 1MB
		MaxDecompressedSize:  2 << 20, // 2MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
		RequestTimeout:       10 * time.Second,
	}
}

// ClientOptions configures the command client.
type ClientOptions struct {
	// CompressionEnabled gzips request bodies of at least GzipMinBytes.
	CompressionEnabled bool
	GzipMinBytes       int

	// MaxResponseSize caps the response body after decompression.
	MaxResponseSize int64

	// RequestTimeout bounds one command round-trip.
	RequestTimeout time.Duration
}

// DefaultClientOptions returns the default client options.
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		CompressionEnabled: true,
		GzipMinBytes:       1024,
		MaxResponseSize:    2 << 20,
		RequestTimeout:     10 * time.Second,
	}
}

// Validate rejects negative limits.
func (o *ClientOptions) Validate() error {
	if o.MaxResponseSize <= 0 {
		return fmt.Errorf("MaxResponseSize must be positive, got %d", o.MaxResponseSize)
	}
	if o.GzipMinBytes < 0 {
		return fmt.Errorf("GzipMinBytes must not be negative, got %d", o.GzipMinBytes)
	}
	if o.RequestTimeout < 0 {
		return fmt.Errorf("RequestTimeout must not be negative, got %s", o.RequestTimeout)
	}
	return nil
}

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) { opts.MaxRequestSize = size }
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) { opts.MaxDecompressedSize = size }
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) { opts.CompressionEnabled = enabled }
}

// WithRequestTimeout sets the maximum duration for request processing
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) { opts.RequestTimeout = timeout }
}

// ClientOption is a function that configures a ClientOptions struct
type ClientOption func(*ClientOptions)

// WithClientCompression enables or disables request compression
func WithClientCompression(enabled bool) ClientOption {
	return func(opts *ClientOptions) { opts.CompressionEnabled = enabled }
}

// WithMaxResponseSize sets the maximum allowed size of response bodies
func WithMaxResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) { opts.MaxResponseSize = size }
}

// WithClientTimeout sets the timeout for all requests
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(opts *ClientOptions) { opts.RequestTimeout = timeout }
}

func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
