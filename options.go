package chunkgo

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Options holds the configuration shared by all source backends. Not
// every backend uses every field; see the backend packages for which
// ones apply. Options are immutable for the lifetime of a source.
type Options struct {
	// NumWorkers is the size of the dedicated worker pool for backends
	// that fetch one range per request. Zero means fetches run inline
	// on the calling goroutine.
	NumWorkers int

	// NumFallbackWorkers bounds the secondary worker capacity on
	// backends whose primary path is synchronous or single-request
	// (memory-mapped files, multipart HTTP).
	NumFallbackWorkers int

	// Timeout is the maximum wait per network operation.
	Timeout time.Duration

	// MaxNumElements caps how many ranges a single vectorized protocol
	// request may carry. Zero or negative means no cap.
	MaxNumElements int

	// Logger receives structured diagnostics. Defaults to a no-op
	// logger.
	Logger *Logger

	// RateLimit throttles outgoing network requests. Nil means no
	// throttling.
	RateLimit *rate.Limiter

	// HTTPClient overrides the HTTP client used by HTTP-based
	// backends. Nil means a client tuned for ranged reads.
	HTTPClient *http.Client
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		NumWorkers:         0,
		NumFallbackWorkers: 0,
		Timeout:            30 * time.Second,
		MaxNumElements:     0,
		Logger:             NoopLogger(),
	}
}

// Option configures source construction.
type Option func(*Options)

// WithNumWorkers sets the dedicated worker pool size. Zero runs every
// fetch inline on the calling goroutine.
func WithNumWorkers(n int) Option {
	return func(o *Options) {
		o.NumWorkers = n
	}
}

// WithNumFallbackWorkers sets the secondary worker capacity for
// backends whose primary fetch path needs no pool.
func WithNumFallbackWorkers(n int) Option {
	return func(o *Options) {
		o.NumFallbackWorkers = n
	}
}

// WithTimeout sets the maximum wait per network operation before the
// request fails with ErrTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithMaxNumElements caps the number of ranges per vectorized protocol
// request. Zero means no cap: the whole batch goes out in one request.
func WithMaxNumElements(n int) Option {
	return func(o *Options) {
		o.MaxNumElements = n
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *Logger) Option {
	return func(o *Options) {
		if l == nil {
			l = NoopLogger()
		}
		o.Logger = l
	}
}

// WithRateLimit throttles outgoing network requests.
func WithRateLimit(l *rate.Limiter) Option {
	return func(o *Options) {
		o.RateLimit = l
	}
}

// WithHTTPClient overrides the HTTP client used by HTTP-based
// backends.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}
