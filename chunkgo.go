package chunkgo

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/chunkgo/future"
)

// Promise is a deferred fetch result. It resolves to a chunk (or an
// error) when the backing request completes; Await blocks until then.
type Promise = future.Future[*Chunk]

// Source serves byte ranges from one backing resource: a local file, a
// memory mapping, or a remote server. Implementations are safe for
// concurrent use.
//
// A source is either open or closed. Requests against a closed source
// fail with ErrClosed.
type Source interface {
	// Chunk fetches a single byte range, blocking until the bytes are
	// available or the fetch fails.
	Chunk(ctx context.Context, r Range) (*Chunk, error)

	// Chunks fetches a batch of byte ranges. The returned slice is
	// positionally aligned with ranges regardless of internal
	// completion order. Backends with protocol-level batching use a
	// single round trip where possible.
	Chunks(ctx context.Context, ranges []Range) ([]*Chunk, error)

	// Close releases all resources owned by the source. It is
	// idempotent. Requests still pending at close time resolve with
	// ErrCancelled.
	Close() error

	// Stats returns the source's running request counters.
	Stats() Stats
}

// AsyncSource is implemented by sources that can hand out deferred
// fetch handles instead of blocking.
type AsyncSource interface {
	Source

	// Request schedules a fetch of r and returns a promise that
	// resolves once the bytes are available.
	Request(r Range) *Promise
}

// OpenFunc opens a source for a location. Backend packages register
// one per URL scheme.
type OpenFunc func(ctx context.Context, location string, opts ...Option) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]OpenFunc)
)

// Register makes an OpenFunc available under the given URL scheme.
// Backend packages call Register from an init function; to enable a
// scheme, import the backend package for its side effects. Register
// panics if the scheme is already taken.
func Register(scheme string, fn OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if fn == nil {
		panic("chunkgo: Register with nil OpenFunc")
	}
	if _, dup := registry[scheme]; dup {
		panic("chunkgo: Register called twice for scheme " + scheme)
	}
	registry[scheme] = fn
}

// Schemes returns the sorted list of registered URL schemes.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	schemes := make([]string, 0, len(registry))
	for s := range registry {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// Open opens a source for location, picking the backend by URL scheme.
// A location without a scheme is treated as a local file path. Opening
// fails immediately with an UnavailableError if the target does not
// exist or is unreachable; the check is never deferred to the first
// fetch.
func Open(ctx context.Context, location string, opts ...Option) (Source, error) {
	scheme := "file"
	if u, err := url.Parse(location); err == nil && u.Scheme != "" && !isDrivePrefix(u.Scheme) {
		scheme = strings.ToLower(u.Scheme)
	}

	registryMu.RLock()
	fn, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chunkgo: no backend registered for scheme %q (forgotten import?)", scheme)
	}
	return fn(ctx, location, opts...)
}

// isDrivePrefix reports whether s looks like a Windows drive letter
// rather than a URL scheme.
func isDrivePrefix(s string) bool {
	return len(s) == 1 && ('a' <= s[0] && s[0] <= 'z' || 'A' <= s[0] && s[0] <= 'Z')
}
