// Package memmap implements a chunkgo source over a memory-mapped
// local file. Chunks are zero-copy views into the mapping, so the
// common case needs no worker at all; an optional fallback pool exists
// for callers that want asynchronous delivery anyway.
//
// Chunk buffers alias the mapping and become invalid when the source
// is closed.
package memmap

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hupe1980/chunkgo"
	"github.com/hupe1980/chunkgo/future"
	"github.com/hupe1980/chunkgo/internal/mmap"
)

func init() {
	chunkgo.Register("memmap", func(ctx context.Context, location string, opts ...chunkgo.Option) (chunkgo.Source, error) {
		return NewSource(trimScheme(location), opts...)
	})
}

func trimScheme(location string) string {
	const prefix = "memmap://"
	if len(location) > len(prefix) && location[:len(prefix)] == prefix {
		return location[len(prefix):]
	}
	return location
}

// Source serves zero-copy byte ranges from a memory-mapped file.
type Source struct {
	path string
	m    *mmap.Mapping

	pool     *future.Pool[*chunkgo.Chunk]
	counters chunkgo.Counters
	logger   *chunkgo.Logger
	timeout  time.Duration
	closed   atomic.Bool
}

var _ chunkgo.AsyncSource = (*Source)(nil)

// NewSource maps path into memory. Opening a nonexistent file fails
// immediately with an UnavailableError. NumFallbackWorkers configures
// the pool used by Request; with zero everything is synchronous.
func NewSource(path string, opts ...chunkgo.Option) (*Source, error) {
	o := chunkgo.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m, err := mmap.Open(path)
	if err != nil {
		return nil, &chunkgo.UnavailableError{Location: path, Err: err}
	}
	// Chunk access is scattered by nature.
	_ = m.Advise(mmap.AccessRandom)

	s := &Source{
		path:    path,
		m:       m,
		pool:    future.NewPool[*chunkgo.Chunk](o.NumFallbackWorkers),
		logger:  o.Logger.WithLocation(path),
		timeout: o.Timeout,
	}
	s.logger.Debug("source opened", "size", m.Size(), "fallback_workers", o.NumFallbackWorkers)
	return s, nil
}

// Location returns the file path.
func (s *Source) Location() string { return s.path }

// Size returns the mapped file size in bytes.
func (s *Source) Size() int64 { return s.m.Size() }

// Stats returns the source's running request counters.
func (s *Source) Stats() chunkgo.Stats { return s.counters.Stats() }

// Chunk returns a zero-copy view of r.
func (s *Source) Chunk(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	if s.closed.Load() {
		return nil, chunkgo.ErrClosed
	}
	s.counters.Record(1, r.Len())
	return s.view(r)
}

// Chunks returns zero-copy views for every range, positionally
// aligned. All views resolve synchronously; the mapping is already
// resident.
func (s *Source) Chunks(ctx context.Context, ranges []chunkgo.Range) ([]*chunkgo.Chunk, error) {
	if s.closed.Load() {
		return nil, chunkgo.ErrClosed
	}
	chunks := make([]*chunkgo.Chunk, len(ranges))
	for i, r := range ranges {
		s.counters.Record(1, r.Len())
		chunk, err := s.view(r)
		if err != nil {
			return nil, err
		}
		chunks[i] = chunk
	}
	return chunks, nil
}

// Request schedules a fetch on the fallback pool. With zero fallback
// workers the promise is already resolved when Request returns.
func (s *Source) Request(r chunkgo.Range) *chunkgo.Promise {
	if s.closed.Load() {
		return future.Failed[*chunkgo.Chunk](chunkgo.ErrClosed)
	}
	s.counters.Record(1, r.Len())
	return s.pool.Submit(func() (*chunkgo.Chunk, error) {
		return s.view(r)
	})
}

func (s *Source) view(r chunkgo.Range) (*chunkgo.Chunk, error) {
	if !r.Valid() || r.Stop > s.m.Size() {
		return nil, &chunkgo.FetchError{
			Location: s.path,
			Start:    r.Start,
			Stop:     r.Stop,
			Err:      fmt.Errorf("range outside mapped file (size %d)", s.m.Size()),
		}
	}
	data := s.m.Bytes()
	if data == nil && r.Len() > 0 {
		return nil, chunkgo.ErrClosed
	}
	return chunkgo.NewChunk(r, data[r.Start:r.Stop]), nil
}

// Close unmaps the file. Chunks handed out earlier must not be used
// afterwards. Close is idempotent.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := s.pool.Close(ctx)
	if merr := s.m.Close(); merr != nil && err == nil {
		err = merr
	}
	s.logger.Debug("source closed")
	return err
}
