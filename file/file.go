// Package file implements a chunkgo source backed by synchronous
// positioned reads against a local file.
//
// With zero workers every fetch seeks and reads inline on the calling
// goroutine. With workers, each range becomes an independent task on a
// dedicated pool; reads use pread-style ReadAt, so concurrent workers
// never race on a shared cursor position.
package file

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hupe1980/chunkgo"
	"github.com/hupe1980/chunkgo/future"
)

func init() {
	chunkgo.Register("file", func(ctx context.Context, location string, opts ...chunkgo.Option) (chunkgo.Source, error) {
		return NewSource(pathOf(location), opts...)
	})
}

// pathOf strips an optional file:// prefix from a location.
func pathOf(location string) string {
	if !strings.HasPrefix(location, "file://") {
		return location
	}
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	return u.Path
}

// Source serves byte ranges from a local file.
type Source struct {
	path string
	f    *os.File
	size int64

	pool     *future.Pool[*chunkgo.Chunk]
	counters chunkgo.Counters
	logger   *chunkgo.Logger
	timeout  time.Duration
	closed   atomic.Bool
}

var _ chunkgo.AsyncSource = (*Source)(nil)

// NewSource opens path for ranged reads. Opening fails immediately
// with an UnavailableError if the file does not exist or cannot be
// read.
func NewSource(path string, opts ...chunkgo.Option) (*Source, error) {
	o := chunkgo.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &chunkgo.UnavailableError{Location: path, Err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &chunkgo.UnavailableError{Location: path, Err: err}
	}

	s := &Source{
		path:    path,
		f:       f,
		size:    fi.Size(),
		pool:    future.NewPool[*chunkgo.Chunk](o.NumWorkers),
		logger:  o.Logger.WithLocation(path),
		timeout: o.Timeout,
	}
	s.logger.Debug("source opened", "size", s.size, "workers", o.NumWorkers)
	return s, nil
}

// Location returns the file path.
func (s *Source) Location() string { return s.path }

// Size returns the file size in bytes.
func (s *Source) Size() int64 { return s.size }

// Stats returns the source's running request counters.
func (s *Source) Stats() chunkgo.Stats { return s.counters.Stats() }

// Request schedules a fetch of r and returns its promise.
func (s *Source) Request(r chunkgo.Range) *chunkgo.Promise {
	if s.closed.Load() {
		return future.Failed[*chunkgo.Chunk](chunkgo.ErrClosed)
	}
	s.counters.Record(1, r.Len())
	return s.pool.Submit(func() (*chunkgo.Chunk, error) {
		return s.read(r)
	})
}

// Chunk fetches a single byte range, blocking until the bytes are
// available.
func (s *Source) Chunk(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	return s.Request(r).Await(ctx)
}

// Chunks fetches a batch of ranges, one positioned read per range,
// parallelized across the worker pool. Results align positionally with
// ranges.
func (s *Source) Chunks(ctx context.Context, ranges []chunkgo.Range) ([]*chunkgo.Chunk, error) {
	promises := make([]*chunkgo.Promise, len(ranges))
	for i, r := range ranges {
		promises[i] = s.Request(r)
	}
	chunks := make([]*chunkgo.Chunk, len(ranges))
	for i, p := range promises {
		chunk, err := p.Await(ctx)
		if err != nil {
			return nil, err
		}
		chunks[i] = chunk
	}
	return chunks, nil
}

func (s *Source) read(r chunkgo.Range) (*chunkgo.Chunk, error) {
	if !r.Valid() {
		return nil, &chunkgo.FetchError{Location: s.path, Start: r.Start, Stop: r.Stop, Err: fmt.Errorf("invalid range")}
	}
	buf := make([]byte, r.Len())
	if err := readAt(s.f, buf, r.Start); err != nil {
		if err == io.EOF {
			err = fmt.Errorf("range beyond end of file (size %d): %w", s.size, io.ErrUnexpectedEOF)
		}
		return nil, &chunkgo.FetchError{Location: s.path, Start: r.Start, Stop: r.Stop, Err: err}
	}
	return chunkgo.NewChunk(r, buf), nil
}

// readAt fills buf from ra at off. io.ReaderAt permits returning
// io.EOF alongside a full read when the range ends exactly at the end
// of the data; that outcome is a success.
func readAt(ra io.ReaderAt, buf []byte, off int64) error {
	n, err := ra.ReadAt(buf, off)
	if err == io.EOF && n == len(buf) {
		return nil
	}
	return err
}

// Close releases the file handle and stops the worker pool. Pending
// requests resolve with ErrCancelled. Close is idempotent.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := s.pool.Close(ctx)
	if cerr := s.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.logger.Debug("source closed")
	return err
}
