// Package minio implements a chunkgo source for MinIO and other
// S3-compatible object stores, using ranged GetObject reads.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hupe1980/chunkgo"
	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"
)

// Source serves byte ranges from one object in an S3-compatible
// store.
type Source struct {
	client *minio.Client
	bucket string
	key    string
	size   int64

	workers  int
	timeout  time.Duration
	counters chunkgo.Counters
	logger   *chunkgo.Logger
	closed   atomic.Bool
}

var _ chunkgo.Source = (*Source)(nil)

// NewSource opens bucket/key for ranged reads. The object is verified
// with StatObject; a missing object fails here with an
// UnavailableError.
func NewSource(ctx context.Context, client *minio.Client, bucket, key string, opts ...chunkgo.Option) (*Source, error) {
	o := chunkgo.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	location := fmt.Sprintf("minio://%s/%s", bucket, key)

	sctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	info, err := client.StatObject(sctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, &chunkgo.UnavailableError{Location: location, Err: err}
	}

	s := &Source{
		client:  client,
		bucket:  bucket,
		key:     key,
		size:    info.Size,
		workers: o.NumWorkers,
		timeout: o.Timeout,
		logger:  o.Logger.WithLocation(location),
	}
	s.logger.Debug("source opened", "size", s.size, "workers", o.NumWorkers)
	return s, nil
}

// Location returns the minio://bucket/key identity of the object.
func (s *Source) Location() string { return fmt.Sprintf("minio://%s/%s", s.bucket, s.key) }

// Size returns the object size in bytes.
func (s *Source) Size() int64 { return s.size }

// Stats returns the source's running request counters.
func (s *Source) Stats() chunkgo.Stats { return s.counters.Stats() }

// Chunk fetches a single range with one ranged GetObject.
func (s *Source) Chunk(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	if s.closed.Load() {
		return nil, chunkgo.ErrClosed
	}
	s.counters.Record(1, r.Len())
	return s.get(ctx, r)
}

// Chunks fetches all ranges, at most NumWorkers GETs in flight at
// once (sequential when zero). Results align positionally with
// ranges.
func (s *Source) Chunks(ctx context.Context, ranges []chunkgo.Range) ([]*chunkgo.Chunk, error) {
	if s.closed.Load() {
		return nil, chunkgo.ErrClosed
	}
	chunks := make([]*chunkgo.Chunk, len(ranges))

	if s.workers <= 0 {
		for i, r := range ranges {
			s.counters.Record(1, r.Len())
			chunk, err := s.get(ctx, r)
			if err != nil {
				return nil, err
			}
			chunks[i] = chunk
		}
		return chunks, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, r := range ranges {
		i, r := i, r
		s.counters.Record(1, r.Len())
		g.Go(func() error {
			chunk, err := s.get(gctx, r)
			if err != nil {
				return err
			}
			chunks[i] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *Source) get(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	getOpts := minio.GetObjectOptions{}
	if err := getOpts.SetRange(r.Start, r.Stop-1); err != nil {
		return nil, s.fetchErr(r, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key, getOpts)
	if err != nil {
		return nil, s.fetchErr(r, err)
	}
	defer obj.Close()

	buf := make([]byte, r.Len())
	if _, err := io.ReadFull(obj, buf); err != nil {
		return nil, s.fetchErr(r, fmt.Errorf("short response: %w", err))
	}
	return chunkgo.NewChunk(r, buf), nil
}

func (s *Source) fetchErr(r chunkgo.Range, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", chunkgo.ErrTimeout, err)
	}
	return &chunkgo.FetchError{Location: s.Location(), Start: r.Start, Stop: r.Stop, Err: err}
}

// Close marks the source closed. The underlying client is owned by
// the caller and stays open. Close is idempotent.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Debug("source closed")
	return nil
}
