package xrootd

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/chunkgo"
	"github.com/hupe1980/chunkgo/future"
	"golang.org/x/sync/semaphore"
)

// MultithreadedSource issues concurrent positioned reads against one
// open remote file, at most NumWorkers in flight at a time. With zero
// workers reads run sequentially on the calling goroutine.
type MultithreadedSource struct {
	*remote
	sem      *semaphore.Weighted // nil when workers == 0
	counters chunkgo.Counters
	closed   atomic.Bool
}

var _ chunkgo.AsyncSource = (*MultithreadedSource)(nil)

// NewMultithreadedSource connects to the server named by the
// root:// URL and opens the remote file. An unreachable server or
// missing file fails here, never at the first fetch.
func NewMultithreadedSource(ctx context.Context, location string, opts ...chunkgo.Option) (*MultithreadedSource, error) {
	o := chunkgo.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	rm, err := dial(ctx, location, o)
	if err != nil {
		return nil, err
	}

	s := &MultithreadedSource{remote: rm}
	if o.NumWorkers > 0 {
		s.sem = semaphore.NewWeighted(int64(o.NumWorkers))
	}
	rm.logger.Debug("source opened", "size", rm.file.Size(), "workers", o.NumWorkers)
	return s, nil
}

// Location returns the root:// URL.
func (s *MultithreadedSource) Location() string { return s.location }

// Size returns the remote file size, or -1 when the server did not
// report one.
func (s *MultithreadedSource) Size() int64 { return s.file.Size() }

// Stats returns the source's running request counters.
func (s *MultithreadedSource) Stats() chunkgo.Stats { return s.counters.Stats() }

// Request schedules a positioned read of r and returns its promise.
func (s *MultithreadedSource) Request(r chunkgo.Range) *chunkgo.Promise {
	if s.closed.Load() {
		return future.Failed[*chunkgo.Chunk](chunkgo.ErrClosed)
	}
	s.counters.Record(1, r.Len())

	if s.sem == nil {
		chunk, err := s.read(r)
		if err != nil {
			return future.Failed[*chunkgo.Chunk](err)
		}
		return future.Resolved(chunk)
	}

	return future.Go(func() (*chunkgo.Chunk, error) {
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			return nil, err
		}
		defer s.sem.Release(1)
		return s.read(r)
	})
}

// Chunk fetches a single range, blocking until the read completes.
func (s *MultithreadedSource) Chunk(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	return s.Request(r).Await(ctx)
}

// Chunks issues one positioned read per range, bounded by the worker
// count. Results align positionally with ranges.
func (s *MultithreadedSource) Chunks(ctx context.Context, ranges []chunkgo.Range) ([]*chunkgo.Chunk, error) {
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

// Close releases the remote handle and the connection. Close is
// idempotent.
func (s *MultithreadedSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.close()
}
