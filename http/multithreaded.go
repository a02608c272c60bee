package http

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/chunkgo"
	"github.com/hupe1980/chunkgo/future"
)

// MultithreadedSource fetches every requested range with its own
// ranged GET, distributed across a dedicated worker pool. With zero
// workers each fetch runs inline on the calling goroutine.
type MultithreadedSource struct {
	ranger
	pool     *future.Pool[*chunkgo.Chunk]
	counters chunkgo.Counters

	// lifetime is cancelled by Close so in-flight GETs abort promptly
	// instead of running out their timeout.
	lifetime context.Context
	cancel   context.CancelFunc

	closed atomic.Bool
}

var _ chunkgo.AsyncSource = (*MultithreadedSource)(nil)

// NewMultithreadedSource opens url for per-range GETs. The resource is
// probed with a HEAD request; an unreachable target fails here, never
// at the first fetch.
func NewMultithreadedSource(ctx context.Context, url string, opts ...chunkgo.Option) (*MultithreadedSource, error) {
	o := chunkgo.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	client := o.HTTPClient
	if client == nil {
		client = defaultClient()
	}

	s := &MultithreadedSource{
		ranger: ranger{
			url:     url,
			client:  client,
			limiter: o.RateLimit,
			timeout: o.Timeout,
			logger:  o.Logger.WithLocation(url),
			size:    -1,
		},
		pool: future.NewPool[*chunkgo.Chunk](o.NumWorkers),
	}
	s.lifetime, s.cancel = context.WithCancel(context.Background())
	if err := s.head(ctx); err != nil {
		s.cancel()
		s.pool.Close(ctx)
		return nil, err
	}
	s.logger.Debug("source opened", "size", s.size, "workers", o.NumWorkers)
	return s, nil
}

// Location returns the resource URL.
func (s *MultithreadedSource) Location() string { return s.url }

// Size returns the resource size as reported at open time, or -1 when
// unknown.
func (s *MultithreadedSource) Size() int64 { return s.size }

// Stats returns the source's running request counters.
func (s *MultithreadedSource) Stats() chunkgo.Stats { return s.counters.Stats() }

// Request schedules a ranged GET for r and returns its promise.
func (s *MultithreadedSource) Request(r chunkgo.Range) *chunkgo.Promise {
	if s.closed.Load() {
		return future.Failed[*chunkgo.Chunk](chunkgo.ErrClosed)
	}
	s.counters.Record(1, r.Len())
	return s.pool.Submit(func() (*chunkgo.Chunk, error) {
		return s.get(s.lifetime, r)
	})
}

// Chunk fetches a single range, blocking until the response arrives.
func (s *MultithreadedSource) Chunk(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	return s.Request(r).Await(ctx)
}

// Chunks issues one ranged GET per range across the worker pool.
// Results align positionally with ranges regardless of completion
// order.
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

// Close stops the worker pool; pending requests resolve with
// ErrCancelled. Close is idempotent.
func (s *MultithreadedSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := s.pool.Close(ctx)
	s.client.CloseIdleConnections()
	s.logger.Debug("source closed")
	return err
}
