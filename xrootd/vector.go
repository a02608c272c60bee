package xrootd

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/chunkgo"
	"github.com/hupe1980/chunkgo/future"
	"github.com/hupe1980/chunkgo/internal/xrdproto"
)

// Source fetches batches of ranges with vector reads: one protocol
// round trip covers many ranges. MaxNumElements bounds the element
// count per request; larger batches are split transparently and the
// final results keep the caller's order.
//
// A length mismatch on one element fails only that element's promise;
// the other elements of the same vector response stay usable.
type Source struct {
	*remote
	maxElements int
	counters    chunkgo.Counters
	closed      atomic.Bool
}

var _ chunkgo.Source = (*Source)(nil)

// NewSource connects to the server named by the root:// URL and opens
// the remote file for vector reads.
func NewSource(ctx context.Context, location string, opts ...chunkgo.Option) (*Source, error) {
	o := chunkgo.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	rm, err := dial(ctx, location, o)
	if err != nil {
		return nil, err
	}

	s := &Source{remote: rm, maxElements: o.MaxNumElements}
	rm.logger.Debug("source opened", "size", rm.file.Size(), "max_num_elements", o.MaxNumElements)
	return s, nil
}

// Location returns the root:// URL.
func (s *Source) Location() string { return s.location }

// Size returns the remote file size, or -1 when the server did not
// report one.
func (s *Source) Size() int64 { return s.file.Size() }

// Stats returns the source's running request counters.
func (s *Source) Stats() chunkgo.Stats { return s.counters.Stats() }

// Chunk fetches a single range with one positioned read.
func (s *Source) Chunk(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	if s.closed.Load() {
		return nil, chunkgo.ErrClosed
	}
	s.counters.Record(1, r.Len())
	return s.read(r)
}

// Requests schedules all ranges across as few vector reads as the
// element cap allows and returns one promise per range, positionally
// aligned. Batches go out in parallel.
func (s *Source) Requests(ranges []chunkgo.Range) []*chunkgo.Promise {
	promises := make([]*chunkgo.Promise, len(ranges))
	if s.closed.Load() {
		for i := range promises {
			promises[i] = future.Failed[*chunkgo.Chunk](chunkgo.ErrClosed)
		}
		return promises
	}

	resolvers := make([]func(*chunkgo.Chunk, error), len(ranges))
	for i := range ranges {
		promises[i], resolvers[i] = future.New[*chunkgo.Chunk]()
	}

	next := 0
	for _, batch := range splitRanges(ranges, s.maxElements) {
		batchStart := next
		next += len(batch)
		go s.vectorRead(batch, resolvers[batchStart:batchStart+len(batch)])
	}
	return promises
}

// Chunks fetches all ranges via vector reads. Results align
// positionally with ranges. The first failed element reports its
// error.
func (s *Source) Chunks(ctx context.Context, ranges []chunkgo.Range) ([]*chunkgo.Chunk, error) {
	promises := s.Requests(ranges)
	chunks := make([]*chunkgo.Chunk, len(ranges))
	var firstErr error
	for i, p := range promises {
		chunk, err := p.Await(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		chunks[i] = chunk
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return chunks, nil
}

// vectorRead performs one kXR_readv round trip and resolves each
// element's promise individually.
func (s *Source) vectorRead(batch []chunkgo.Range, resolve []func(*chunkgo.Chunk, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var total int64
	elems := make([]xrdproto.VectorElem, len(batch))
	for i, r := range batch {
		elems[i] = xrdproto.VectorElem{Offset: r.Start, Len: int32(r.Len())}
		total += r.Len()
	}
	s.counters.Record(len(batch), total)

	results, err := s.file.VectorRead(ctx, elems)
	if err != nil {
		// The whole round trip failed; every element reports it.
		for i, r := range batch {
			resolve[i](nil, s.fetchErr(r, err))
		}
		return
	}

	for i, r := range batch {
		data := results[i]
		switch {
		case data == nil:
			resolve[i](nil, s.fetchErr(r, fmt.Errorf("server did not answer this element")))
		case int64(len(data)) != r.Len():
			resolve[i](nil, s.fetchErr(r, fmt.Errorf("server returned %d of %d bytes", len(data), r.Len())))
		default:
			resolve[i](chunkgo.NewChunk(r, data), nil)
		}
	}
}

// Close releases the remote handle and the connection. Close is
// idempotent.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.close()
}
