package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/chunkgo"
	"golang.org/x/sync/errgroup"
)

// Source fetches batches of ranges with a single multi-range request
// and demultiplexes the multipart/byteranges response.
//
// The network call is single-shot; NumFallbackWorkers only bounds the
// per-range GETs the source degrades to once a server turns out not to
// honor multi-range requests. That degradation is sticky for the
// lifetime of the source.
type Source struct {
	ranger
	fallbackWorkers int
	fallback        atomic.Bool
	counters        chunkgo.Counters
	closed          atomic.Bool
}

var _ chunkgo.Source = (*Source)(nil)

// NewSource opens url for multi-range requests. The resource is probed
// with a HEAD request; an unreachable target fails here.
func NewSource(ctx context.Context, url string, opts ...chunkgo.Option) (*Source, error) {
	o := chunkgo.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	client := o.HTTPClient
	if client == nil {
		client = defaultClient()
	}

	s := &Source{
		ranger: ranger{
			url:     url,
			client:  client,
			limiter: o.RateLimit,
			timeout: o.Timeout,
			logger:  o.Logger.WithLocation(url),
			size:    -1,
		},
		fallbackWorkers: o.NumFallbackWorkers,
	}
	if err := s.head(ctx); err != nil {
		return nil, err
	}
	s.logger.Debug("source opened", "size", s.size, "fallback_workers", o.NumFallbackWorkers)
	return s, nil
}

// Location returns the resource URL.
func (s *Source) Location() string { return s.url }

// Size returns the resource size as reported at open time, or -1 when
// unknown.
func (s *Source) Size() int64 { return s.size }

// Stats returns the source's running request counters.
func (s *Source) Stats() chunkgo.Stats { return s.counters.Stats() }

// Chunk fetches a single range with one ranged GET.
func (s *Source) Chunk(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	if s.closed.Load() {
		return nil, chunkgo.ErrClosed
	}
	s.counters.Record(1, r.Len())
	return s.get(ctx, r)
}

// Chunks fetches all ranges in a single multi-range request. Results
// align positionally with ranges. If the server does not support
// multipart ranges, the batch is retried as individual ranged GETs and
// all later batches skip the multipart attempt.
func (s *Source) Chunks(ctx context.Context, ranges []chunkgo.Range) ([]*chunkgo.Chunk, error) {
	if s.closed.Load() {
		return nil, chunkgo.ErrClosed
	}
	if len(ranges) == 0 {
		return nil, nil
	}
	if len(ranges) == 1 {
		chunk, err := s.Chunk(ctx, ranges[0])
		if err != nil {
			return nil, err
		}
		return []*chunkgo.Chunk{chunk}, nil
	}
	if s.fallback.Load() {
		return s.multiGet(ctx, ranges)
	}

	chunks, err := s.multipart(ctx, ranges)
	var perr *chunkgo.ProtocolError
	if errors.As(err, &perr) {
		s.logger.Warn("multipart ranges unsupported, falling back to per-range requests", "reason", perr.Reason)
		s.fallback.Store(true)
		return s.multiGet(ctx, ranges)
	}
	return chunks, err
}

func (s *Source) multipart(ctx context.Context, ranges []chunkgo.Range) ([]*chunkgo.Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, s.fetchErr(ranges[0], err)
		}
	}

	var total int64
	for _, r := range ranges {
		total += r.Len()
	}
	s.counters.Record(len(ranges), total)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, s.fetchErr(ranges[0], err)
	}
	req.Header.Set("Range", rangeHeader(ranges))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.fetchErr(ranges[0], err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK {
			return nil, &chunkgo.ProtocolError{
				Location: s.url,
				Reason:   "server returned the entire resource for a multi-range request",
			}
		}
		return nil, s.fetchErr(ranges[0], fmt.Errorf("unexpected status %s", resp.Status))
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/byteranges" {
		return nil, &chunkgo.ProtocolError{
			Location: s.url,
			Reason:   fmt.Sprintf("expected multipart/byteranges response, got %q", resp.Header.Get("Content-Type")),
		}
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	chunks := make([]*chunkgo.Chunk, 0, len(ranges))
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &chunkgo.ProtocolError{Location: s.url, Reason: fmt.Sprintf("malformed multipart response: %v", err)}
		}
		if i >= len(ranges) {
			part.Close()
			return nil, &chunkgo.ProtocolError{Location: s.url, Reason: "more parts than requested ranges"}
		}

		want := ranges[i]
		start, stop, err := parseContentRange(part.Header.Get("Content-Range"))
		if err != nil {
			part.Close()
			return nil, &chunkgo.ProtocolError{Location: s.url, Reason: err.Error()}
		}
		if start != want.Start || stop != want.Stop {
			part.Close()
			return nil, &chunkgo.ProtocolError{
				Location: s.url,
				Reason:   fmt.Sprintf("part %d covers [%d, %d), requested %v", i, start, stop, want),
			}
		}

		buf := make([]byte, want.Len())
		if _, err := io.ReadFull(part, buf); err != nil {
			part.Close()
			return nil, s.fetchErr(want, fmt.Errorf("short part: %w", err))
		}
		var extra [1]byte
		if _, err := io.ReadFull(part, extra[:]); err == nil {
			part.Close()
			return nil, s.fetchErr(want, fmt.Errorf("part %d longer than its declared range", i))
		}
		part.Close()
		chunks = append(chunks, chunkgo.NewChunk(want, buf))
	}

	if len(chunks) != len(ranges) {
		return nil, &chunkgo.ProtocolError{
			Location: s.url,
			Reason:   fmt.Sprintf("response carried %d parts for %d requested ranges", len(chunks), len(ranges)),
		}
	}
	return chunks, nil
}

// multiGet fetches every range with its own GET, at most
// fallbackWorkers in flight at once.
func (s *Source) multiGet(ctx context.Context, ranges []chunkgo.Range) ([]*chunkgo.Chunk, error) {
	chunks := make([]*chunkgo.Chunk, len(ranges))

	if s.fallbackWorkers <= 0 {
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
	g.SetLimit(s.fallbackWorkers)
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

// Close releases idle connections. Close is idempotent.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.client.CloseIdleConnections()
	s.logger.Debug("source closed")
	return nil
}

// parseContentRange extracts the half-open byte range from a
// Content-Range header of the form "bytes start-end/total".
func parseContentRange(header string) (start, stop int64, err error) {
	value, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	spec, _, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range %q: %v", header, err)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range %q: %v", header, err)
	}
	return start, end + 1, nil
}
