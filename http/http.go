// Package http implements chunkgo sources over HTTP range requests.
//
// Two strategies share one external contract. MultithreadedSource
// issues an independent ranged GET per requested range, distributed
// across a worker pool. Source combines a whole batch into a single
// request with a multi-range Range header and demultiplexes the
// multipart/byteranges response; when a server turns out not to
// support that, it falls back to per-range GETs bounded by the
// fallback worker count.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hupe1980/chunkgo"
	"golang.org/x/time/rate"
)

func init() {
	open := func(ctx context.Context, location string, opts ...chunkgo.Option) (chunkgo.Source, error) {
		return NewSource(ctx, location, opts...)
	}
	chunkgo.Register("http", open)
	chunkgo.Register("https", open)
}

// defaultClient returns an HTTP client tuned for ranged reads of large
// binary files.
func defaultClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 32,
			MaxIdleConns:        64,
			IdleConnTimeout:     90 * time.Second,
			// Raw bytes only; transparent gzip would break ranges.
			DisableCompression: true,
		},
	}
}

// ranger holds what both source variants need to issue ranged GETs.
type ranger struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *chunkgo.Logger
	size    int64 // -1 when the server did not report a length
}

// head eagerly verifies the resource is reachable and records its
// size. Called once at open time.
func (g *ranger) head(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.url, nil)
	if err != nil {
		return &chunkgo.UnavailableError{Location: g.url, Err: err}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return &chunkgo.UnavailableError{Location: g.url, Err: timeoutErr(err)}
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &chunkgo.UnavailableError{
			Location: g.url,
			Err:      fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	g.size = resp.ContentLength
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		g.logger.Warn("server does not advertise range support")
	}
	return nil
}

// get fetches a single range with one ranged GET. The returned chunk
// holds exactly r.Len() bytes.
func (g *ranger) get(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, g.fetchErr(r, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return nil, g.fetchErr(r, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Start, r.Stop-1))

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, g.fetchErr(r, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Range") == "" {
			return nil, &chunkgo.ProtocolError{
				Location: g.url,
				Reason:   "server ignored the Range header and returned the entire resource",
			}
		}
		return nil, g.fetchErr(r, fmt.Errorf("unexpected status %s for range request", resp.Status))
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		start, stop, err := parseContentRange(cr)
		if err != nil {
			return nil, &chunkgo.ProtocolError{Location: g.url, Reason: err.Error()}
		}
		if start != r.Start || stop != r.Stop {
			return nil, g.fetchErr(r, fmt.Errorf("response covers [%d, %d), requested [%d, %d)", start, stop, r.Start, r.Stop))
		}
	}
	if resp.ContentLength >= 0 && resp.ContentLength != r.Len() {
		return nil, g.fetchErr(r, fmt.Errorf("response carries %d bytes, requested %d", resp.ContentLength, r.Len()))
	}

	buf := make([]byte, r.Len())
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, g.fetchErr(r, fmt.Errorf("short response: %w", err))
	}
	// Responses without a declared length can still oversupply.
	var extra [1]byte
	if _, err := io.ReadFull(resp.Body, extra[:]); err == nil {
		return nil, g.fetchErr(r, fmt.Errorf("response longer than the requested %d bytes", r.Len()))
	}
	return chunkgo.NewChunk(r, buf), nil
}

func (g *ranger) fetchErr(r chunkgo.Range, err error) error {
	return &chunkgo.FetchError{Location: g.url, Start: r.Start, Stop: r.Stop, Err: timeoutErr(err)}
}

// timeoutErr rewrites deadline expirations so callers can match them
// with errors.Is(err, chunkgo.ErrTimeout).
func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", chunkgo.ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", chunkgo.ErrTimeout, err)
	}
	return err
}

// rangeHeader renders a (possibly multi-range) Range header value.
func rangeHeader(ranges []chunkgo.Range) string {
	var sb strings.Builder
	sb.WriteString("bytes=")
	for i, r := range ranges {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d-%d", r.Start, r.Stop-1)
	}
	return sb.String()
}
