// Package xrootd implements chunkgo sources over the XRootD remote-I/O
// protocol.
//
// MultithreadedSource opens the remote file once and issues up to
// NumWorkers concurrent positioned reads against the one handle; the
// protocol multiplexes them on a single connection. Source batches
// many ranges into single vector-read round trips, split so that no
// request carries more than MaxNumElements ranges.
package xrootd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hupe1980/chunkgo"
	"github.com/hupe1980/chunkgo/internal/xrdproto"
)

func init() {
	open := func(ctx context.Context, location string, opts ...chunkgo.Option) (chunkgo.Source, error) {
		return NewSource(ctx, location, opts...)
	}
	chunkgo.Register("root", open)
}

// username is the login name sent to servers; anonymous read-only
// access does not check it.
const username = "chunkgo"

// parseURL splits a root://host[:port]//path URL into dial address and
// server-side path.
func parseURL(location string) (addr, path string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("xrootd: malformed URL %q: %w", location, err)
	}
	if u.Scheme != "root" {
		return "", "", fmt.Errorf("xrootd: unsupported scheme %q", u.Scheme)
	}
	path = u.Path
	// root URLs double the slash between authority and an absolute
	// path: root://host//eos/file means /eos/file on the server.
	if strings.HasPrefix(path, "//") {
		path = path[1:]
	}
	if path == "" {
		return "", "", fmt.Errorf("xrootd: missing file path in %q", location)
	}
	return u.Host, path, nil
}

// remote is the shared connection state of both source variants.
type remote struct {
	location string
	client   *xrdproto.Client
	file     *xrdproto.File
	timeout  time.Duration
	logger   *chunkgo.Logger
}

func dial(ctx context.Context, location string, o chunkgo.Options) (*remote, error) {
	addr, path, err := parseURL(location)
	if err != nil {
		return nil, &chunkgo.UnavailableError{Location: location, Err: err}
	}

	client, err := xrdproto.Dial(ctx, addr, username, o.Timeout)
	if err != nil {
		return nil, &chunkgo.UnavailableError{Location: location, Err: timeoutErr(err)}
	}

	file, err := client.Open(ctx, path)
	if err != nil {
		client.Close()
		return nil, &chunkgo.UnavailableError{Location: location, Err: timeoutErr(err)}
	}

	return &remote{
		location: location,
		client:   client,
		file:     file,
		timeout:  o.Timeout,
		logger:   o.Logger.WithLocation(location),
	}, nil
}

// read fetches one exact range with a single positioned read.
func (rm *remote) read(r chunkgo.Range) (*chunkgo.Chunk, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rm.timeout)
	defer cancel()

	buf := make([]byte, r.Len())
	n, err := rm.file.ReadAt(ctx, buf, r.Start)
	if err != nil {
		return nil, rm.fetchErr(r, err)
	}
	if int64(n) != r.Len() {
		return nil, rm.fetchErr(r, fmt.Errorf("server returned %d of %d bytes", n, r.Len()))
	}
	return chunkgo.NewChunk(r, buf), nil
}

func (rm *remote) fetchErr(r chunkgo.Range, err error) error {
	return &chunkgo.FetchError{Location: rm.location, Start: r.Start, Stop: r.Stop, Err: timeoutErr(err)}
}

func (rm *remote) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), rm.timeout)
	defer cancel()
	err := rm.file.Close(ctx)
	if cerr := rm.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	rm.logger.Debug("source closed")
	return err
}

func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", chunkgo.ErrTimeout, err)
	}
	return err
}

// splitRanges cuts ranges into batches of at most max elements each,
// preserving order. max <= 0 means a single batch carrying everything.
func splitRanges(ranges []chunkgo.Range, max int) [][]chunkgo.Range {
	if len(ranges) == 0 {
		return nil
	}
	if max <= 0 || len(ranges) <= max {
		return [][]chunkgo.Range{ranges}
	}
	batches := make([][]chunkgo.Range, 0, (len(ranges)+max-1)/max)
	for start := 0; start < len(ranges); start += max {
		stop := start + max
		if stop > len(ranges) {
			stop = len(ranges)
		}
		batches = append(batches, ranges[start:stop])
	}
	return batches
}
