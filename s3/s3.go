// Package s3 implements a chunkgo source over ranged S3 GetObject
// calls. Every requested range becomes one GET with a Range header;
// batches fan out across a bounded number of concurrent requests.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hupe1980/chunkgo"
	"golang.org/x/sync/errgroup"
)

func init() {
	chunkgo.Register("s3", func(ctx context.Context, location string, opts ...chunkgo.Option) (chunkgo.Source, error) {
		bucket, key, err := parseURL(location)
		if err != nil {
			return nil, &chunkgo.UnavailableError{Location: location, Err: err}
		}
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, &chunkgo.UnavailableError{Location: location, Err: err}
		}
		return NewSource(ctx, s3.NewFromConfig(cfg), bucket, key, opts...)
	})
}

// parseURL splits an s3://bucket/key URL.
func parseURL(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", err
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3: malformed URL %q, want s3://bucket/key", location)
	}
	return u.Host, key, nil
}

// Client is the subset of the S3 API the source uses. *s3.Client
// satisfies it.
type Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source serves byte ranges from one S3 object.
type Source struct {
	client Client
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

// NewSource opens s3://bucket/key for ranged reads. The object is
// verified with HeadObject; a missing object fails here with an
// UnavailableError.
func NewSource(ctx context.Context, client Client, bucket, key string, opts ...chunkgo.Option) (*Source, error) {
	o := chunkgo.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	location := fmt.Sprintf("s3://%s/%s", bucket, key)

	hctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	head, err := client.HeadObject(hctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			err = fmt.Errorf("no such object: %w", err)
		}
		return nil, &chunkgo.UnavailableError{Location: location, Err: err}
	}

	s := &Source{
		client:  client,
		bucket:  bucket,
		key:     key,
		size:    aws.ToInt64(head.ContentLength),
		workers: o.NumWorkers,
		timeout: o.Timeout,
		logger:  o.Logger.WithLocation(location),
	}
	s.logger.Debug("source opened", "size", s.size, "workers", o.NumWorkers)
	return s, nil
}

// Location returns the s3://bucket/key URL.
func (s *Source) Location() string { return fmt.Sprintf("s3://%s/%s", s.bucket, s.key) }

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

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", r.Start, r.Stop-1)),
	})
	if err != nil {
		return nil, s.fetchErr(r, err)
	}
	defer resp.Body.Close()

	buf := make([]byte, r.Len())
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
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

// Close marks the source closed. The underlying SDK client is owned by
// the caller and stays open. Close is idempotent.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Debug("source closed")
	return nil
}
