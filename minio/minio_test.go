package minio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chunkgo"
)

var (
	fixture       = []byte("******    ...+++++++!!!!!@@@@@\n")
	fixtureRanges = []chunkgo.Range{
		{Start: 0, Stop: 6},
		{Start: 6, Stop: 10},
		{Start: 10, Stop: 13},
		{Start: 13, Stop: 20},
		{Start: 20, Stop: 25},
		{Start: 25, Stop: 30},
	}
)

// fakeStore is a minimal S3-compatible endpoint serving one object
// with single-range GET support.
func fakeStore(t *testing.T) (*minio.Client, *atomic.Int64) {
	t.Helper()

	var gets atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bucket/data/fixture.bin" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("ETag", `"fixturefixturefixture"`)
		w.Header().Set("Accept-Ranges", "bytes")

		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Content-Length", fmt.Sprint(len(fixture)))
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			gets.Add(1)
			var start, end int64
			if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
				w.Header().Set("Content-Length", fmt.Sprint(len(fixture)))
				w.WriteHeader(http.StatusOK)
				w.Write(fixture)
				return
			}
			if end >= int64(len(fixture)) {
				end = int64(len(fixture)) - 1
			}
			body := fixture[start : end+1]
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(fixture)))
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4("test-access", "test-secret", ""),
		Secure: false,
		Region: "us-east-1",
	})
	require.NoError(t, err)
	return client, &gets
}

func newSource(t *testing.T, opts ...chunkgo.Option) (*Source, *atomic.Int64) {
	t.Helper()
	client, gets := fakeStore(t)
	src, err := NewSource(context.Background(), client, "bucket", "data/fixture.bin", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src, gets
}

func TestNewSource(t *testing.T) {
	src, _ := newSource(t)
	assert.Equal(t, int64(len(fixture)), src.Size())
	assert.Equal(t, "minio://bucket/data/fixture.bin", src.Location())
}

func TestNewSourceMissingObject(t *testing.T) {
	client, _ := fakeStore(t)
	_, err := NewSource(context.Background(), client, "bucket", "missing.bin")
	var ue *chunkgo.UnavailableError
	assert.ErrorAs(t, err, &ue)
}

func TestChunk(t *testing.T) {
	src, _ := newSource(t)

	chunk, err := src.Chunk(context.Background(), chunkgo.Range{Start: 20, Stop: 25})
	require.NoError(t, err)
	assert.Equal(t, []byte("!!!!!"), chunk.Bytes())
}

func TestChunks(t *testing.T) {
	for _, workers := range []int{0, 2} {
		src, gets := newSource(t, chunkgo.WithNumWorkers(workers))

		chunks, err := src.Chunks(context.Background(), fixtureRanges)
		require.NoError(t, err)
		require.Len(t, chunks, len(fixtureRanges))
		for i, r := range fixtureRanges {
			assert.Equal(t, fixture[r.Start:r.Stop], chunks[i].Bytes())
		}
		assert.Equal(t, int64(len(fixtureRanges)), gets.Load())
	}
}

func TestClosed(t *testing.T) {
	src, _ := newSource(t)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	_, err := src.Chunk(context.Background(), fixtureRanges[0])
	assert.ErrorIs(t, err, chunkgo.ErrClosed)
	_, err = src.Chunks(context.Background(), fixtureRanges)
	assert.ErrorIs(t, err, chunkgo.ErrClosed)
}

func TestStats(t *testing.T) {
	src, _ := newSource(t, chunkgo.WithNumWorkers(2))

	_, err := src.Chunks(context.Background(), fixtureRanges)
	require.NoError(t, err)

	stats := src.Stats()
	assert.Equal(t, int64(6), stats.Requests)
	assert.Equal(t, int64(6), stats.RequestedChunks)
	assert.Equal(t, int64(30), stats.RequestedBytes)
}
