package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

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

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.bin")
	require.NoError(t, os.WriteFile(path, fixture, 0o600))
	return path
}

func TestChunks(t *testing.T) {
	for _, workers := range []int{0, 1, 2} {
		t.Run(map[int]string{0: "inline", 1: "one-worker", 2: "two-workers"}[workers], func(t *testing.T) {
			src, err := NewSource(writeFixture(t), chunkgo.WithNumWorkers(workers))
			require.NoError(t, err)
			defer src.Close()

			chunks, err := src.Chunks(context.Background(), fixtureRanges)
			require.NoError(t, err)
			require.Len(t, chunks, len(fixtureRanges))
			for i, r := range fixtureRanges {
				assert.Equal(t, r, chunks[i].Range())
				assert.Equal(t, fixture[r.Start:r.Stop], chunks[i].Bytes())
			}
		})
	}
}

func TestChunk(t *testing.T) {
	src, err := NewSource(writeFixture(t))
	require.NoError(t, err)
	defer src.Close()

	chunk, err := src.Chunk(context.Background(), chunkgo.Range{Start: 13, Stop: 20})
	require.NoError(t, err)
	assert.Equal(t, []byte("+++++++"), chunk.Bytes())
	assert.Equal(t, int64(31), src.Size())
}

func TestRequest(t *testing.T) {
	src, err := NewSource(writeFixture(t), chunkgo.WithNumWorkers(2))
	require.NoError(t, err)
	defer src.Close()

	p := src.Request(chunkgo.Range{Start: 25, Stop: 30})
	chunk, err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("@@@@@"), chunk.Bytes())
}

// eofReaderAt mimics io.ReaderAt implementations that return io.EOF
// together with a full read when the range ends exactly at the end of
// the data.
type eofReaderAt struct{ data []byte }

func (ra eofReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(ra.data)) {
		return 0, io.EOF
	}
	n := copy(p, ra.data[off:])
	if off+int64(n) == int64(len(ra.data)) {
		return n, io.EOF
	}
	return n, nil
}

func TestReadAtFullReadWithEOF(t *testing.T) {
	ra := eofReaderAt{data: fixture}

	// A full read of the file's tail is a success even when the reader
	// reports io.EOF alongside it.
	buf := make([]byte, 6)
	require.NoError(t, readAt(ra, buf, int64(len(fixture))-6))
	assert.Equal(t, fixture[len(fixture)-6:], buf)

	// A genuinely short read still fails.
	buf = make([]byte, 10)
	assert.ErrorIs(t, readAt(ra, buf, int64(len(fixture))-3), io.EOF)
}

func TestChunkEndingAtEOF(t *testing.T) {
	src, err := NewSource(writeFixture(t))
	require.NoError(t, err)
	defer src.Close()

	r := chunkgo.Range{Start: int64(len(fixture)) - 6, Stop: int64(len(fixture))}
	chunk, err := src.Chunk(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, fixture[r.Start:r.Stop], chunk.Bytes())
}

func TestMissingFile(t *testing.T) {
	_, err := NewSource(filepath.Join(t.TempDir(), "missing.bin"))
	var ue *chunkgo.UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRangeBeyondEOF(t *testing.T) {
	src, err := NewSource(writeFixture(t))
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Chunk(context.Background(), chunkgo.Range{Start: 28, Stop: 40})
	var fe *chunkgo.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(28), fe.Start)
	assert.Equal(t, int64(40), fe.Stop)
}

func TestInvalidRange(t *testing.T) {
	src, err := NewSource(writeFixture(t))
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Chunk(context.Background(), chunkgo.Range{Start: 10, Stop: 4})
	var fe *chunkgo.FetchError
	assert.ErrorAs(t, err, &fe)
}

func TestClosed(t *testing.T) {
	src, err := NewSource(writeFixture(t))
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	_, err = src.Chunk(context.Background(), chunkgo.Range{Start: 0, Stop: 6})
	assert.ErrorIs(t, err, chunkgo.ErrClosed)
}

func TestStats(t *testing.T) {
	src, err := NewSource(writeFixture(t), chunkgo.WithNumWorkers(2))
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Chunks(context.Background(), fixtureRanges)
	require.NoError(t, err)

	stats := src.Stats()
	assert.Equal(t, int64(len(fixtureRanges)), stats.Requests)
	assert.Equal(t, int64(len(fixtureRanges)), stats.RequestedChunks)
	assert.Equal(t, int64(30), stats.RequestedBytes)
}

func TestOpenViaRegistry(t *testing.T) {
	path := writeFixture(t)
	src, err := chunkgo.Open(context.Background(), path)
	require.NoError(t, err)
	defer src.Close()

	chunk, err := src.Chunk(context.Background(), chunkgo.Range{Start: 0, Stop: 6})
	require.NoError(t, err)
	assert.Equal(t, []byte("******"), chunk.Bytes())
}
