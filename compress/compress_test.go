package compress

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	for _, kind := range []Kind{ZLIB, LZ4, ZSTD} {
		tag := kind.tag()
		t.Run(string(tag[:]), func(t *testing.T) {
			enc, err := Compress(payload, kind)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(enc), headerSize)
			assert.Equal(t, tag[0], enc[0])
			assert.Equal(t, tag[1], enc[1])
			assert.Less(t, len(enc), len(payload), "repetitive payload should shrink")

			dec, err := Decompress(enc, len(payload))
			require.NoError(t, err)
			assert.Equal(t, payload, dec)
		})
	}
}

func TestRoundtripEmpty(t *testing.T) {
	enc, err := Compress(nil, ZLIB)
	require.NoError(t, err)
	require.Len(t, enc, headerSize+len(mustDeflate(t, nil)))

	dec, err := Decompress(enc, 0)
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestRoundtripIncompressible(t *testing.T) {
	// A payload with no repetition forces the lz4 literal-only path.
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	enc, err := Compress(payload, LZ4)
	require.NoError(t, err)

	dec, err := Decompress(enc, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, dec)
}

func TestMultipleEnvelopes(t *testing.T) {
	first := bytes.Repeat([]byte("aaaa"), 100)
	second := bytes.Repeat([]byte("bbbb"), 100)

	e1, err := Compress(first, ZLIB)
	require.NoError(t, err)
	e2, err := Compress(second, ZSTD)
	require.NoError(t, err)

	dec, err := Decompress(append(e1, e2...), len(first)+len(second))
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, first...), second...), dec)
}

func TestDecompressTruncatedHeader(t *testing.T) {
	_, err := Decompress([]byte{'Z', 'L', 8}, 10)
	assert.ErrorContains(t, err, "truncated envelope header")
}

func TestDecompressShortBody(t *testing.T) {
	enc, err := Compress([]byte("hello hello hello hello"), ZLIB)
	require.NoError(t, err)

	_, err = Decompress(enc[:len(enc)-4], 24)
	assert.ErrorContains(t, err, "compressed bytes")
}

func TestDecompressUnknownTag(t *testing.T) {
	env := make([]byte, headerSize+4)
	env[0], env[1] = 'X', 'X'
	putSize3(env[3:6], 4)
	putSize3(env[6:9], 4)

	_, err := Decompress(env, 4)
	assert.ErrorContains(t, err, `unsupported envelope "XX"`)
}

func TestDecompressSizeMismatch(t *testing.T) {
	enc, err := Compress(bytes.Repeat([]byte("x"), 50), ZLIB)
	require.NoError(t, err)

	// Lie about the envelope's uncompressed size.
	putSize3(enc[6:9], 49)
	_, err = Decompress(enc, 49)
	assert.ErrorContains(t, err, "declared")
}

func TestLZ4ChecksumMismatch(t *testing.T) {
	payload := bytes.Repeat([]byte("checksummed "), 20)
	enc, err := Compress(payload, LZ4)
	require.NoError(t, err)

	// Corrupt a block byte past the checksum.
	enc[headerSize+checksumSize]++
	_, err = Decompress(enc, len(payload))
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestLZ4ChecksumBigEndian(t *testing.T) {
	payload := bytes.Repeat([]byte("endianness "), 10)
	enc, err := Compress(payload, LZ4)
	require.NoError(t, err)

	sum := binary.BigEndian.Uint64(enc[headerSize : headerSize+checksumSize])
	assert.NotZero(t, sum)

	// Byte-swapping the stored checksum must break verification.
	swapped := make([]byte, len(enc))
	copy(swapped, enc)
	binary.LittleEndian.PutUint64(swapped[headerSize:headerSize+checksumSize], sum)
	if !bytes.Equal(swapped, enc) {
		_, err = Decompress(swapped, len(payload))
		assert.ErrorIs(t, err, ErrChecksum)
	}
}

func TestSize3(t *testing.T) {
	var b [3]byte
	for _, v := range []int{0, 1, 255, 256, 0xffff, 0xffffff} {
		putSize3(b[:], v)
		assert.Equal(t, v, size3(b[:]))
	}
}

func mustDeflate(t *testing.T, span []byte) []byte {
	t.Helper()
	body, err := deflate(span)
	require.NoError(t, err)
	return body
}
