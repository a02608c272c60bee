// Package compress codes the compressed-span envelopes found in the
// binary files this module serves: a 9-byte header naming the
// algorithm and the compressed/uncompressed sizes, followed by the
// block payload. Large payloads are stored as a sequence of
// envelopes.
//
// Supported algorithms: zlib ("ZL"), LZ4 with an xxhash64 block
// checksum ("L4") and zstd ("ZS").
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind names a span compression algorithm.
type Kind int

const (
	// ZLIB is the "ZL" envelope.
	ZLIB Kind = iota
	// LZ4 is the "L4" envelope; the block carries an xxhash64
	// checksum prefix.
	LZ4
	// ZSTD is the "ZS" envelope.
	ZSTD
)

func (k Kind) tag() [2]byte {
	switch k {
	case ZLIB:
		return [2]byte{'Z', 'L'}
	case LZ4:
		return [2]byte{'L', '4'}
	case ZSTD:
		return [2]byte{'Z', 'S'}
	}
	panic(fmt.Sprintf("compress: unknown kind %d", int(k)))
}

const (
	headerSize     = 9
	checksumSize   = 8
	maxEnvelopeLen = 0xffffff // sizes are stored in 3 bytes
)

// ErrChecksum is returned when an LZ4 block fails checksum
// verification.
var ErrChecksum = errors.New("compress: lz4 block checksum mismatch")

// Decompress decodes a sequence of envelopes from src until exactly
// uncompressedSize bytes have been produced. Producing a different
// number of bytes is an error, never a truncation.
func Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	out := make([]byte, 0, uncompressedSize)
	for len(out) < uncompressedSize {
		if len(src) < headerSize {
			return nil, fmt.Errorf("compress: truncated envelope header (%d bytes left, %d produced of %d)",
				len(src), len(out), uncompressedSize)
		}
		payload, consumed, err := decompressEnvelope(src)
		if err != nil {
			return nil, err
		}
		out = append(out, payload...)
		src = src[consumed:]
	}
	if len(out) != uncompressedSize {
		return nil, fmt.Errorf("compress: produced %d bytes, expected %d", len(out), uncompressedSize)
	}
	return out, nil
}

// decompressEnvelope decodes one envelope, returning the decompressed
// payload and the number of source bytes consumed.
func decompressEnvelope(src []byte) ([]byte, int, error) {
	tag := string(src[0:2])
	// src[2] is the method byte; informational only.
	csize := size3(src[3:6])
	usize := size3(src[6:9])
	body := src[headerSize:]
	if len(body) < csize {
		return nil, 0, fmt.Errorf("compress: envelope %q declares %d compressed bytes, %d available", tag, csize, len(body))
	}
	body = body[:csize]

	var out []byte
	var err error
	switch tag {
	case "ZL":
		out, err = inflate(body, usize)
	case "L4":
		out, err = unlz4(body, usize)
	case "ZS":
		out, err = unzstd(body, usize)
	default:
		return nil, 0, fmt.Errorf("compress: unsupported envelope %q", tag)
	}
	if err != nil {
		return nil, 0, err
	}
	if len(out) != usize {
		return nil, 0, fmt.Errorf("compress: envelope %q decoded to %d bytes, declared %d", tag, len(out), usize)
	}
	return out, headerSize + csize, nil
}

func inflate(body []byte, usize int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("compress: zlib: %w", err)
	}
	defer zr.Close()
	out := make([]byte, usize)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("compress: zlib: %w", err)
	}
	return out, nil
}

func unlz4(body []byte, usize int) ([]byte, error) {
	if len(body) < checksumSize {
		return nil, fmt.Errorf("compress: lz4 block too short for checksum")
	}
	sum := binary.BigEndian.Uint64(body[:checksumSize])
	block := body[checksumSize:]
	if xxhash.Sum64(block) != sum {
		return nil, ErrChecksum
	}
	out := make([]byte, usize)
	n, err := lz4.UncompressBlock(block, out)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	return out[:n], nil
}

func unzstd(body []byte, usize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(body, make([]byte, 0, usize))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd: %w", err)
	}
	return out, nil
}

// Compress encodes src as a sequence of envelopes of the given kind.
// Payloads larger than an envelope's 3-byte size field allows are
// split.
func Compress(src []byte, kind Kind) ([]byte, error) {
	var out []byte
	for first := true; first || len(src) > 0; first = false {
		span := src
		if len(span) > maxEnvelopeLen {
			span = span[:maxEnvelopeLen]
		}
		src = src[len(span):]

		env, err := compressEnvelope(span, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, env...)
	}
	return out, nil
}

func compressEnvelope(span []byte, kind Kind) ([]byte, error) {
	var body []byte
	var method byte
	var err error
	switch kind {
	case ZLIB:
		method = 8 // deflate
		body, err = deflate(span)
	case LZ4:
		method = 1
		body, err = dolz4(span)
	case ZSTD:
		method = 1
		body, err = dozstd(span)
	default:
		return nil, fmt.Errorf("compress: unknown kind %d", int(kind))
	}
	if err != nil {
		return nil, err
	}
	if len(body) > maxEnvelopeLen {
		return nil, fmt.Errorf("compress: incompressible span grew past envelope limit")
	}

	env := make([]byte, headerSize, headerSize+len(body))
	tag := kind.tag()
	env[0], env[1] = tag[0], tag[1]
	env[2] = method
	putSize3(env[3:6], len(body))
	putSize3(env[6:9], len(span))
	return append(env, body...), nil
}

func deflate(span []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(span); err != nil {
		return nil, fmt.Errorf("compress: zlib: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: zlib: %w", err)
	}
	return buf.Bytes(), nil
}

func dolz4(span []byte) ([]byte, error) {
	var c lz4.Compressor
	block := make([]byte, lz4.CompressBlockBound(len(span)))
	n, err := c.CompressBlock(span, block)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	if n == 0 {
		// CompressBlock signals an incompressible input with n == 0.
		// Fall back to a literal-only block so every span still
		// round-trips.
		block = literalBlock(span)
	} else {
		block = block[:n]
	}

	body := make([]byte, checksumSize+len(block))
	binary.BigEndian.PutUint64(body[:checksumSize], xxhash.Sum64(block))
	copy(body[checksumSize:], block)
	return body, nil
}

// literalBlock encodes span as a single lz4 literal sequence with no
// match, the format's escape hatch for incompressible input.
func literalBlock(span []byte) []byte {
	n := len(span)
	block := make([]byte, 0, n+n/255+2)
	if n < 15 {
		block = append(block, byte(n)<<4)
	} else {
		block = append(block, 0xf0)
		for rest := n - 15; ; rest -= 255 {
			if rest < 255 {
				block = append(block, byte(rest))
				break
			}
			block = append(block, 0xff)
		}
	}
	return append(block, span...)
}

func dozstd(span []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(span, nil), nil
}

// size3 decodes the little-endian 3-byte size fields of the envelope
// header.
func size3(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

func putSize3(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
