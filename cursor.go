package chunkgo

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Cursor reads sequentially from a chunk, tracking an absolute byte
// position within the underlying resource. It is the hand-off point to
// format decoders: they ask for a fixed number of bytes at a time and
// the cursor advances.
//
// Numeric accessors decode big-endian, the byte order of the file
// formats this package was built for.
//
// A cursor is not safe for concurrent use.
type Cursor struct {
	chunk *Chunk
	index int64
}

// NewCursor positions a cursor at the beginning of chunk.
func NewCursor(chunk *Chunk) *Cursor {
	return &Cursor{chunk: chunk, index: chunk.Start()}
}

// NewCursorAt positions a cursor at the absolute offset index, which
// must lie within chunk.
func NewCursorAt(chunk *Chunk, index int64) (*Cursor, error) {
	if index < chunk.Start() || index > chunk.Stop() {
		return nil, fmt.Errorf("chunkgo: cursor index %d outside chunk %v", index, chunk.Range())
	}
	return &Cursor{chunk: chunk, index: index}, nil
}

// Index returns the cursor's absolute position.
func (c *Cursor) Index() int64 { return c.index }

// Remaining returns the number of bytes left before the end of the
// chunk.
func (c *Cursor) Remaining() int64 { return c.chunk.Stop() - c.index }

// Skip advances the cursor by n bytes without reading them.
func (c *Cursor) Skip(n int64) error {
	if n < 0 || n > c.Remaining() {
		return fmt.Errorf("chunkgo: cursor at %d cannot skip %d bytes in chunk %v", c.index, n, c.chunk.Range())
	}
	c.index += n
	return nil
}

// SeekTo moves the cursor to the absolute offset index within the
// chunk.
func (c *Cursor) SeekTo(index int64) error {
	if index < c.chunk.Start() || index > c.chunk.Stop() {
		return fmt.Errorf("chunkgo: cursor cannot seek to %d in chunk %v", index, c.chunk.Range())
	}
	c.index = index
	return nil
}

// Bytes returns the next n bytes and advances the cursor. The returned
// slice aliases the chunk's buffer; it is never short. Asking for more
// bytes than remain is an error, not a truncated read.
func (c *Cursor) Bytes(n int64) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, fmt.Errorf("chunkgo: cursor at %d cannot read %d bytes in chunk %v", c.index, n, c.chunk.Range())
	}
	view, err := c.chunk.View(c.index, c.index+n)
	if err != nil {
		return nil, err
	}
	c.index += n
	return view, nil
}

// U8 reads one unsigned byte.
func (c *Cursor) U8() (uint8, error) {
	b, err := c.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a big-endian uint16.
func (c *Cursor) U16() (uint16, error) {
	b, err := c.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// U32 reads a big-endian uint32.
func (c *Cursor) U32() (uint32, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// U64 reads a big-endian uint64.
func (c *Cursor) U64() (uint64, error) {
	b, err := c.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// I32 reads a big-endian int32.
func (c *Cursor) I32() (int32, error) {
	v, err := c.U32()
	return int32(v), err
}

// I64 reads a big-endian int64.
func (c *Cursor) I64() (int64, error) {
	v, err := c.U64()
	return int64(v), err
}

// F32 reads a big-endian IEEE 754 float32.
func (c *Cursor) F32() (float32, error) {
	v, err := c.U32()
	return math.Float32frombits(v), err
}

// F64 reads a big-endian IEEE 754 float64.
func (c *Cursor) F64() (float64, error) {
	v, err := c.U64()
	return math.Float64frombits(v), err
}
