package chunkgo

import "fmt"

// Range identifies a half-open byte interval [Start, Stop) within a
// remote or local resource.
type Range struct {
	Start int64
	Stop  int64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 { return r.Stop - r.Start }

// Valid reports whether the range is well formed.
func (r Range) Valid() bool { return r.Start >= 0 && r.Stop >= r.Start }

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.Stop)
}

// Chunk is an immutable byte buffer tagged with the range it was read
// from. A chunk always holds exactly Len() bytes; sources never hand
// out partially filled chunks.
type Chunk struct {
	start int64
	stop  int64
	data  []byte
}

// NewChunk wraps data as the content of r.
//
// The buffer length must match the range exactly; a mismatch is a
// programming error and panics. Chunk does not copy data, so the
// caller must not mutate the buffer afterwards.
func NewChunk(r Range, data []byte) *Chunk {
	if !r.Valid() {
		panic(fmt.Sprintf("chunkgo: invalid range %v", r))
	}
	if int64(len(data)) != r.Len() {
		panic(fmt.Sprintf("chunkgo: chunk %v requires %d bytes, got %d", r, r.Len(), len(data)))
	}
	return &Chunk{start: r.Start, stop: r.Stop, data: data}
}

// Start returns the inclusive begin offset of the chunk.
func (c *Chunk) Start() int64 { return c.start }

// Stop returns the exclusive end offset of the chunk.
func (c *Chunk) Stop() int64 { return c.stop }

// Len returns the number of bytes in the chunk.
func (c *Chunk) Len() int64 { return c.stop - c.start }

// Range returns the byte range the chunk was read from.
func (c *Chunk) Range() Range { return Range{Start: c.start, Stop: c.stop} }

// Bytes returns the chunk's payload without copying. Callers must
// treat the returned slice as read-only. For memory-mapped sources the
// slice aliases the mapping and is valid only until the source is
// closed.
func (c *Chunk) Bytes() []byte { return c.data }

// Contains reports whether r lies entirely within the chunk.
func (c *Chunk) Contains(r Range) bool {
	return r.Valid() && r.Start >= c.start && r.Stop <= c.stop
}

// View returns the sub-slice of the chunk covering the absolute range
// [start, stop), without copying.
func (c *Chunk) View(start, stop int64) ([]byte, error) {
	r := Range{Start: start, Stop: stop}
	if !c.Contains(r) {
		return nil, fmt.Errorf("chunkgo: view %v outside chunk %v", r, c.Range())
	}
	return c.data[start-c.start : stop-c.start], nil
}
