package xrdproto

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// File is an open remote file. The server-side handle may safely carry
// concurrent reads; the protocol multiplexes them by stream id.
type File struct {
	c      *Client
	handle [4]byte
	size   int64
	path   string
}

// Open opens path on the server for reading. The open response is
// asked to carry stat information, so Size is known without an extra
// round trip (when the server cooperates).
func (c *Client) Open(ctx context.Context, path string) (*File, error) {
	var params [16]byte
	// mode (2 bytes) is only meaningful for creation; zero for reads.
	binary.BigEndian.PutUint16(params[2:4], openRetStat)

	body, err := c.call(ctx, reqOpen, params, []byte(path))
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("xrdproto: open %s: truncated response", path)
	}

	f := &File{c: c, size: -1, path: path}
	copy(f.handle[:], body[0:4])

	// Optional tail: cpsize(4) + cptype(4) + null-terminated stat
	// string "id size flags modtime".
	if len(body) > 12 {
		stat := strings.Trim(string(body[12:]), "\x00")
		fields := strings.Fields(stat)
		if len(fields) >= 2 {
			if size, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				f.size = size
			}
		}
	}
	return f, nil
}

// Size returns the file size reported at open time, or -1 when the
// server did not report one.
func (f *File) Size() int64 { return f.size }

// Path returns the server-side file path.
func (f *File) Path() string { return f.path }

// ReadAt reads up to len(p) bytes at offset off with one kXR_read
// request. A read past end of file returns fewer bytes than requested,
// with no error; the caller decides whether short data is fatal.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	var params [16]byte
	copy(params[0:4], f.handle[:])
	binary.BigEndian.PutUint64(params[4:12], uint64(off))
	binary.BigEndian.PutUint32(params[12:16], uint32(len(p)))

	body, err := f.c.call(ctx, reqRead, params, nil)
	if err != nil {
		return 0, err
	}
	return copy(p, body), nil
}

// VectorElem is one element of a vector read.
type VectorElem struct {
	Offset int64
	Len    int32
}

// VectorRead fetches all elements in one kXR_readv round trip. The
// result aligns positionally with elems; an element the server did not
// answer stays nil, and an element answered short keeps its short
// length. No element count limit is enforced here; callers split
// oversized batches.
func (f *File) VectorRead(ctx context.Context, elems []VectorElem) ([][]byte, error) {
	payload := make([]byte, len(elems)*readvElemSize)
	for i, e := range elems {
		off := i * readvElemSize
		copy(payload[off:off+4], f.handle[:])
		binary.BigEndian.PutUint32(payload[off+4:off+8], uint32(e.Len))
		binary.BigEndian.PutUint64(payload[off+8:off+16], uint64(e.Offset))
	}

	var params [16]byte
	body, err := f.c.call(ctx, reqReadv, params, payload)
	if err != nil {
		return nil, err
	}

	// The response interleaves a 16-byte element header with each
	// element's data. Elements may arrive in any order; match them
	// back by (offset, length).
	type key struct {
		off int64
		n   int32
	}
	slots := make(map[key][]int, len(elems))
	for i, e := range elems {
		k := key{off: e.Offset, n: e.Len}
		slots[k] = append(slots[k], i)
	}

	results := make([][]byte, len(elems))
	for pos := 0; pos+readvElemSize <= len(body); {
		rlen := int32(binary.BigEndian.Uint32(body[pos+4 : pos+8]))
		off := int64(binary.BigEndian.Uint64(body[pos+8 : pos+16]))
		pos += readvElemSize
		if rlen < 0 || pos+int(rlen) > len(body) {
			return nil, fmt.Errorf("xrdproto: readv: malformed element header at byte %d", pos-readvElemSize)
		}
		data := body[pos : pos+int(rlen)]
		pos += int(rlen)

		matched := false
		if idxs := slots[key{off: off, n: rlen}]; len(idxs) > 0 {
			results[idxs[0]] = data
			slots[key{off: off, n: rlen}] = idxs[1:]
			matched = true
		} else {
			// Short elements (reads past end of file) come back with
			// the served length; find them by offset alone.
			for k, idxs := range slots {
				if k.off == off && len(idxs) > 0 {
					results[idxs[0]] = data
					slots[k] = idxs[1:]
					matched = true
					break
				}
			}
		}
		if !matched {
			return nil, fmt.Errorf("xrdproto: readv: unrequested element at offset %d", off)
		}
	}
	return results, nil
}

// Close releases the server-side handle.
func (f *File) Close(ctx context.Context) error {
	var params [16]byte
	copy(params[0:4], f.handle[:])
	_, err := f.c.call(ctx, reqClose, params, nil)
	return err
}
