package xrdproto

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chunkgo/internal/xrdtest"
)

var fixture = []byte("******    ...+++++++!!!!!@@@@@\n")

func serve(t *testing.T) *xrdtest.Server {
	t.Helper()
	srv, err := xrdtest.Serve(map[string][]byte{"/data/fixture.bin": fixture})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialServer(t *testing.T, srv *xrdtest.Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.Addr(), "tester", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", "tester", 500*time.Millisecond)
	assert.Error(t, err)
}

func TestOpenAndSize(t *testing.T) {
	c := dialServer(t, serve(t))

	f, err := c.Open(context.Background(), "/data/fixture.bin")
	require.NoError(t, err)
	defer f.Close(context.Background())

	assert.Equal(t, int64(len(fixture)), f.Size())
	assert.Equal(t, "/data/fixture.bin", f.Path())
}

func TestOpenMissing(t *testing.T) {
	c := dialServer(t, serve(t))

	_, err := c.Open(context.Background(), "/data/missing.bin")
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "file not found")
}

func TestReadAt(t *testing.T) {
	c := dialServer(t, serve(t))
	f, err := c.Open(context.Background(), "/data/fixture.bin")
	require.NoError(t, err)
	defer f.Close(context.Background())

	buf := make([]byte, 7)
	n, err := f.ReadAt(context.Background(), buf, 13)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, []byte("+++++++"), buf)
}

func TestReadAtShortAtEOF(t *testing.T) {
	c := dialServer(t, serve(t))
	f, err := c.Open(context.Background(), "/data/fixture.bin")
	require.NoError(t, err)
	defer f.Close(context.Background())

	buf := make([]byte, 10)
	n, err := f.ReadAt(context.Background(), buf, int64(len(fixture))-3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("@@\n"), buf[:n])
}

func TestVectorRead(t *testing.T) {
	c := dialServer(t, serve(t))
	f, err := c.Open(context.Background(), "/data/fixture.bin")
	require.NoError(t, err)
	defer f.Close(context.Background())

	elems := []VectorElem{
		{Offset: 0, Len: 6},
		{Offset: 13, Len: 7},
		{Offset: 25, Len: 5},
	}
	results, err := f.VectorRead(context.Background(), elems)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []byte("******"), results[0])
	assert.Equal(t, []byte("+++++++"), results[1])
	assert.Equal(t, []byte("@@@@@"), results[2])
}

func TestVectorReadShortElement(t *testing.T) {
	c := dialServer(t, serve(t))
	f, err := c.Open(context.Background(), "/data/fixture.bin")
	require.NoError(t, err)
	defer f.Close(context.Background())

	// The second element runs past end of file and comes back short;
	// it is matched back to its slot by offset.
	elems := []VectorElem{
		{Offset: 6, Len: 4},
		{Offset: int64(len(fixture)) - 2, Len: 10},
	}
	results, err := f.VectorRead(context.Background(), elems)
	require.NoError(t, err)
	assert.Equal(t, []byte("    "), results[0])
	assert.Equal(t, []byte("@\n"), results[1])
}

func TestVectorReadDuplicateElements(t *testing.T) {
	c := dialServer(t, serve(t))
	f, err := c.Open(context.Background(), "/data/fixture.bin")
	require.NoError(t, err)
	defer f.Close(context.Background())

	elems := []VectorElem{
		{Offset: 0, Len: 6},
		{Offset: 0, Len: 6},
	}
	results, err := f.VectorRead(context.Background(), elems)
	require.NoError(t, err)
	assert.Equal(t, []byte("******"), results[0])
	assert.Equal(t, []byte("******"), results[1])
}

func TestConcurrentReads(t *testing.T) {
	srv := serve(t)
	// Early offsets answer slowly; the stream-id multiplexer must
	// still route every response to the right caller.
	srv.ReadDelay = func(offset int64) time.Duration {
		if offset < 10 {
			return 30 * time.Millisecond
		}
		return 0
	}

	c := dialServer(t, srv)
	f, err := c.Open(context.Background(), "/data/fixture.bin")
	require.NoError(t, err)
	defer f.Close(context.Background())

	type result struct {
		off  int64
		data []byte
		err  error
	}
	offsets := []int64{0, 6, 13, 20, 25}
	lens := []int{6, 4, 7, 5, 5}
	results := make(chan result, len(offsets))
	for i, off := range offsets {
		go func(off int64, n int) {
			buf := make([]byte, n)
			read, err := f.ReadAt(context.Background(), buf, off)
			results <- result{off: off, data: buf[:read], err: err}
		}(off, lens[i])
	}
	for range offsets {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, fixture[r.off:r.off+int64(len(r.data))], r.data)
	}
}

func TestAbandonedStreamDoesNotStallMux(t *testing.T) {
	// A caller that times out mid-response stops draining its stream.
	// The late frames, more of them than the stream buffer holds, must
	// be dropped so later requests still get their responses.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	writeFrame := func(conn net.Conn, sid, status uint16, body []byte) {
		hdr := make([]byte, responseHeaderSize)
		binary.BigEndian.PutUint16(hdr[0:2], sid)
		binary.BigEndian.PutUint16(hdr[2:4], status)
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(body)))
		conn.Write(hdr)
		conn.Write(body)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var hs [20]byte
		if _, err := io.ReadFull(conn, hs[:]); err != nil {
			return
		}
		writeFrame(conn, 0, statusOK, make([]byte, 8))

		readReq := func() (uint16, bool) {
			var hdr [24]byte
			if _, err := io.ReadFull(conn, hdr[:]); err != nil {
				return 0, false
			}
			payload := make([]byte, binary.BigEndian.Uint32(hdr[20:24]))
			if _, err := io.ReadFull(conn, payload); err != nil {
				return 0, false
			}
			return binary.BigEndian.Uint16(hdr[0:2]), true
		}

		// Login.
		sid, ok := readReq()
		if !ok {
			return
		}
		writeFrame(conn, sid, statusOK, make([]byte, 16))

		// First read: one partial frame, a stall past the caller's
		// deadline, then more frames than its buffer holds.
		sid, ok = readReq()
		if !ok {
			return
		}
		writeFrame(conn, sid, statusOKSoFar, []byte("ab"))
		time.Sleep(300 * time.Millisecond)
		for i := 0; i < 12; i++ {
			writeFrame(conn, sid, statusOKSoFar, []byte("cd"))
		}
		writeFrame(conn, sid, statusOK, []byte("ef"))

		// Second read answers immediately.
		sid, ok = readReq()
		if !ok {
			return
		}
		writeFrame(conn, sid, statusOK, []byte("done"))
	}()

	c, err := Dial(context.Background(), ln.Addr().String(), "tester", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var params [16]byte
	_, err = c.call(ctx, reqRead, params, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	body, err := c.call(context.Background(), reqRead, params, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), body)
}

func TestCallAfterClose(t *testing.T) {
	srv := serve(t)
	c, err := Dial(context.Background(), srv.Addr(), "tester", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Open(context.Background(), "/data/fixture.bin")
	assert.Error(t, err)
}
