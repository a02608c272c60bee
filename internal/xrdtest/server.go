// Package xrdtest runs an in-process XRootD server speaking the
// protocol subset the client uses: handshake, login, open, read,
// readv and close. It serves files from memory and can stagger reads
// to exercise completion-order handling in tests.
package xrdtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	reqLogin uint16 = 3007
	reqOpen  uint16 = 3010
	reqRead  uint16 = 3013
	reqClose uint16 = 3003
	reqReadv uint16 = 3025

	statusOK    uint16 = 0
	statusError uint16 = 4003

	errNotFound int32 = 3011
)

// Server is a fake XRootD server bound to a random localhost port.
type Server struct {
	// Files maps server-side paths to their content.
	Files map[string][]byte

	// ReadDelay, when set, is consulted per read offset to stagger
	// response latency.
	ReadDelay func(offset int64) time.Duration

	ln net.Listener
	wg sync.WaitGroup

	mu      sync.Mutex
	handles map[uint32]string
	nextFH  uint32
	reads   int
}

// Serve starts the server. Call Close when done.
func Serve(files map[string][]byte) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		Files:   files,
		ln:      ln,
		handles: make(map[uint32]string),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Reads returns how many kXR_read/kXR_readv requests were served.
func (s *Server) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Close stops the listener and waits for connection handlers.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	// Handshake: 20 fixed bytes in, header + 8-byte body out.
	var hs [20]byte
	if _, err := io.ReadFull(conn, hs[:]); err != nil {
		return
	}
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], 0x00000310) // protocol version
	binary.BigEndian.PutUint32(body[4:8], 1)          // data server
	writeResponse(conn, 0, statusOK, body)

	var wmu sync.Mutex
	for {
		var hdr [24]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		sid := binary.BigEndian.Uint16(hdr[0:2])
		reqid := binary.BigEndian.Uint16(hdr[2:4])
		var params [16]byte
		copy(params[:], hdr[4:20])
		dlen := binary.BigEndian.Uint32(hdr[20:24])

		payload := make([]byte, dlen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		// Reads answer concurrently so the delay hook can reorder
		// completions; everything else answers in line.
		switch reqid {
		case reqRead, reqReadv:
			go func() {
				resp, status := s.handle(reqid, params, payload)
				wmu.Lock()
				writeResponse(conn, sid, status, resp)
				wmu.Unlock()
			}()
		default:
			resp, status := s.handle(reqid, params, payload)
			wmu.Lock()
			writeResponse(conn, sid, status, resp)
			wmu.Unlock()
		}
	}
}

func (s *Server) handle(reqid uint16, params [16]byte, payload []byte) ([]byte, uint16) {
	switch reqid {
	case reqLogin:
		// 16-byte session id, no security token.
		return make([]byte, 16), statusOK

	case reqOpen:
		path := string(payload)
		content, ok := s.Files[path]
		if !ok {
			return errorBody(errNotFound, fmt.Sprintf("file not found: %s", path)), statusError
		}
		s.mu.Lock()
		fh := s.nextFH
		s.nextFH++
		s.handles[fh] = path
		s.mu.Unlock()

		resp := make([]byte, 12)
		binary.BigEndian.PutUint32(resp[0:4], fh)
		// cpsize and cptype stay zero; then the retstat string.
		stat := fmt.Sprintf("0 %d 0 0", len(content))
		resp = append(resp, []byte(stat)...)
		resp = append(resp, 0)
		return resp, statusOK

	case reqRead:
		fh := binary.BigEndian.Uint32(params[0:4])
		off := int64(binary.BigEndian.Uint64(params[4:12]))
		n := int64(binary.BigEndian.Uint32(params[12:16]))
		content, ok := s.contentFor(fh)
		if !ok {
			return errorBody(errNotFound, "bad file handle"), statusError
		}
		s.countRead()
		if s.ReadDelay != nil {
			time.Sleep(s.ReadDelay(off))
		}
		return sliceRange(content, off, n), statusOK

	case reqReadv:
		var out []byte
		s.countRead()
		for pos := 0; pos+16 <= len(payload); pos += 16 {
			fh := binary.BigEndian.Uint32(payload[pos : pos+4])
			n := int64(binary.BigEndian.Uint32(payload[pos+4 : pos+8]))
			off := int64(binary.BigEndian.Uint64(payload[pos+8 : pos+16]))
			content, ok := s.contentFor(fh)
			if !ok {
				return errorBody(errNotFound, "bad file handle"), statusError
			}
			if s.ReadDelay != nil {
				time.Sleep(s.ReadDelay(off))
			}
			data := sliceRange(content, off, n)
			elem := make([]byte, 16)
			copy(elem[0:4], payload[pos:pos+4])
			binary.BigEndian.PutUint32(elem[4:8], uint32(len(data)))
			binary.BigEndian.PutUint64(elem[8:16], uint64(off))
			out = append(out, elem...)
			out = append(out, data...)
		}
		return out, statusOK

	case reqClose:
		fh := binary.BigEndian.Uint32(params[0:4])
		s.mu.Lock()
		delete(s.handles, fh)
		s.mu.Unlock()
		return nil, statusOK

	default:
		return errorBody(3001, fmt.Sprintf("unsupported request %d", reqid)), statusError
	}
}

func (s *Server) contentFor(fh uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.handles[fh]
	if !ok {
		return nil, false
	}
	content, ok := s.Files[path]
	return content, ok
}

func (s *Server) countRead() {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
}

// sliceRange clamps [off, off+n) to the content, mimicking server-side
// short reads at end of file.
func sliceRange(content []byte, off, n int64) []byte {
	if off >= int64(len(content)) || off < 0 {
		return nil
	}
	stop := off + n
	if stop > int64(len(content)) {
		stop = int64(len(content))
	}
	return content[off:stop]
}

// writeResponse frames one response: streamid(2) + status(2) +
// dlen(4) + body.
func writeResponse(conn net.Conn, sid, status uint16, body []byte) {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint16(hdr[0:2], sid)
	binary.BigEndian.PutUint16(hdr[2:4], status)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(body)))
	if _, err := conn.Write(hdr); err != nil {
		return
	}
	if len(body) > 0 {
		conn.Write(body)
	}
}

func errorBody(code int32, msg string) []byte {
	body := make([]byte, 4, 4+len(msg)+1)
	binary.BigEndian.PutUint32(body[0:4], uint32(code))
	body = append(body, []byte(msg)...)
	body = append(body, 0)
	return body
}
