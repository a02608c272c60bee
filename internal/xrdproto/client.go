package xrdproto

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// ErrAuthRequired is returned when the server demands an
// authentication handshake, which this client does not speak.
var ErrAuthRequired = errors.New("xrdproto: server requires authentication")

// ServerError is an error reported by the server for one request.
type ServerError struct {
	Code    int32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("xrdproto: server error %d: %s", e.Code, e.Message)
}

// Client is a connection to one XRootD server. It multiplexes
// concurrent requests over the connection by stream id and is safe for
// concurrent use.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	wmu sync.Mutex // serializes request frames on the wire

	pmu     sync.Mutex
	pending map[uint16]*stream
	nextSID uint16

	done    chan struct{}
	readErr error
	once    sync.Once
}

type frame struct {
	status uint16
	data   []byte
}

// stream is one in-flight request's receive side. gone is closed on
// deregistration so the dispatcher never blocks on a caller that
// stopped draining its channel.
type stream struct {
	ch   chan frame
	gone chan struct{}
}

// Dial connects to addr (host or host:port), performs the protocol
// handshake and logs in as username. The per-operation timeout also
// bounds the handshake.
func Dial(ctx context.Context, addr, username string, timeout time.Duration) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		timeout: timeout,
		pending: make(map[uint16]*stream),
		done:    make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()

	if err := c.login(ctx, username); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// handshake runs the fixed pre-login exchange synchronously, before
// the response multiplexer starts.
func (c *Client) handshake() error {
	deadline := time.Now().Add(c.timeout)
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(handshakeBytes()); err != nil {
		return fmt.Errorf("xrdproto: handshake: %w", err)
	}

	var hdr [responseHeaderSize]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return fmt.Errorf("xrdproto: handshake response: %w", err)
	}
	status := binary.BigEndian.Uint16(hdr[2:4])
	dlen := binary.BigEndian.Uint32(hdr[4:8])
	if status != statusOK {
		return fmt.Errorf("xrdproto: handshake rejected with status %d", status)
	}
	body := make([]byte, dlen)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return fmt.Errorf("xrdproto: handshake response: %w", err)
	}
	return nil
}

// login performs kXR_login. A non-empty security token in the response
// means the server wants an auth exchange, which is unsupported.
func (c *Client) login(ctx context.Context, username string) error {
	var params [16]byte
	binary.BigEndian.PutUint32(params[0:4], uint32(os.Getpid()))
	user := make([]byte, 8)
	copy(user, username)
	copy(params[4:12], user)
	// params[12]: reserved, params[13]: ability, params[14]: capver,
	// params[15]: role (0 = regular client).

	body, err := c.call(ctx, reqLogin, params, nil)
	if err != nil {
		return fmt.Errorf("xrdproto: login: %w", err)
	}
	if len(body) > 16 && len(body[16:]) > 0 {
		return ErrAuthRequired
	}
	return nil
}

// call issues one request and collects its (possibly multi-frame)
// response body.
func (c *Client) call(ctx context.Context, reqid uint16, params [16]byte, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sid, st, err := c.register()
	if err != nil {
		return nil, err
	}
	defer c.deregister(sid)

	hdr := requestHeader(sid, reqid, params, len(payload))

	c.wmu.Lock()
	_, err = c.conn.Write(hdr)
	if err == nil && len(payload) > 0 {
		_, err = c.conn.Write(payload)
	}
	c.wmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("xrdproto: write request %d: %w", reqid, err)
	}

	var body []byte
	for {
		select {
		case f := <-st.ch:
			switch f.status {
			case statusOK:
				return append(body, f.data...), nil
			case statusOKSoFar:
				body = append(body, f.data...)
			case statusError:
				return nil, parseServerError(f.data)
			case statusAuthMore:
				return nil, ErrAuthRequired
			case statusRedirect:
				return nil, fmt.Errorf("xrdproto: request %d: redirect not supported", reqid)
			case statusWait:
				return nil, fmt.Errorf("xrdproto: request %d: server asked to wait", reqid)
			default:
				return nil, fmt.Errorf("xrdproto: request %d: unexpected status %d", reqid, f.status)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, net.ErrClosed
		}
	}
}

func parseServerError(data []byte) error {
	if len(data) < 4 {
		return &ServerError{Code: -1, Message: "truncated error response"}
	}
	code := int32(binary.BigEndian.Uint32(data[0:4]))
	msg := string(data[4:])
	for len(msg) > 0 && msg[len(msg)-1] == 0 {
		msg = msg[:len(msg)-1]
	}
	return &ServerError{Code: code, Message: msg}
}

// register allocates a stream id and its receive side.
func (c *Client) register() (uint16, *stream, error) {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	select {
	case <-c.done:
		return 0, nil, net.ErrClosed
	default:
	}
	for {
		sid := c.nextSID
		c.nextSID++
		if _, busy := c.pending[sid]; busy {
			continue
		}
		st := &stream{ch: make(chan frame, 8), gone: make(chan struct{})}
		c.pending[sid] = st
		return sid, st, nil
	}
}

func (c *Client) deregister(sid uint16) {
	c.pmu.Lock()
	if st, ok := c.pending[sid]; ok {
		close(st.gone)
		delete(c.pending, sid)
	}
	c.pmu.Unlock()
}

// readLoop dispatches response frames to their stream's channel until
// the connection dies.
func (c *Client) readLoop() {
	for {
		var hdr [responseHeaderSize]byte
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			c.fail(err)
			return
		}
		sid := binary.BigEndian.Uint16(hdr[0:2])
		status := binary.BigEndian.Uint16(hdr[2:4])
		dlen := binary.BigEndian.Uint32(hdr[4:8])

		data := make([]byte, dlen)
		if _, err := io.ReadFull(c.conn, data); err != nil {
			c.fail(err)
			return
		}

		c.pmu.Lock()
		st := c.pending[sid]
		c.pmu.Unlock()
		if st != nil {
			// Abandoned callers (timed out mid-response) stop draining
			// their channel; drop their frames instead of stalling the
			// whole multiplexer behind a full buffer.
			select {
			case st.ch <- frame{status: status, data: data}:
			case <-st.gone:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.once.Do(func() {
		if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			c.readErr = err
		}
		close(c.done)
	})
}

// Close tears the connection down. In-flight calls fail.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.fail(net.ErrClosed)
	return err
}
