// Package xrdproto implements the client side of the XRootD remote-I/O
// protocol: handshake, login, open, positioned reads, vector reads and
// close. Requests are multiplexed over one TCP connection by stream
// id, so many reads can be in flight against a single open file
// handle.
//
// Only unauthenticated sessions are supported; a server that demands
// an authentication round trip is reported as unsupported.
package xrdproto

import "encoding/binary"

// DefaultPort is the well-known XRootD port.
const DefaultPort = "1094"

// Request codes.
const (
	reqLogin uint16 = 3007
	reqOpen  uint16 = 3010
	reqRead  uint16 = 3013
	reqClose uint16 = 3003
	reqReadv uint16 = 3025
)

// Response status codes.
const (
	statusOK       uint16 = 0
	statusOKSoFar  uint16 = 4000
	statusAuthMore uint16 = 4002
	statusError    uint16 = 4003
	statusRedirect uint16 = 4004
	statusWait     uint16 = 4005
)

// Open option bits.
const (
	// openRetStat asks the server to return stat information with the
	// open response, saving a separate round trip for the file size.
	openRetStat uint16 = 0x0010
)

const (
	// requestHeaderSize is the fixed size of every client request:
	// streamid(2) + requestid(2) + params(16) + dlen(4).
	requestHeaderSize = 24

	// responseHeaderSize is the fixed size of every server response:
	// streamid(2) + status(2) + dlen(4).
	responseHeaderSize = 8

	// readvElemSize is the wire size of one vector-read element:
	// fhandle(4) + rlen(4) + offset(8).
	readvElemSize = 16

	// handshakeSize is the size of the client handshake message.
	handshakeSize = 20
)

// handshakeBytes returns the fixed client handshake: four int32 fields
// {0, 0, 0, 4} followed by 2012, all big-endian.
func handshakeBytes() []byte {
	buf := make([]byte, handshakeSize)
	binary.BigEndian.PutUint32(buf[12:16], 4)
	binary.BigEndian.PutUint32(buf[16:20], 2012)
	return buf
}

// requestHeader assembles the fixed 24-byte request frame header.
func requestHeader(sid uint16, reqid uint16, params [16]byte, dlen int) []byte {
	buf := make([]byte, requestHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], sid)
	binary.BigEndian.PutUint16(buf[2:4], reqid)
	copy(buf[4:20], params[:])
	binary.BigEndian.PutUint32(buf[20:24], uint32(dlen))
	return buf
}
