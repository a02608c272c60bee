package chunkgo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/chunkgo/future"
)

var (
	// ErrClosed is returned for any operation on a closed source.
	ErrClosed = errors.New("chunkgo: source is closed")

	// ErrCancelled is returned for requests that were still pending
	// when their source was closed.
	ErrCancelled = future.ErrCancelled

	// ErrTimeout is returned when an operation exceeds the configured
	// timeout.
	ErrTimeout = errors.New("chunkgo: operation timed out")
)

// UnavailableError indicates that a source could not be opened because
// the target does not exist or is unreachable.
//
// The underlying error (if any) can be accessed via errors.Unwrap.
type UnavailableError struct {
	Location string
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chunkgo: %s: resource unavailable", e.Location)
	}
	return fmt.Sprintf("chunkgo: %s: resource unavailable: %v", e.Location, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// FetchError indicates that fetching one specific byte range failed.
// It carries enough context to identify which request went wrong.
//
// The underlying error (if any) can be accessed via errors.Unwrap.
type FetchError struct {
	Location string
	Start    int64
	Stop     int64
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("chunkgo: fetch [%d, %d) from %s: %v", e.Start, e.Stop, e.Location, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ProtocolError indicates that a peer did not honor a protocol feature
// the source depends on, e.g. an HTTP server ignoring multi-range
// requests. It is distinct from a plain network failure.
type ProtocolError struct {
	Location string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("chunkgo: %s: protocol error: %s", e.Location, e.Reason)
}
