package chunkgo

import "sync/atomic"

// Stats is a point-in-time snapshot of a source's request counters.
// The counters are diagnostic; they do not affect fetch behavior.
type Stats struct {
	// Requests is the number of protocol round trips issued. A batched
	// fetch covering many ranges counts as a single request.
	Requests int64

	// RequestedChunks is the number of ranges requested.
	RequestedChunks int64

	// RequestedBytes is the total number of bytes requested.
	RequestedBytes int64
}

// Counters accumulates request statistics for a source. Safe for
// concurrent use; the zero value is ready to use.
type Counters struct {
	requests atomic.Int64
	chunks   atomic.Int64
	bytes    atomic.Int64
}

// Record adds one round trip covering the given number of ranges and
// bytes.
func (c *Counters) Record(chunks int, bytes int64) {
	c.requests.Add(1)
	c.chunks.Add(int64(chunks))
	c.bytes.Add(bytes)
}

// Stats returns a snapshot of the counters.
func (c *Counters) Stats() Stats {
	return Stats{
		Requests:        c.requests.Load(),
		RequestedChunks: c.chunks.Load(),
		RequestedBytes:  c.bytes.Load(),
	}
}
