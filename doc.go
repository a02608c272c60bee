// Package chunkgo provides uniform, byte-range-addressable access to
// large binary files that may live on a local filesystem, be
// memory-mapped, or be served over HTTP, the XRootD remote-I/O
// protocol, or an object store.
//
// Callers request arbitrary [start, stop) byte ranges ("chunks")
// without caring which backend holds the data. Each backend decides,
// per its own cost model, whether to fetch ranges synchronously, in
// parallel across a worker pool, or batched into a single multi-range
// protocol request (HTTP multipart/byteranges, XRootD vector reads).
//
// The root package defines the backend-neutral contract: Range, Chunk,
// the Source interface, the error taxonomy, and a URL-scheme registry.
// Backends live in subpackages (file, memmap, http, xrootd, s3, minio)
// and register themselves on import:
//
//	import (
//	    "github.com/hupe1980/chunkgo"
//	    _ "github.com/hupe1980/chunkgo/file"
//	    _ "github.com/hupe1980/chunkgo/http"
//	)
//
//	src, err := chunkgo.Open(ctx, "https://example.com/big.root")
//	if err != nil { ... }
//	defer src.Close()
//
//	chunk, err := src.Chunk(ctx, chunkgo.Range{Start: 0, Stop: 4096})
//
// Chunks are immutable and exactly as long as the requested range;
// access never returns short data. Fetch failures surface when the
// specific chunk is resolved, so one bad range does not invalidate the
// rest of a batch.
package chunkgo
