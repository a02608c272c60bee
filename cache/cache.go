// Package cache wraps a source with an in-memory LRU chunk cache.
// Repeated fetches of the same byte range are served from memory
// instead of hitting the backend again. The cache is bounded by total
// payload bytes, not entry count.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/chunkgo"
)

// Stats is a snapshot of the cache's effectiveness counters.
type Stats struct {
	Hits   int64
	Misses int64
	// Size is the total payload bytes currently held.
	Size int64
}

// Source serves chunks from an LRU cache in front of another source.
// Lookups key on the exact requested range; overlapping ranges do not
// share entries. Safe for concurrent use.
type Source struct {
	inner    chunkgo.Source
	capacity int64

	mu        sync.Mutex
	size      int64
	items     map[chunkgo.Range]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   chunkgo.Range
	chunk *chunkgo.Chunk
}

var _ chunkgo.Source = (*Source)(nil)

// Wrap puts an LRU chunk cache of the given byte capacity in front of
// inner. Closing the returned source closes inner.
//
// Do not wrap sources whose chunks alias backend-owned memory (memory
// mappings): cached chunks must stay valid across fetches.
func Wrap(inner chunkgo.Source, capacity int64) *Source {
	return &Source{
		inner:     inner,
		capacity:  capacity,
		items:     make(map[chunkgo.Range]*list.Element),
		evictList: list.New(),
	}
}

// Chunk returns the cached chunk for r, fetching and caching it on a
// miss.
func (s *Source) Chunk(ctx context.Context, r chunkgo.Range) (*chunkgo.Chunk, error) {
	if chunk, ok := s.lookup(r); ok {
		return chunk, nil
	}
	chunk, err := s.inner.Chunk(ctx, r)
	if err != nil {
		return nil, err
	}
	s.store(chunk)
	return chunk, nil
}

// Chunks serves cached ranges from memory and fetches only the misses
// from the inner source, as one batch. Results align positionally with
// ranges.
func (s *Source) Chunks(ctx context.Context, ranges []chunkgo.Range) ([]*chunkgo.Chunk, error) {
	chunks := make([]*chunkgo.Chunk, len(ranges))
	var missing []chunkgo.Range
	var missingIdx []int
	for i, r := range ranges {
		if chunk, ok := s.lookup(r); ok {
			chunks[i] = chunk
			continue
		}
		missing = append(missing, r)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return chunks, nil
	}

	fetched, err := s.inner.Chunks(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, chunk := range fetched {
		s.store(chunk)
		chunks[missingIdx[j]] = chunk
	}
	return chunks, nil
}

func (s *Source) lookup(r chunkgo.Range) (*chunkgo.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.items[r]; ok {
		s.hits.Add(1)
		s.evictList.MoveToFront(ent)
		return ent.Value.(*entry).chunk, true
	}
	s.misses.Add(1)
	return nil, false
}

func (s *Source) store(chunk *chunkgo.Chunk) {
	key := chunk.Range()
	// Oversized chunks would evict the whole cache for one entry.
	if chunk.Len() > s.capacity {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[key]; ok {
		s.evictList.MoveToFront(ent)
		return
	}
	for s.size+chunk.Len() > s.capacity {
		oldest := s.evictList.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest)
	}
	s.items[key] = s.evictList.PushFront(&entry{key: key, chunk: chunk})
	s.size += chunk.Len()
}

func (s *Source) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	s.evictList.Remove(el)
	delete(s.items, ent.key)
	s.size -= ent.chunk.Len()
}

// CacheStats returns the cache's hit, miss and size counters.
func (s *Source) CacheStats() Stats {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Size:   size,
	}
}

// Stats returns the inner source's request counters. Cache hits do not
// show up there; compare with CacheStats to see the savings.
func (s *Source) Stats() chunkgo.Stats { return s.inner.Stats() }

// Close drops every cached chunk and closes the inner source.
func (s *Source) Close() error {
	s.mu.Lock()
	s.items = make(map[chunkgo.Range]*list.Element)
	s.evictList.Init()
	s.size = 0
	s.mu.Unlock()
	return s.inner.Close()
}
