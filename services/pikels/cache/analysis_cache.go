// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes document analyses by fingerprint.
//
// Description:
//
//	At most one computation runs per fingerprint. Concurrent callers for
//	the same fingerprint share it. Completed results are kept until they
//	are superseded by a newer fingerprint of the same document, evicted by
//	the LRU bound, or explicitly invalidated. Failed computations are never
//	stored, so the next call retries.
//
//	Invalidation also reaches computations still in flight: a result whose
//	document or dependencies were invalidated after its computation began
//	is not stored, and the computation runs again.
//
// Thread Safety:
//
//	Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byURI   map[string]map[string]*entry
	latest  map[string]*entry
	lru     *list.List
	flight  singleflight.Group
	options CacheOptions

	// deps and dependents are the forward and reverse dependency edges,
	// taken from the newest completed analysis of each URI.
	deps       map[string][]string
	dependents map[string]map[string]struct{}

	// gen advances on every invalidation. invalidatedAt holds the
	// generation at which a URI was last invalidated, clearedAt the
	// generation of the last Clear.
	gen           uint64
	invalidatedAt map[string]uint64
	clearedAt     uint64

	// Stats
	hits      int64
	misses    int64
	computes  int64
	failures  int64
	evictions int64
	discarded int64
}

// New creates a Cache with the given options.
func New(opts ...CacheOption) *Cache {
	options := DefaultCacheOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Cache{
		entries:       make(map[string]*entry),
		byURI:         make(map[string]map[string]*entry),
		latest:        make(map[string]*entry),
		lru:           list.New(),
		options:       options,
		deps:          make(map[string][]string),
		dependents:    make(map[string]map[string]struct{}),
		invalidatedAt: make(map[string]uint64),
	}
}

// Analyze returns the analysis for fp, computing it on a miss.
//
// Description:
//
//	A completed entry is returned without calling compute. Otherwise the
//	caller joins the computation already in flight for fp, or starts one.
//	compute runs with a context detached from ctx's cancellation: if ctx
//	ends, this caller stops waiting but the computation finishes for the
//	others and its result is stored.
//
// Inputs:
//
//	ctx - Bounds how long this caller waits
//	fp - Fingerprint of the document state to analyze
//	compute - Produces the analysis on a miss
//
// Outputs:
//
//	*AnalysisResult - Shared, read-only result
//	error - The compute error (not cached), ctx.Err(), or ErrInvalidFingerprint
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Cache) Analyze(ctx context.Context, fp Fingerprint, compute ComputeFunc) (*AnalysisResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if fp.URI == "" {
		return nil, ErrInvalidFingerprint
	}
	if compute == nil {
		return nil, fmt.Errorf("compute must not be nil")
	}

	ctx, span := startCacheSpan(ctx, "Analyze", fp)
	defer span.End()
	start := time.Now()

	if res, ok := c.get(fp); ok {
		atomic.AddInt64(&c.hits, 1)
		recordCacheHit(ctx)
		setCacheSpanResult(span, true)
		recordAnalyzeLatency(ctx, time.Since(start), true)
		return res, nil
	}

	atomic.AddInt64(&c.misses, 1)
	recordCacheMiss(ctx)
	setCacheSpanResult(span, false)

	key := fp.Key()
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		// A flight for this key may have finished between our miss and here.
		if res, ok := c.peekKey(key); ok {
			return res, nil
		}
		return c.compute(detached, fp, compute)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		recordAnalyzeLatency(ctx, time.Since(start), false)
		if r.Err != nil {
			span.RecordError(r.Err)
			return nil, r.Err
		}
		return r.Val.(*AnalysisResult), nil
	}
}

// compute runs fn and stores its result. A result invalidated while fn
// ran is discarded and fn runs again, up to maxComputeAttempts times; the
// last such result is returned without being stored.
func (c *Cache) compute(ctx context.Context, fp Fingerprint, fn ComputeFunc) (*AnalysisResult, error) {
	for attempt := 1; ; attempt++ {
		gen := c.generation()
		atomic.AddInt64(&c.computes, 1)

		start := time.Now()
		res, err := fn(ctx, fp)
		if err == nil && res == nil {
			err = ErrNilResult
		}
		if err != nil {
			atomic.AddInt64(&c.failures, 1)
			recordCompute(ctx, false)
			return nil, err
		}
		recordCompute(ctx, true)

		res.Fingerprint = fp
		if res.ComputedAt.IsZero() {
			res.ComputedAt = time.Now()
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}

		stored, ok := c.store(ctx, fp, res, gen)
		if ok || attempt >= maxComputeAttempts {
			return stored, nil
		}
	}
}

func (c *Cache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// get returns the completed entry for fp and marks it recently used.
func (c *Cache) get(fp Fingerprint) (*AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp.Key()]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(e.lruElement)
	return e.result, true
}

func (c *Cache) peekKey(key string) (*AnalysisResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.result, true
}

// store inserts a completed result and maintains the latest-per-URI view.
//
// gen is the generation at which the computation began. When fp's document
// or one of res's dependencies was invalidated since, res is not stored and
// store returns false. The dependency edges are still recorded and the
// dependents of fp's document are invalidated, since they may have been
// computed against the same stale inputs.
func (c *Cache) store(ctx context.Context, fp Fingerprint, res *AnalysisResult, gen uint64) (*AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fp.Key()
	if existing, ok := c.entries[key]; ok {
		return existing.result, true
	}

	if c.invalidatedSinceLocked(fp.URI, res.Dependencies, gen) {
		atomic.AddInt64(&c.discarded, 1)
		recordCacheEviction(ctx, "invalidated")
		if cur := c.latest[fp.URI]; cur == nil || !cur.fp.Supersedes(fp) {
			c.setDepsLocked(fp.URI, res.Dependencies)
		}
		c.gen++
		c.invalidatedAt[fp.URI] = c.gen
		c.invalidateDependentsLocked(fp.URI)
		return res, false
	}

	e := &entry{key: key, fp: fp, result: res}
	e.lruElement = c.lru.PushFront(e)
	c.entries[key] = e
	if c.byURI[fp.URI] == nil {
		c.byURI[fp.URI] = make(map[string]*entry)
	}
	c.byURI[fp.URI][key] = e

	// A stale computation finishing late keeps its own entry but never
	// becomes the latest.
	cur := c.latest[fp.URI]
	if cur == nil || !cur.fp.Supersedes(fp) {
		c.latest[fp.URI] = e
		c.setDepsLocked(fp.URI, res.Dependencies)

		for k, old := range c.byURI[fp.URI] {
			if k != key && fp.Supersedes(old.fp) {
				c.removeLocked(old)
				atomic.AddInt64(&c.evictions, 1)
				recordCacheEviction(ctx, "superseded")
			}
		}
	}

	for len(c.entries) > c.options.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry)
		if victim == e {
			break
		}
		c.removeLocked(victim)
		atomic.AddInt64(&c.evictions, 1)
		recordCacheEviction(ctx, "capacity")
	}

	return res, true
}

// invalidatedSinceLocked reports whether uri or any of deps was invalidated
// after generation gen. Caller holds the lock.
func (c *Cache) invalidatedSinceLocked(uri string, deps []string, gen uint64) bool {
	if c.clearedAt > gen || c.invalidatedAt[uri] > gen {
		return true
	}
	for _, d := range deps {
		if c.invalidatedAt[d] > gen {
			return true
		}
	}
	return false
}

// removeLocked drops an entry. Caller holds the write lock.
func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.lruElement)
	delete(c.entries, e.key)
	if m := c.byURI[e.fp.URI]; m != nil {
		delete(m, e.key)
		if len(m) == 0 {
			delete(c.byURI, e.fp.URI)
		}
	}
	if c.latest[e.fp.URI] == e {
		delete(c.latest, e.fp.URI)
	}
}

// setDepsLocked replaces the dependency edges of uri. Caller holds the
// write lock.
func (c *Cache) setDepsLocked(uri string, deps []string) {
	for _, d := range c.deps[uri] {
		if set := c.dependents[d]; set != nil {
			delete(set, uri)
			if len(set) == 0 {
				delete(c.dependents, d)
			}
		}
	}

	if len(deps) == 0 {
		delete(c.deps, uri)
		return
	}

	c.deps[uri] = append([]string(nil), deps...)
	for _, d := range deps {
		if c.dependents[d] == nil {
			c.dependents[d] = make(map[string]struct{})
		}
		c.dependents[d][uri] = struct{}{}
	}
}

// =============================================================================
// READS
// =============================================================================

// Peek returns the completed analysis for fp without computing or counting
// a hit.
func (c *Cache) Peek(fp Fingerprint) (*AnalysisResult, bool) {
	return c.peekKey(fp.Key())
}

// Latest returns the newest completed analysis of uri.
//
// Description:
//
//	"Newest" is by fingerprint order, not completion order: a computation
//	for an older version that finishes late never replaces a newer result.
func (c *Cache) Latest(uri string) (*AnalysisResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.latest[uri]
	if !ok {
		return nil, false
	}
	return e.result, true
}

// Dependencies returns what uri depended on in its latest analysis.
func (c *Cache) Dependencies(uri string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.deps[uri]...)
}

// Dependents returns the URIs whose latest analysis depends on uri, sorted.
func (c *Cache) Dependents(uri string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.dependents[uri]))
	for d := range c.dependents[uri] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// INVALIDATION
// =============================================================================

// InvalidateURI drops every completed analysis of uri. A computation of uri
// already in flight is not stored. Dependency edges are kept until uri is
// analyzed again. Returns the number of entries removed.
func (c *Cache) InvalidateURI(uri string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.invalidatedAt[uri] = c.gen
	return c.invalidateLocked(uri)
}

func (c *Cache) invalidateLocked(uri string) int {
	n := 0
	for _, e := range c.byURI[uri] {
		c.removeLocked(e)
		n++
	}
	delete(c.latest, uri)
	return n
}

// InvalidateDependents drops the analyses of every document that depends on
// uri, directly or transitively. uri itself is left alone.
//
// Description:
//
//	Computations in flight are covered too, even before their dependency
//	edges are known: a computation that began before this call is not
//	stored if its result depends on uri or on an invalidated dependent.
//
// Outputs:
//
//	[]string - The invalidated URIs, sorted
func (c *Cache) InvalidateDependents(uri string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.invalidatedAt[uri] = c.gen
	return c.invalidateDependentsLocked(uri)
}

// invalidateDependentsLocked walks the reverse edges of uri, dropping and
// marking each dependent at the current generation. Caller holds the lock.
func (c *Cache) invalidateDependentsLocked(uri string) []string {
	visited := map[string]bool{uri: true}
	queue := []string{uri}
	var out []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for d := range c.dependents[cur] {
			if visited[d] {
				continue
			}
			visited[d] = true
			c.invalidatedAt[d] = c.gen
			c.invalidateLocked(d)
			out = append(out, d)
			queue = append(queue, d)
		}
	}

	sort.Strings(out)
	return out
}

// Clear removes all entries and dependency edges.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.byURI = make(map[string]map[string]*entry)
	c.latest = make(map[string]*entry)
	c.deps = make(map[string][]string)
	c.dependents = make(map[string]map[string]struct{})
	c.lru.Init()

	c.gen++
	c.clearedAt = c.gen
	c.invalidatedAt = make(map[string]uint64)
}

// Stats returns current cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		EntryCount: len(c.entries),
		URIs:       len(c.byURI),
		Hits:       atomic.LoadInt64(&c.hits),
		Misses:     atomic.LoadInt64(&c.misses),
		Computes:   atomic.LoadInt64(&c.computes),
		Failures:   atomic.LoadInt64(&c.failures),
		Evictions:  atomic.LoadInt64(&c.evictions),
		Discarded:  atomic.LoadInt64(&c.discarded),
		MaxEntries: c.options.MaxEntries,
	}
}
