// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver resolves dotted stdlib paths such as "Stdio.File.read"
// through the worker, memoizing every resolved prefix.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
)

// DefaultWarmConcurrency bounds concurrent lookups during Warm.
const DefaultWarmConcurrency = 4

// ErrInvalidPath is returned for an empty path or one with empty segments.
var ErrInvalidPath = errors.New("invalid symbol path")

// Lookup performs single-segment worker lookups. *bridge.Client implements it.
type Lookup interface {
	// ResolveModule resolves a top-level module. Returns nil, nil if unknown.
	ResolveModule(ctx context.Context, name string) (*bridge.SymbolInfo, error)

	// ResolveMember resolves name inside parentPath. Returns nil, nil if unknown.
	ResolveMember(ctx context.Context, parentPath, name string) (*bridge.SymbolInfo, error)
}

// Node is a resolved path prefix.
type Node struct {
	// Path is the full dotted path of this node.
	Path string

	// Info is what the worker reported for the node.
	Info bridge.SymbolInfo

	// Parent is the node of the path without its last segment, nil for
	// top-level modules.
	Parent *Node
}

// Result is the outcome of resolving a path.
type Result struct {
	Path string

	// Resolved is true when every segment was found.
	Resolved bool

	// Node is the deepest resolved node: the target when Resolved, else the
	// last segment that did resolve (nil if even the first did not).
	Node *Node

	// Unresolved is the first segment that could not be found.
	Unresolved string
}

// Stats are resolver counters.
type Stats struct {
	Entries  int   `json:"entries"`
	Lookups  int64 `json:"lookups"`
	MemoHits int64 `json:"memo_hits"`
	Resets   int64 `json:"resets"`
}

// Resolver resolves dotted paths with longest-prefix memoization.
//
// Description:
//
//	Resolve finds the longest memoized prefix of a path and only asks the
//	worker about the remaining segments, each as a member of the previous
//	node. Resolving "Stdio.File" after "Stdio" costs exactly one lookup.
//	Unresolved segments and worker failures are not memoized.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent resolutions of the same prefix
//	share one worker lookup.
type Resolver struct {
	lookup Lookup

	mu       sync.RWMutex
	memo     map[string]*Node
	identity uint64
	flight   singleflight.Group

	lookups  int64
	memoHits int64
	resets   int64
}

// New creates a resolver backed by lookup.
func New(lookup Lookup) *Resolver {
	return &Resolver{
		lookup: lookup,
		memo:   make(map[string]*Node),
	}
}

// Resolve resolves a dotted path.
//
// Inputs:
//
//	ctx - Bounds the worker lookups
//	path - Dotted path, e.g. "Stdio.File.read"
//
// Outputs:
//
//	Result - Resolved or the first unresolved segment (not an error)
//	error - ErrInvalidPath, or a worker failure
func (r *Resolver) Resolve(ctx context.Context, path string) (Result, error) {
	if ctx == nil {
		return Result{}, fmt.Errorf("ctx must not be nil")
	}

	segments, err := splitPath(path)
	if err != nil {
		return Result{}, err
	}

	ctx, span := startResolveSpan(ctx, path)
	defer span.End()

	start, parent := r.longestPrefix(segments)
	if start == len(segments) {
		atomic.AddInt64(&r.memoHits, 1)
		recordResolve(ctx, "memo")
		return Result{Path: path, Resolved: true, Node: parent}, nil
	}

	for i := start; i < len(segments); i++ {
		prefix := strings.Join(segments[:i+1], ".")
		node, err := r.resolveSegment(ctx, prefix, parent, segments[i])
		if err != nil {
			span.RecordError(err)
			recordResolve(ctx, "error")
			return Result{}, fmt.Errorf("resolve %s: %w", prefix, err)
		}
		if node == nil {
			recordResolve(ctx, "unresolved")
			return Result{Path: path, Node: parent, Unresolved: segments[i]}, nil
		}
		parent = node
	}

	recordResolve(ctx, "resolved")
	return Result{Path: path, Resolved: true, Node: parent}, nil
}

// longestPrefix returns how many leading segments are memoized and the node
// of that prefix.
func (r *Resolver) longestPrefix(segments []string) (int, *Node) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(segments); i > 0; i-- {
		if node, ok := r.memo[strings.Join(segments[:i], ".")]; ok {
			return i, node
		}
	}
	return 0, nil
}

// resolveSegment resolves the last segment of prefix, sharing the lookup
// with concurrent callers of the same prefix.
func (r *Resolver) resolveSegment(ctx context.Context, prefix string, parent *Node, name string) (*Node, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(prefix, func() (interface{}, error) {
		r.mu.RLock()
		node, ok := r.memo[prefix]
		r.mu.RUnlock()
		if ok {
			return node, nil
		}

		atomic.AddInt64(&r.lookups, 1)
		var (
			info *bridge.SymbolInfo
			err  error
		)
		if parent == nil {
			info, err = r.lookup.ResolveModule(detached, name)
		} else {
			info, err = r.lookup.ResolveMember(detached, parent.Path, name)
		}
		if err != nil {
			return nil, err
		}
		if info == nil {
			return (*Node)(nil), nil
		}

		node = &Node{Path: prefix, Info: *info, Parent: parent}
		if node.Info.Path == "" {
			node.Info.Path = prefix
		}
		r.mu.Lock()
		if existing, ok := r.memo[prefix]; ok {
			node = existing
		} else {
			r.memo[prefix] = node
		}
		r.mu.Unlock()
		return node, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Node), nil
	}
}

// Warm resolves paths concurrently so later hovers hit the memo.
// Unresolved paths are ignored; the first worker failure is returned.
func (r *Resolver) Warm(ctx context.Context, paths ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultWarmConcurrency)

	for _, p := range paths {
		g.Go(func() error {
			_, err := r.Resolve(gctx, p)
			return err
		})
	}
	return g.Wait()
}

// Reset forgets every memoized node.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo = make(map[string]*Node)
	atomic.AddInt64(&r.resets, 1)
}

// SetIdentity records which worker build the memo belongs to and resets the
// memo when it changes. Returns true if a reset happened.
func (r *Resolver) SetIdentity(info bridge.VersionInfo) bool {
	h := identityHash(info)

	r.mu.Lock()
	prev := r.identity
	r.identity = h
	r.mu.Unlock()

	if prev == 0 || prev == h {
		return false
	}
	r.Reset()
	return true
}

// Stats returns resolver counters.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	entries := len(r.memo)
	r.mu.RUnlock()

	return Stats{
		Entries:  entries,
		Lookups:  atomic.LoadInt64(&r.lookups),
		MemoHits: atomic.LoadInt64(&r.memoHits),
		Resets:   atomic.LoadInt64(&r.resets),
	}
}

// identityHash fingerprints a worker build.
func identityHash(info bridge.VersionInfo) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(info.Version)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.Itoa(info.Major) + "." + strconv.Itoa(info.Minor) + "." + strconv.Itoa(info.Build))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(info.Display)
	return d.Sum64()
}

func splitPath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}
