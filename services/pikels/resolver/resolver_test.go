// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
)

// fakeStdlib answers lookups from a fixed module tree and counts them.
type fakeStdlib struct {
	tree  map[string]bool
	calls int64
	delay time.Duration
	err   error
}

func newFakeStdlib() *fakeStdlib {
	return &fakeStdlib{tree: map[string]bool{
		"Stdio":            true,
		"Stdio.File":       true,
		"Stdio.File.read":  true,
		"Stdio.File.write": true,
		"Stdio.stdout":     true,
		"Array":            true,
		"Array.sum":        true,
	}}
}

func (f *fakeStdlib) answer(path, name string) (*bridge.SymbolInfo, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	if !f.tree[path] {
		return nil, nil
	}
	return &bridge.SymbolInfo{Path: path, Name: name, Kind: "module"}, nil
}

func (f *fakeStdlib) ResolveModule(_ context.Context, name string) (*bridge.SymbolInfo, error) {
	return f.answer(name, name)
}

func (f *fakeStdlib) ResolveMember(_ context.Context, parent, name string) (*bridge.SymbolInfo, error) {
	return f.answer(parent+"."+name, name)
}

func (f *fakeStdlib) lookups() int64 {
	return atomic.LoadInt64(&f.calls)
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("member after module costs one lookup", func(t *testing.T) {
		lib := newFakeStdlib()
		r := New(lib)

		res, err := r.Resolve(ctx, "Stdio")
		require.NoError(t, err)
		require.True(t, res.Resolved)
		assert.Equal(t, int64(1), lib.lookups())

		res, err = r.Resolve(ctx, "Stdio.File")
		require.NoError(t, err)
		require.True(t, res.Resolved)
		assert.Equal(t, int64(2), lib.lookups(), "exactly one extra lookup")

		assert.Equal(t, "Stdio.File", res.Node.Path)
		require.NotNil(t, res.Node.Parent)
		assert.Equal(t, "Stdio", res.Node.Parent.Path)
	})

	t.Run("cold deep path memoizes every prefix", func(t *testing.T) {
		lib := newFakeStdlib()
		r := New(lib)

		_, err := r.Resolve(ctx, "Stdio.File.read")
		require.NoError(t, err)
		assert.Equal(t, int64(3), lib.lookups())

		for _, p := range []string{"Stdio", "Stdio.File", "Stdio.File.read"} {
			res, err := r.Resolve(ctx, p)
			require.NoError(t, err)
			assert.True(t, res.Resolved, p)
		}
		assert.Equal(t, int64(3), lib.lookups(), "memoized prefixes need no lookups")

		_, err = r.Resolve(ctx, "Stdio.File.write")
		require.NoError(t, err)
		assert.Equal(t, int64(4), lib.lookups())
		assert.Equal(t, int64(3), r.Stats().MemoHits)
	})

	t.Run("unresolved segment is reported inline and not memoized", func(t *testing.T) {
		lib := newFakeStdlib()
		r := New(lib)

		res, err := r.Resolve(ctx, "Stdio.Nope.read")
		require.NoError(t, err)
		assert.False(t, res.Resolved)
		assert.Equal(t, "Nope", res.Unresolved)
		require.NotNil(t, res.Node)
		assert.Equal(t, "Stdio", res.Node.Path)

		_, err = r.Resolve(ctx, "Stdio.Nope")
		require.NoError(t, err)
		assert.Equal(t, int64(3), lib.lookups(), "unresolved lookups are retried")
	})

	t.Run("unknown top-level module", func(t *testing.T) {
		r := New(newFakeStdlib())
		res, err := r.Resolve(ctx, "Nope")
		require.NoError(t, err)
		assert.False(t, res.Resolved)
		assert.Nil(t, res.Node)
		assert.Equal(t, "Nope", res.Unresolved)
	})

	t.Run("worker failure is an error and not memoized", func(t *testing.T) {
		lib := newFakeStdlib()
		lib.err = bridge.ErrWorkerUnavailable
		r := New(lib)

		_, err := r.Resolve(ctx, "Stdio")
		assert.ErrorIs(t, err, bridge.ErrWorkerUnavailable)

		lib.err = nil
		res, err := r.Resolve(ctx, "Stdio")
		require.NoError(t, err)
		assert.True(t, res.Resolved)
	})

	t.Run("invalid paths", func(t *testing.T) {
		r := New(newFakeStdlib())
		for _, p := range []string{"", "  ", "Stdio..File", ".Stdio", "Stdio."} {
			_, err := r.Resolve(ctx, p)
			assert.ErrorIs(t, err, ErrInvalidPath, "path %q", p)
		}
	})

	t.Run("concurrent resolutions share lookups", func(t *testing.T) {
		lib := newFakeStdlib()
		lib.delay = 30 * time.Millisecond
		r := New(lib)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := r.Resolve(ctx, "Stdio.File")
				assert.NoError(t, err)
				assert.True(t, res.Resolved)
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(2), lib.lookups())
	})
}

func TestResolver_Warm(t *testing.T) {
	lib := newFakeStdlib()
	r := New(lib)

	err := r.Warm(context.Background(), "Stdio.File", "Array.sum", "Nope")
	require.NoError(t, err)

	before := lib.lookups()
	res, err := r.Resolve(context.Background(), "Array.sum")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, before, lib.lookups())
}

func TestResolver_Identity(t *testing.T) {
	lib := newFakeStdlib()
	r := New(lib)
	ctx := context.Background()

	v1 := bridge.VersionInfo{Version: "8.0.1956", Major: 8, Build: 1956}
	assert.False(t, r.SetIdentity(v1), "first identity never resets")

	_, err := r.Resolve(ctx, "Stdio")
	require.NoError(t, err)

	assert.False(t, r.SetIdentity(v1), "same worker keeps the memo")
	assert.Equal(t, 1, r.Stats().Entries)

	assert.True(t, r.SetIdentity(bridge.VersionInfo{Version: "8.1.2", Major: 8, Minor: 1, Build: 2}))
	stats := r.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(1), stats.Resets)
}
