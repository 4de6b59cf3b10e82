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
	"errors"
	"strconv"
	"time"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
)

// Default configuration values.
const (
	// DefaultMaxEntries is the default maximum number of cached analyses.
	DefaultMaxEntries = 512

	// maxComputeAttempts bounds how often one flight recomputes a result
	// that was invalidated while it ran.
	maxComputeAttempts = 3
)

// Sentinel errors.
var (
	// ErrInvalidFingerprint is returned for a fingerprint without a URI.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")

	// ErrNilResult is returned when a compute function returns neither a
	// result nor an error.
	ErrNilResult = errors.New("compute returned nil result")
)

// =============================================================================
// FINGERPRINT
// =============================================================================

// Fingerprint identifies one observable state of a document.
//
// Description:
//
//	Open documents are fingerprinted by (URI, editor version). Closed
//	documents by (URI, mtime, size) from the filesystem. The same content
//	yields equal fingerprints; any observable change yields a different one.
//	Fingerprint is comparable and can be used as a map key.
type Fingerprint struct {
	URI string

	// Versioned is true for open-document fingerprints.
	Versioned bool
	Version   int

	// ModTime (unix nanoseconds) and Size are set for closed documents.
	ModTime int64
	Size    int64
}

// VersionedFingerprint returns the fingerprint of an open document.
func VersionedFingerprint(uri string, version int) Fingerprint {
	return Fingerprint{URI: uri, Versioned: true, Version: version}
}

// StatFingerprint returns the fingerprint of a closed document.
func StatFingerprint(uri string, modTime time.Time, size int64) Fingerprint {
	return Fingerprint{URI: uri, ModTime: modTime.UnixNano(), Size: size}
}

// Key renders the fingerprint as a stable string.
func (f Fingerprint) Key() string {
	if f.Versioned {
		return f.URI + "#v" + strconv.Itoa(f.Version)
	}
	return f.URI + "@" + strconv.FormatInt(f.ModTime, 10) + ":" + strconv.FormatInt(f.Size, 10)
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string {
	return f.Key()
}

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Supersedes reports whether f is a strictly newer state of the same
// document than other. Versioned and stat fingerprints are not comparable
// with each other, so mixed forms never supersede.
func (f Fingerprint) Supersedes(other Fingerprint) bool {
	if f.URI != other.URI || f.Versioned != other.Versioned {
		return false
	}
	if f.Versioned {
		return f.Version > other.Version
	}
	return f.ModTime > other.ModTime
}

// =============================================================================
// RESULTS
// =============================================================================

// AnalysisResult is the cached outcome of analyzing one fingerprint.
//
// Results are shared by every caller and must be treated as read-only.
type AnalysisResult struct {
	Fingerprint Fingerprint

	// Diagnostics are ordered by position.
	Diagnostics []bridge.Diagnostic

	// Symbols is the exported symbol table.
	Symbols []bridge.Symbol

	// Dependencies are the URIs (or module names for builtins) this
	// document inherits, imports or includes.
	Dependencies []string

	ComputedAt time.Time
	Duration   time.Duration
}

// ComputeFunc produces the analysis for a fingerprint. It runs detached from
// the cancellation of the caller that triggered it.
type ComputeFunc func(ctx context.Context, fp Fingerprint) (*AnalysisResult, error)

// entry is a completed analysis held by the cache.
type entry struct {
	key        string
	fp         Fingerprint
	result     *AnalysisResult
	lruElement *list.Element
}

// =============================================================================
// OPTIONS
// =============================================================================

// CacheOptions configures the cache.
type CacheOptions struct {
	// MaxEntries caps the number of completed analyses kept.
	MaxEntries int
}

// DefaultCacheOptions returns sensible defaults.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		MaxEntries: DefaultMaxEntries,
	}
}

// CacheOption configures a Cache.
type CacheOption func(*CacheOptions)

// WithMaxEntries sets the maximum number of cached analyses.
func WithMaxEntries(n int) CacheOption {
	return func(o *CacheOptions) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// =============================================================================
// STATS
// =============================================================================

// CacheStats contains cache statistics.
type CacheStats struct {
	EntryCount int   `json:"entry_count"`
	URIs       int   `json:"uris"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Computes   int64 `json:"computes"`
	Failures   int64 `json:"failures"`
	Evictions  int64 `json:"evictions"`
	Discarded  int64 `json:"discarded"`
	MaxEntries int   `json:"max_entries"`
}

// HitRate returns the cache hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
