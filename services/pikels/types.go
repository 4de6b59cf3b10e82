// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pikels

import (
	"context"
	"fmt"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/cache"
	"github.com/AleutianAI/pikels/services/pikels/resolver"
)

// InvalidationPolicy decides what a change to one file does to the cached
// analyses of files that inherit or import it.
type InvalidationPolicy string

const (
	// InvalidationNone leaves dependents alone. They are re-analyzed when
	// their own fingerprint changes.
	InvalidationNone InvalidationPolicy = "none"

	// InvalidationDependents drops the analyses of every transitive
	// dependent and revalidates the open ones.
	InvalidationDependents InvalidationPolicy = "dependents"
)

// ParseInvalidationPolicy parses a policy name. Empty means InvalidationNone.
func ParseInvalidationPolicy(s string) (InvalidationPolicy, error) {
	switch InvalidationPolicy(s) {
	case "", InvalidationNone:
		return InvalidationNone, nil
	case InvalidationDependents:
		return InvalidationDependents, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// Worker is the process-backed transport the service analyzes through.
// *bridge.Bridge implements it.
type Worker interface {
	bridge.Requester
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	OnReady(fn func(bridge.VersionInfo))
	Snapshot() bridge.Snapshot
}

// Publisher delivers diagnostics to the editor.
type Publisher interface {
	// PublishDiagnostics replaces the diagnostics shown for uri. version is
	// the editor version they belong to, nil for closed documents.
	PublishDiagnostics(ctx context.Context, uri string, version *int, diags []bridge.Diagnostic) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, uri string, version *int, diags []bridge.Diagnostic) error

// PublishDiagnostics calls f.
func (f PublisherFunc) PublishDiagnostics(ctx context.Context, uri string, version *int, diags []bridge.Diagnostic) error {
	return f(ctx, uri, version, diags)
}

// HoverSource says where hover information came from.
type HoverSource string

const (
	HoverLocal  HoverSource = "local"
	HoverStdlib HoverSource = "stdlib"
)

// HoverResult is the data behind a hover, independent of its rendering.
type HoverResult struct {
	// Path is the identifier or dotted path under the cursor.
	Path      string       `json:"path"`
	Name      string       `json:"name"`
	Kind      string       `json:"kind"`
	Signature string       `json:"signature,omitempty"`
	Doc       string       `json:"doc,omitempty"`
	Source    HoverSource  `json:"source"`
	Range     bridge.Range `json:"range"`

	// Definition is the declaring range for local symbols.
	Definition *bridge.Range `json:"definition,omitempty"`
}

// ReferenceLens is the reference count of one declared symbol.
type ReferenceLens struct {
	Name  string       `json:"name"`
	Kind  string       `json:"kind"`
	Range bridge.Range `json:"range"`

	// Position is where the lens is anchored, the start of Range.
	Position bridge.Position `json:"position"`

	Count      int            `json:"count"`
	References []bridge.Range `json:"references"`
}

// Status is a point-in-time view of the service for the debug endpoints.
type Status struct {
	Bridge             bridge.Snapshot    `json:"bridge"`
	Cache              cache.CacheStats   `json:"cache"`
	Resolver           resolver.Stats     `json:"resolver"`
	OpenDocuments      int                `json:"open_documents"`
	PendingValidations int                `json:"pending_validations"`
	LegacyAnalyze      bool               `json:"legacy_analyze"`
	Invalidation       InvalidationPolicy `json:"invalidation"`
}
