// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package completion builds the context a completion request needs: what
// the user is typing, where, and which symbols are candidates.
package completion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/cache"
	"github.com/AleutianAI/pikels/services/pikels/documents"
	"github.com/AleutianAI/pikels/services/pikels/resolver"
)

// DefaultStaleVersionTolerance is how many editor versions behind the latest
// completed analysis may be and still serve completion.
const DefaultStaleVersionTolerance = 5

// Source provides consistent document snapshots.
type Source interface {
	Snapshot(uri string) (documents.Snapshot, error)
}

// Analyzer provides analyses through the cache.
type Analyzer interface {
	// Analyze returns the analysis of exactly snap, computing on a miss.
	Analyze(ctx context.Context, snap documents.Snapshot) (*cache.AnalysisResult, error)

	// Latest returns the newest completed analysis of uri.
	Latest(uri string) (*cache.AnalysisResult, bool)
}

// PathResolver resolves dotted module paths.
type PathResolver interface {
	Resolve(ctx context.Context, path string) (resolver.Result, error)
}

// Context is everything a completion handler needs to list candidates.
type Context struct {
	URI      string
	Position bridge.Position

	// Prefix is the partial identifier left of the cursor.
	Prefix string

	// Qualifier is the expression before Operator, e.g. "Stdio.File".
	Qualifier string

	// Operator is "", "." or "->".
	Operator string

	Expected Expected

	// Fingerprint identifies the analysis the symbols came from.
	Fingerprint cache.Fingerprint

	// Stale is true when a recent but not current analysis was used.
	Stale bool

	// Symbols are scope candidates matching Prefix.
	Symbols []bridge.Symbol

	// QualifierPath is the module path the qualifier resolved to.
	QualifierPath string

	// QualifierResolved is true when Members came from the resolver.
	QualifierResolved bool

	// Members are the qualifier's members matching Prefix.
	Members []string
}

// Builder builds completion contexts.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Builder struct {
	docs      Source
	analyzer  Analyzer
	resolver  PathResolver
	tolerance int
}

// Option configures a Builder.
type Option func(*Builder)

// WithStaleVersionTolerance sets how many versions behind an analysis may
// be. Zero requires the exact current version.
func WithStaleVersionTolerance(n int) Option {
	return func(b *Builder) {
		if n >= 0 {
			b.tolerance = n
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(docs Source, analyzer Analyzer, r PathResolver, opts ...Option) *Builder {
	b := &Builder{
		docs:      docs,
		analyzer:  analyzer,
		resolver:  r,
		tolerance: DefaultStaleVersionTolerance,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build derives the completion context at pos in uri.
//
// Description:
//
//	Scans the text before the cursor for prefix, qualifier and operator,
//	then fills scope symbols from the analysis and qualifier members from
//	the resolver. For open documents, an analysis at most
//	StaleVersionTolerance versions old is used as is rather than waiting
//	for a fresh compile.
//
// Outputs:
//
//	*Context - The completion context; the same shape warm or cold
//	error - Document not found, or a worker failure
func (b *Builder) Build(ctx context.Context, uri string, pos bridge.Position) (*Context, error) {
	snap, err := b.docs.Snapshot(uri)
	if err != nil {
		return nil, err
	}

	cur := scanCursor(snap.Text, pos)
	out := &Context{
		URI:       uri,
		Position:  pos,
		Prefix:    cur.Prefix,
		Qualifier: cur.Qualifier,
		Operator:  cur.Operator,
		Expected:  cur.Expected,
		Symbols:   []bridge.Symbol{},
		Members:   []string{},
	}
	if cur.Expected == ExpectNone {
		out.Fingerprint = snap.Fingerprint
		return out, nil
	}

	analysis, stale, err := b.analysis(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", uri, err)
	}
	out.Fingerprint = analysis.Fingerprint
	out.Stale = stale

	switch cur.Expected {
	case ExpectScope:
		out.Symbols = filterSymbols(analysis.Symbols, cur.Prefix)
	case ExpectModuleMember, ExpectObjectMember, ExpectInheritTarget:
		if cur.Qualifier == "" {
			if cur.Expected == ExpectInheritTarget {
				out.Symbols = filterSymbols(analysis.Symbols, cur.Prefix)
			}
			break
		}
		path := b.qualifierPath(cur, analysis)
		res, err := b.resolver.Resolve(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		out.QualifierPath = path
		if res.Resolved {
			out.QualifierResolved = true
			out.Members = filterNames(res.Node.Info.Members, cur.Prefix)
		}
	}
	return out, nil
}

// analysis picks the analysis to use: a recent enough latest one, or the
// exact current one.
func (b *Builder) analysis(ctx context.Context, snap documents.Snapshot) (*cache.AnalysisResult, bool, error) {
	if snap.Open() {
		if latest, ok := b.analyzer.Latest(snap.Fingerprint.URI); ok && latest.Fingerprint.Versioned {
			behind := *snap.Version - latest.Fingerprint.Version
			if behind >= 0 && behind <= b.tolerance {
				return latest, behind > 0, nil
			}
		}
	}

	res, err := b.analyzer.Analyze(ctx, snap)
	if err != nil {
		return nil, false, err
	}
	return res, false, nil
}

// qualifierPath maps the qualifier to a module path. For "obj->" the
// declared type of a local variable is used when known.
func (b *Builder) qualifierPath(cur cursorContext, analysis *cache.AnalysisResult) string {
	if cur.Operator != "->" || strings.Contains(cur.Qualifier, ".") {
		return cur.Qualifier
	}
	for _, s := range analysis.Symbols {
		if s.Name == cur.Qualifier && s.Detail != "" {
			if typ := declaredType(s.Detail); typ != "" {
				return typ
			}
		}
	}
	return cur.Qualifier
}

// declaredType extracts a module path from a declaration detail such as
// "Stdio.File f" or "object(Stdio.File)".
func declaredType(detail string) string {
	detail = strings.TrimSpace(detail)
	if strings.HasPrefix(detail, "object(") {
		if end := strings.IndexByte(detail, ')'); end > len("object(") {
			return detail[len("object("):end]
		}
		return ""
	}
	typ, _, _ := strings.Cut(detail, " ")
	if typ == "" || trailingPath(typ) != typ {
		return ""
	}
	return typ
}

func filterSymbols(symbols []bridge.Symbol, prefix string) []bridge.Symbol {
	out := []bridge.Symbol{}
	for _, s := range symbols {
		if strings.HasPrefix(s.Name, prefix) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func filterNames(names []string, prefix string) []string {
	out := []string{}
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
