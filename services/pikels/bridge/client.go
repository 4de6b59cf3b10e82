// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
)

// Worker method names.
const (
	MethodAnalyze              = "analyze"
	MethodCompile              = "compile"
	MethodIntrospect           = "introspect"
	MethodAnalyzeUninitialized = "analyze_uninitialized"
	MethodGetVersion           = "get_version"
	MethodResolveModule        = "resolve_module"
	MethodResolveMember        = "resolve_member"
)

// analyzeIncludes are the sections requested from the consolidated call.
var analyzeIncludes = []string{"parse", "introspect", "diagnostics"}

// Requester sends one request to the worker. *Bridge implements it.
type Requester interface {
	Request(ctx context.Context, method string, params, result interface{}) error
}

// Client exposes typed worker operations.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Client struct {
	requester Requester

	// legacyOnly is set once the worker reports it has no "analyze" method.
	legacyOnly atomic.Bool
}

// NewClient wraps a requester, normally a *Bridge.
func NewClient(r Requester) *Client {
	return &Client{requester: r}
}

// Compile compiles a document and returns its diagnostics.
func (c *Client) Compile(ctx context.Context, doc DocumentParams) (*CompileResult, error) {
	var res CompileResult
	if err := c.requester.Request(ctx, MethodCompile, doc, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Introspect returns the exported symbol table of a document.
func (c *Client) Introspect(ctx context.Context, doc DocumentParams) (*IntrospectResult, error) {
	var res IntrospectResult
	if err := c.requester.Request(ctx, MethodIntrospect, doc, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AnalyzeUninitialized reports variables that may be used before assignment.
func (c *Client) AnalyzeUninitialized(ctx context.Context, doc DocumentParams) (*DiagnosticsResult, error) {
	var res DiagnosticsResult
	if err := c.requester.Request(ctx, MethodAnalyzeUninitialized, doc, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetVersionInfo returns the worker's Pike version.
func (c *Client) GetVersionInfo(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := c.requester.Request(ctx, MethodGetVersion, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Analyze runs parse, introspection and diagnostics in one round trip.
//
// Description:
//
//	Falls back to AnalyzeLegacy when the worker does not implement the
//	consolidated method, and keeps using the legacy path from then on.
//
// Outputs:
//
//	*AnalysisOutput - Merged diagnostics, symbols and dependencies
//	error - Worker or transport failure; never a partial result
func (c *Client) Analyze(ctx context.Context, doc DocumentParams) (*AnalysisOutput, error) {
	if c.legacyOnly.Load() {
		return c.AnalyzeLegacy(ctx, doc)
	}

	var res analyzeResult
	err := c.requester.Request(ctx, MethodAnalyze, analyzeParams{
		DocumentParams: doc,
		Include:        analyzeIncludes,
	}, &res)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.IsMethodNotFound() {
			if c.legacyOnly.CompareAndSwap(false, true) {
				slog.Info("Pike worker has no consolidated analyze, using legacy calls")
			}
			return c.AnalyzeLegacy(ctx, doc)
		}
		return nil, err
	}

	if res.Parse == nil && res.Introspect == nil && res.Diagnostics == nil && res.Compile == nil {
		return nil, fmt.Errorf("%w: analyze returned no sections", ErrInvalidResponse)
	}

	var (
		diags   [][]Diagnostic
		symbols []Symbol
		deps    [][]Dependency
	)
	if res.Parse != nil {
		diags = append(diags, res.Parse.Diagnostics)
	}
	if res.Compile != nil {
		diags = append(diags, res.Compile.Diagnostics)
		deps = append(deps, res.Compile.Dependencies)
	}
	if res.Introspect != nil {
		symbols = res.Introspect.Symbols
		deps = append(deps, res.Introspect.Dependencies)
	}
	if res.Diagnostics != nil {
		diags = append(diags, res.Diagnostics.Diagnostics)
	}

	out := mergeOutput(diags, symbols, deps)
	out.Consolidated = true
	return out, nil
}

// AnalyzeLegacy runs introspect, compile and analyze_uninitialized as three
// separate round trips. Any failing call fails the whole analysis.
func (c *Client) AnalyzeLegacy(ctx context.Context, doc DocumentParams) (*AnalysisOutput, error) {
	intro, err := c.Introspect(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	compiled, err := c.Compile(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	uninit, err := c.AnalyzeUninitialized(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("analyze uninitialized: %w", err)
	}

	return mergeOutput(
		[][]Diagnostic{compiled.Diagnostics, uninit.Diagnostics},
		intro.Symbols,
		[][]Dependency{compiled.Dependencies, intro.Dependencies},
	), nil
}

// ResolveModule looks up a top-level module such as "Stdio".
//
// Outputs:
//
//	*SymbolInfo - The module, or nil if the worker does not know it
//	error - Worker or transport failure
func (c *Client) ResolveModule(ctx context.Context, name string) (*SymbolInfo, error) {
	var info *SymbolInfo
	if err := c.requester.Request(ctx, MethodResolveModule, resolveModuleParams{Name: name}, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// ResolveMember looks up name inside the already resolved parentPath.
// Returns nil, nil when the member does not exist.
func (c *Client) ResolveMember(ctx context.Context, parentPath, name string) (*SymbolInfo, error) {
	var info *SymbolInfo
	err := c.requester.Request(ctx, MethodResolveMember, resolveMemberParams{
		Parent: parentPath,
		Name:   name,
	}, &info)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// LegacyOnly reports whether the client has fallen back to legacy calls.
func (c *Client) LegacyOnly() bool {
	return c.legacyOnly.Load()
}

// mergeOutput combines the sections of one analysis.
func mergeOutput(diagSets [][]Diagnostic, symbols []Symbol, depSets [][]Dependency) *AnalysisOutput {
	type diagKey struct {
		r   Range
		sev Severity
		msg string
	}

	out := &AnalysisOutput{
		Diagnostics:  []Diagnostic{},
		Symbols:      symbols,
		Dependencies: []Dependency{},
	}
	if out.Symbols == nil {
		out.Symbols = []Symbol{}
	}

	seenDiag := make(map[diagKey]bool)
	for _, set := range diagSets {
		for _, d := range set {
			k := diagKey{r: d.Range, sev: d.Severity, msg: d.Message}
			if seenDiag[k] {
				continue
			}
			seenDiag[k] = true
			out.Diagnostics = append(out.Diagnostics, d)
		}
	}
	sort.SliceStable(out.Diagnostics, func(i, j int) bool {
		a, b := out.Diagnostics[i], out.Diagnostics[j]
		if a.Range.Start != b.Range.Start {
			return a.Range.Start.Before(b.Range.Start)
		}
		return a.Severity < b.Severity
	})

	seenDep := make(map[string]bool)
	for _, set := range depSets {
		for _, d := range set {
			if d.Name == "" || seenDep[d.Name] {
				continue
			}
			seenDep[d.Name] = true
			out.Dependencies = append(out.Dependencies, d)
		}
	}
	return out
}
