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

// =============================================================================
// POSITION TYPES
// =============================================================================

// Position represents a position in a text document.
//
// Description:
//
//	Line and Character are zero-based. Character counts UTF-16 code units,
//	matching what the editor sends.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Before reports whether p comes strictly before other.
func (p Position) Before(other Position) bool {
	if p.Line != other.Line {
		return p.Line < other.Line
	}
	return p.Character < other.Character
}

// Range represents a span of text in a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains reports whether pos falls inside r (end inclusive).
func (r Range) Contains(pos Position) bool {
	return !pos.Before(r.Start) && !r.End.Before(pos)
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// Severity classifies a diagnostic. Values match the LSP severities.
type Severity int

const (
	SeverityError       Severity = 1
	SeverityWarning     Severity = 2
	SeverityInformation Severity = 3
	SeverityHint        Severity = 4
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "information"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// Diagnostic is one compiler or analyzer message.
type Diagnostic struct {
	Range    Range    `json:"range"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	// Source names the producer, e.g. "pike" or "uninitialized".
	Source string `json:"source,omitempty"`
}

// =============================================================================
// SYMBOLS
// =============================================================================

// Symbol is an entry of a document's exported symbol table.
type Symbol struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Range  Range  `json:"range"`
	Detail string `json:"detail,omitempty"`
	Doc    string `json:"doc,omitempty"`

	// References lists the ranges where the symbol is used in the document.
	References []Range `json:"references,omitempty"`
}

// Dependency is a module inherited or imported by a document.
type Dependency struct {
	// Name is the module path as written, e.g. "Stdio" or ".helpers".
	Name string `json:"name"`

	// URI is the resolved file URI, empty for builtin modules.
	URI string `json:"uri,omitempty"`

	// Kind is "inherit", "import" or "include".
	Kind string `json:"kind"`
}

// SymbolInfo describes a resolved module or module member.
type SymbolInfo struct {
	// Path is the full dotted path, e.g. "Stdio.File".
	Path      string   `json:"path"`
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Signature string   `json:"signature,omitempty"`
	Doc       string   `json:"doc,omitempty"`
	Members   []string `json:"members,omitempty"`
}

// VersionInfo identifies the running worker.
type VersionInfo struct {
	Version string `json:"version"`
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
	Build   int    `json:"build"`
	Display string `json:"display,omitempty"`
}

// =============================================================================
// REQUEST PARAMS
// =============================================================================

// DocumentParams identifies the document a worker operation runs on.
type DocumentParams struct {
	URI      string `json:"uri"`
	Filename string `json:"filename,omitempty"`
	Text     string `json:"text"`

	// Version is the editor version, nil for closed documents.
	Version *int `json:"version,omitempty"`
}

type analyzeParams struct {
	DocumentParams
	Include []string `json:"include"`
}

type resolveModuleParams struct {
	Name string `json:"name"`
}

type resolveMemberParams struct {
	Parent string `json:"parent"`
	Name   string `json:"name"`
}

// =============================================================================
// RESULTS
// =============================================================================

// CompileResult is the result of the "compile" method.
type CompileResult struct {
	Diagnostics  []Diagnostic `json:"diagnostics"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// IntrospectResult is the result of the "introspect" method.
type IntrospectResult struct {
	Symbols      []Symbol     `json:"symbols"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// DiagnosticsResult is the result of the "analyze_uninitialized" method.
type DiagnosticsResult struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// analyzeResult is the consolidated "analyze" response. Sections not
// requested are omitted by the worker.
type analyzeResult struct {
	Parse *struct {
		Diagnostics []Diagnostic `json:"diagnostics"`
	} `json:"parse,omitempty"`
	Introspect  *IntrospectResult  `json:"introspect,omitempty"`
	Diagnostics *DiagnosticsResult `json:"diagnostics,omitempty"`
	Compile     *CompileResult     `json:"compile,omitempty"`
}

// AnalysisOutput is everything one analysis of a document produces.
//
// Description:
//
//	The consolidated and legacy paths both produce this shape. Diagnostics
//	are sorted by position and deduplicated.
type AnalysisOutput struct {
	Diagnostics  []Diagnostic
	Symbols      []Symbol
	Dependencies []Dependency

	// Consolidated is true when the single-call "analyze" method served it.
	Consolidated bool
}
