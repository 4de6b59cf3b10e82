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
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
)

// scriptedRequester answers requests from a method table.
type scriptedRequester struct {
	mu        sync.Mutex
	responses map[string]interface{}
	errs      map[string]error
	calls     []string
}

func (s *scriptedRequester) Request(_ context.Context, method string, _ interface{}, result interface{}) error {
	s.mu.Lock()
	s.calls = append(s.calls, method)
	resp, ok := s.responses[method]
	err := s.errs[method]
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return &RPCError{Code: CodeMethodNotFound, Message: "method not found"}
	}
	if result == nil {
		return nil
	}
	raw, _ := json.Marshal(resp)
	return json.Unmarshal(raw, result)
}

func (s *scriptedRequester) methodCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func diag(line, char int, sev Severity, msg string) Diagnostic {
	pos := Position{Line: line, Character: char}
	return Diagnostic{Range: Range{Start: pos, End: pos}, Severity: sev, Message: msg}
}

var (
	testSymbols = []Symbol{{Name: "main", Kind: "function"}}
	testDeps    = []Dependency{{Name: "Stdio", Kind: "import"}}
	compileDiag = diag(4, 2, SeverityError, "Undefined identifier foo.")
	uninitDiag  = diag(1, 6, SeverityWarning, "Variable x may be used uninitialized.")
)

func legacyResponses() map[string]interface{} {
	return map[string]interface{}{
		MethodIntrospect:           IntrospectResult{Symbols: testSymbols, Dependencies: testDeps},
		MethodCompile:              CompileResult{Diagnostics: []Diagnostic{compileDiag}},
		MethodAnalyzeUninitialized: DiagnosticsResult{Diagnostics: []Diagnostic{uninitDiag}},
	}
}

func consolidatedResponses() map[string]interface{} {
	r := legacyResponses()
	r[MethodAnalyze] = map[string]interface{}{
		"parse":       map[string]interface{}{"diagnostics": []Diagnostic{compileDiag}},
		"introspect":  IntrospectResult{Symbols: testSymbols, Dependencies: testDeps},
		"diagnostics": DiagnosticsResult{Diagnostics: []Diagnostic{uninitDiag}},
	}
	return r
}

func TestClient_Analyze(t *testing.T) {
	ctx := context.Background()

	t.Run("consolidated uses one round trip", func(t *testing.T) {
		r := &scriptedRequester{responses: consolidatedResponses()}
		out, err := NewClient(r).Analyze(ctx, DocumentParams{URI: "file:///a.pike", Text: "int main() {}"})
		if err != nil {
			t.Fatalf("Analyze: %v", err)
		}

		if calls := r.methodCalls(); !reflect.DeepEqual(calls, []string{MethodAnalyze}) {
			t.Errorf("calls = %v, want [analyze]", calls)
		}
		if !out.Consolidated {
			t.Error("Consolidated = false")
		}
		if len(out.Diagnostics) != 2 {
			t.Fatalf("got %d diagnostics, want 2", len(out.Diagnostics))
		}
		// Sorted by position.
		if out.Diagnostics[0].Message != uninitDiag.Message {
			t.Errorf("first diagnostic = %q", out.Diagnostics[0].Message)
		}
	})

	t.Run("legacy produces the same output in three calls", func(t *testing.T) {
		doc := DocumentParams{URI: "file:///a.pike", Text: "int main() {}"}

		consolidated, err := NewClient(&scriptedRequester{responses: consolidatedResponses()}).Analyze(ctx, doc)
		if err != nil {
			t.Fatalf("Analyze: %v", err)
		}

		r := &scriptedRequester{responses: legacyResponses()}
		legacy, err := NewClient(r).AnalyzeLegacy(ctx, doc)
		if err != nil {
			t.Fatalf("AnalyzeLegacy: %v", err)
		}

		want := []string{MethodIntrospect, MethodCompile, MethodAnalyzeUninitialized}
		if calls := r.methodCalls(); !reflect.DeepEqual(calls, want) {
			t.Errorf("calls = %v, want %v", calls, want)
		}
		if !reflect.DeepEqual(consolidated.Diagnostics, legacy.Diagnostics) {
			t.Errorf("diagnostics differ:\n consolidated %+v\n legacy %+v", consolidated.Diagnostics, legacy.Diagnostics)
		}
		if !reflect.DeepEqual(consolidated.Symbols, legacy.Symbols) {
			t.Errorf("symbols differ")
		}
		if !reflect.DeepEqual(consolidated.Dependencies, legacy.Dependencies) {
			t.Errorf("dependencies differ")
		}
	})

	t.Run("falls back to legacy once when analyze is missing", func(t *testing.T) {
		r := &scriptedRequester{responses: legacyResponses()}
		c := NewClient(r)

		if _, err := c.Analyze(ctx, DocumentParams{URI: "file:///a.pike"}); err != nil {
			t.Fatalf("first Analyze: %v", err)
		}
		if !c.LegacyOnly() {
			t.Fatal("LegacyOnly() = false after method not found")
		}
		if _, err := c.Analyze(ctx, DocumentParams{URI: "file:///a.pike"}); err != nil {
			t.Fatalf("second Analyze: %v", err)
		}

		analyzeCalls := 0
		for _, m := range r.methodCalls() {
			if m == MethodAnalyze {
				analyzeCalls++
			}
		}
		if analyzeCalls != 1 {
			t.Errorf("analyze attempted %d times, want 1", analyzeCalls)
		}
	})

	t.Run("worker failure is not a partial success", func(t *testing.T) {
		r := &scriptedRequester{
			responses: legacyResponses(),
			errs:      map[string]error{MethodCompile: ErrWorkerUnavailable},
		}
		out, err := NewClient(r).AnalyzeLegacy(ctx, DocumentParams{URI: "file:///a.pike"})
		if !errors.Is(err, ErrWorkerUnavailable) {
			t.Errorf("err = %v, want ErrWorkerUnavailable", err)
		}
		if out != nil {
			t.Errorf("out = %+v, want nil", out)
		}
	})

	t.Run("empty analyze response is invalid", func(t *testing.T) {
		r := &scriptedRequester{responses: map[string]interface{}{MethodAnalyze: map[string]interface{}{}}}
		_, err := NewClient(r).Analyze(ctx, DocumentParams{URI: "file:///a.pike"})
		if !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("err = %v, want ErrInvalidResponse", err)
		}
	})
}

func TestClient_Resolve(t *testing.T) {
	ctx := context.Background()
	r := &scriptedRequester{responses: map[string]interface{}{
		MethodResolveModule: SymbolInfo{Path: "Stdio", Name: "Stdio", Kind: "module", Members: []string{"File"}},
		MethodResolveMember: nil,
	}}
	c := NewClient(r)

	t.Run("module found", func(t *testing.T) {
		info, err := c.ResolveModule(ctx, "Stdio")
		if err != nil {
			t.Fatalf("ResolveModule: %v", err)
		}
		if info == nil || info.Path != "Stdio" {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("member not found is nil without error", func(t *testing.T) {
		info, err := c.ResolveMember(ctx, "Stdio", "Nope")
		if err != nil {
			t.Fatalf("ResolveMember: %v", err)
		}
		if info != nil {
			t.Errorf("info = %+v, want nil", info)
		}
	})
}

func TestMergeOutput(t *testing.T) {
	t.Run("deduplicates diagnostics and dependencies", func(t *testing.T) {
		out := mergeOutput(
			[][]Diagnostic{{compileDiag}, {compileDiag, uninitDiag}},
			nil,
			[][]Dependency{testDeps, testDeps},
		)
		if len(out.Diagnostics) != 2 {
			t.Errorf("got %d diagnostics, want 2", len(out.Diagnostics))
		}
		if len(out.Dependencies) != 1 {
			t.Errorf("got %d dependencies, want 1", len(out.Dependencies))
		}
		if out.Symbols == nil {
			t.Error("Symbols should be empty, not nil")
		}
	})
}
