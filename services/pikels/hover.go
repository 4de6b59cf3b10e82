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
	"sort"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/cache"
	"github.com/AleutianAI/pikels/services/pikels/documents"
)

// lensKinds are the symbol kinds that get a reference lens.
var lensKinds = map[string]bool{
	"function": true,
	"method":   true,
	"class":    true,
	"constant": true,
}

// Hover returns what is known about the identifier under pos.
//
// Description:
//
//	A plain identifier is looked up in the document's own symbol table
//	first. Dotted paths, and identifiers the document does not declare, go
//	to the stdlib resolver.
//
// Outputs:
//
//	*HoverResult - nil when nothing is under the cursor or nothing is known
//	error - *Error; an unresolved path is not an error
func (s *Service) Hover(ctx context.Context, uri string, pos bridge.Position) (*HoverResult, error) {
	if err := s.checkRunning("hover", uri); err != nil {
		return nil, err
	}
	snap, err := s.docs.Snapshot(uri)
	if err != nil {
		return nil, wrapError("hover", uri, err)
	}

	path, rng, ok := pathAt(snap.Text, pos)
	if !ok {
		return nil, nil
	}

	if !strings.Contains(path, ".") {
		analysis, err := s.analyzeSnapshot(ctx, snap)
		if err != nil {
			return nil, wrapError("hover", uri, err)
		}
		if sym, ok := findSymbol(analysis, path, pos); ok {
			def := sym.Range
			return &HoverResult{
				Path:       path,
				Name:       sym.Name,
				Kind:       sym.Kind,
				Signature:  sym.Detail,
				Doc:        sym.Doc,
				Source:     HoverLocal,
				Range:      rng,
				Definition: &def,
			}, nil
		}
	}

	res, err := s.resolver.Resolve(ctx, path)
	if err != nil {
		return nil, wrapError("hover", uri, err)
	}
	if !res.Resolved {
		return nil, nil
	}
	info := res.Node.Info
	return &HoverResult{
		Path:      res.Node.Path,
		Name:      info.Name,
		Kind:      info.Kind,
		Signature: info.Signature,
		Doc:       info.Doc,
		Source:    HoverStdlib,
		Range:     rng,
	}, nil
}

// findSymbol prefers the declaration whose range contains pos, so that
// hovering a local shadowing a global shows the local.
func findSymbol(analysis *cache.AnalysisResult, name string, pos bridge.Position) (bridge.Symbol, bool) {
	var (
		found bridge.Symbol
		ok    bool
	)
	for _, sym := range analysis.Symbols {
		if sym.Name != name {
			continue
		}
		if sym.Range.Contains(pos) {
			return sym, true
		}
		if !ok {
			found, ok = sym, true
		}
	}
	return found, ok
}

// ReferenceLenses returns a reference count for each declared function,
// method, class and constant of uri, ordered by position.
func (s *Service) ReferenceLenses(ctx context.Context, uri string) ([]ReferenceLens, error) {
	analysis, err := s.Analyze(ctx, uri)
	if err != nil {
		return nil, err
	}

	lenses := []ReferenceLens{}
	for _, sym := range analysis.Symbols {
		if !lensKinds[sym.Kind] {
			continue
		}
		refs := append([]bridge.Range{}, sym.References...)
		lenses = append(lenses, ReferenceLens{
			Name:       sym.Name,
			Kind:       sym.Kind,
			Range:      sym.Range,
			Position:   sym.Range.Start,
			Count:      len(refs),
			References: refs,
		})
	}
	sort.SliceStable(lenses, func(i, j int) bool {
		return lenses[i].Position.Before(lenses[j].Position)
	})
	return lenses, nil
}

// pathAt returns the identifier or dotted path under pos and its range.
// The path ends at the identifier under the cursor: hovering "File" in
// "Stdio.File.read" gives "Stdio.File".
func pathAt(text string, pos bridge.Position) (string, bridge.Range, bool) {
	line, ok := documents.Line(text, pos.Line)
	if !ok {
		return "", bridge.Range{}, false
	}
	at := documents.ByteOffset(line, pos.Character)

	end := at
	for end < len(line) && isIdentByte(line[end]) {
		end++
	}
	start := at
	for start > 0 && (isIdentByte(line[start-1]) || line[start-1] == '.') {
		start--
	}

	for start < end && line[start] == '.' {
		start++
	}
	for end > start && line[end-1] == '.' {
		end--
	}
	path := line[start:end]
	if path == "" || strings.Contains(path, "..") {
		return "", bridge.Range{}, false
	}

	return path, bridge.Range{
		Start: bridge.Position{Line: pos.Line, Character: utf16Len(line[:start])},
		End:   bridge.Position{Line: pos.Line, Character: utf16Len(line[:end])},
	}, true
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= utf8.RuneSelf ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if k := utf16.RuneLen(r); k > 0 {
			n += k
		} else {
			n++
		}
	}
	return n
}
