// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package completion

import (
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/documents"
)

// Expected is what kind of completion the cursor position calls for.
type Expected int

const (
	// ExpectNone means no completion applies, e.g. inside a comment or string.
	ExpectNone Expected = iota

	// ExpectScope is a bare identifier resolved against the document scope.
	ExpectScope

	// ExpectModuleMember follows "." after a module path.
	ExpectModuleMember

	// ExpectObjectMember follows "->" after an object expression.
	ExpectObjectMember

	// ExpectInheritTarget is the program or module named by inherit/import.
	ExpectInheritTarget
)

// String returns the expected kind name.
func (e Expected) String() string {
	names := []string{"none", "scope", "module_member", "object_member", "inherit_target"}
	if e >= 0 && int(e) < len(names) {
		return names[e]
	}
	return "unknown"
}

// cursorContext is what the text before the cursor says, independent of any
// analysis.
type cursorContext struct {
	Prefix    string
	Qualifier string
	Operator  string
	Expected  Expected
}

// scanCursor derives the completion context from the text before pos.
func scanCursor(text string, pos bridge.Position) cursorContext {
	line := lineBefore(text, pos)

	if inCommentOrString(line) {
		return cursorContext{Expected: ExpectNone}
	}

	end := len(line)
	start := end
	for start > 0 && isIdentByte(line[start-1]) {
		start--
	}
	ctx := cursorContext{Prefix: line[start:end]}
	before := line[:start]

	switch {
	case strings.HasSuffix(before, "->"):
		ctx.Operator = "->"
		ctx.Qualifier = trailingPath(before[:len(before)-2])
		ctx.Expected = ExpectObjectMember
	case strings.HasSuffix(before, "."):
		ctx.Operator = "."
		ctx.Qualifier = trailingPath(before[:len(before)-1])
		ctx.Expected = ExpectModuleMember
	default:
		ctx.Expected = ExpectScope
	}

	if ctx.Operator == "->" && ctx.Qualifier == "" {
		ctx.Expected = ExpectNone
	}
	if ctx.Operator == "." && ctx.Qualifier == "" {
		// Pike's relative module syntax: ".helpers".
		ctx.Expected = ExpectInheritTarget
	}

	if isInheritStatement(before, ctx.Qualifier, ctx.Operator) {
		ctx.Expected = ExpectInheritTarget
	}
	return ctx
}

// lineBefore returns the part of pos's line left of the cursor.
func lineBefore(text string, pos bridge.Position) string {
	line, ok := documents.Line(text, pos.Line)
	if !ok {
		return ""
	}
	return line[:documents.ByteOffset(line, pos.Character)]
}

// trailingPath returns the dotted identifier chain at the end of s.
func trailingPath(s string) string {
	end := len(s)
	start := end
	for start > 0 && (isIdentByte(s[start-1]) || s[start-1] == '.') {
		start--
	}
	path := strings.Trim(s[start:end], ".")
	if path == "" || strings.Contains(path, "..") {
		return ""
	}
	return path
}

func isInheritStatement(before, qualifier, operator string) bool {
	head := strings.TrimSpace(before)
	if operator != "" {
		head = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(before, operator), qualifier))
	}
	return head == "inherit" || head == "import"
}

// inCommentOrString reports whether the end of line is inside a line
// comment or a string literal.
func inCommentOrString(line string) bool {
	inString := false
	inChar := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case inChar:
			if c == '\\' {
				i++
			} else if c == '\'' {
				inChar = false
			}
		case c == '"':
			inString = true
		case c == '\'':
			inChar = true
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return true
		}
	}
	return inString || inChar
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= utf8.RuneSelf ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
