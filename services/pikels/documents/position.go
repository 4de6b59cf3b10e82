// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package documents

import (
	"strings"
	"unicode/utf16"
)

// Line returns line n of text without its terminator. ok is false when text
// has fewer lines.
func Line(text string, n int) (line string, ok bool) {
	if n < 0 {
		return "", false
	}
	offset := 0
	for i := 0; i < n; i++ {
		j := strings.IndexByte(text[offset:], '\n')
		if j < 0 {
			return "", false
		}
		offset += j + 1
	}

	line = text[offset:]
	if j := strings.IndexByte(line, '\n'); j >= 0 {
		line = line[:j]
	}
	return strings.TrimSuffix(line, "\r"), true
}

// ByteOffset converts an editor column, counted in UTF-16 code units, to a
// byte offset into line. Columns past the end clamp to len(line).
func ByteOffset(line string, character int) int {
	units := 0
	for i, r := range line {
		if units >= character {
			return i
		}
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		units += n
	}
	return len(line)
}
