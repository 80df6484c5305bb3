// Offset conversions in this file follow the gopls "protocol" package mapper.
// Based on: https://github.com/golang/tools/blob/67d73b2960c82b2c8db0b9d0694c66a789a1db11/gopls/internal/lsp/protocol/mapper.go

// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// License Revision: https://github.com/golang/tools/blob/67d73b2960c82b2c8db0b9d0694c66a789a1db11/LICENSE

// Package textmapper converts between byte offsets, character columns and LSP (UTF-16) positions.
package textmapper

import (
	"bytes"
	"fmt"
	"sort"
	"unicode/utf8"

	"go.lsp.dev/protocol"
)

// Mapper answers position queries against one immutable document snapshot.
type Mapper struct {
	content   []byte
	lineStart []int // byte offset of the start of each 0-based line
	nonASCII  bool
}

// New indexes content.
func New(content []byte) *Mapper {
	m := &Mapper{content: content}
	m.lineStart = make([]int, 1, bytes.Count(content, []byte("\n"))+bytes.Count(content, []byte("\r"))+1)
	for offset, b := range content {
		switch {
		case b == '\n':
			m.lineStart = append(m.lineStart, offset+1)
		case b == '\r' && (offset+1 == len(content) || content[offset+1] != '\n'):
			// A lone carriage return ends a line too.
			m.lineStart = append(m.lineStart, offset+1)
		case b >= utf8.RuneSelf:
			m.nonASCII = true
		}
	}
	return m
}

// CharPosition converts a 1-based line and a 1-based column counted in characters (runes)
// into a 0-based UTF-16 protocol position. A column one past the last character addresses the line end.
func (m *Mapper) CharPosition(line, col int) (protocol.Position, error) {
	if line < 1 || line > len(m.lineStart) {
		return protocol.Position{}, fmt.Errorf("line %d out of range 1-%d", line, len(m.lineStart))
	}
	if col < 1 {
		return protocol.Position{}, fmt.Errorf("column %d must be at least 1", col)
	}

	content := m.lineContent(line - 1)
	var col16 int
	for i := 1; i < col; i++ {
		r, sz := utf8.DecodeRune(content)
		if sz == 0 {
			return protocol.Position{}, fmt.Errorf("column %d is beyond end of line %d", col, line)
		}
		if sz == 1 && r == utf8.RuneError {
			return protocol.Position{}, fmt.Errorf("line %d contains invalid UTF-8 text", line)
		}
		col16++
		if r >= 0x10000 {
			col16++ // surrogate pair
		}
		content = content[sz:]
	}
	return protocol.Position{Line: uint32(line - 1), Character: uint32(col16)}, nil
}

// OffsetPosition converts a byte offset to a protocol (UTF-16) position.
func (m *Mapper) OffsetPosition(offset int) (protocol.Position, error) {
	if offset < 0 || offset > len(m.content) {
		return protocol.Position{}, fmt.Errorf("invalid offset %d (want 0-%d)", offset, len(m.content))
	}

	line, start, cr := m.line(offset)
	var col16 int
	if m.nonASCII {
		col16 = UTF16Len(m.content[start:offset])
	} else {
		col16 = offset - start
	}
	if cr {
		col16-- // \r|\n is treated as |\r\n
	}
	return protocol.Position{Line: uint32(line), Character: uint32(col16)}, nil
}

// lineContent returns the bytes of a 0-based line without its terminator.
func (m *Mapper) lineContent(line int) []byte {
	start := m.lineStart[line]
	end := len(m.content)
	if line+1 < len(m.lineStart) {
		end = m.lineStart[line+1] - 1
	}
	return bytes.TrimSuffix(m.content[start:end], []byte("\r"))
}

// line returns the 0-based line enclosing offset, the start offset of that line,
// and whether offset points between the two bytes of a \r\n terminator.
func (m *Mapper) line(offset int) (int, int, bool) {
	line := sort.Search(len(m.lineStart), func(i int) bool {
		return offset < m.lineStart[i]
	})

	var eol int
	if line == len(m.lineStart) {
		eol = len(m.content)
	} else {
		eol = m.lineStart[line] - 1
	}
	cr := offset == eol && offset > 0 && offset < len(m.content) && m.content[offset] == '\n' && m.content[offset-1] == '\r'

	line--
	return line, m.lineStart[line], cr
}

// UTF16Len returns the number of codes in the UTF-16 transcoding of s.
func UTF16Len(s []byte) int {
	var n int
	for len(s) > 0 {
		n++
		if s[0] < 0x80 {
			s = s[1:]
			continue
		}
		r, size := utf8.DecodeRune(s)
		if r >= 0x10000 {
			n++
		}
		s = s[size:]
	}
	return n
}
