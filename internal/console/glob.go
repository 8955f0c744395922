package console

import (
	"bytes"
	"strings"
)

// Glob is a compiled expect pattern. '*' matches any run of bytes, including
// none; every other byte matches itself. A Glob matches when its literal
// segments occur in order somewhere in the input.
type Glob struct {
	pattern  string
	segments [][]byte
}

// CompileGlob splits pattern into its literal segments.
func CompileGlob(pattern string) Glob {
	g := Glob{pattern: pattern}
	for _, segment := range strings.Split(pattern, "*") {
		if segment != "" {
			g.segments = append(g.segments, []byte(segment))
		}
	}
	return g
}

func (g Glob) String() string {
	return g.pattern
}

// Match reports whether s contains a match of g.
func (g Glob) Match(s string) bool {
	return g.End([]byte(s)) >= 0
}

// End returns the offset just past the earliest-ending match in data, or -1.
func (g Glob) End(data []byte) int {
	m := g.matcher()
	if m.advance(data) {
		return m.pos
	}
	return -1
}

func (g Glob) matcher() *matcher {
	return &matcher{segments: g.segments}
}

// matcher searches a growing buffer without rescanning bytes it has already
// ruled out. Each segment is located at its earliest position after the
// previous one, which yields the earliest possible end of the whole match.
type matcher struct {
	segments [][]byte
	// seg is the segment being searched for; pos is where that search resumes.
	seg int
	pos int
}

// advance continues the search over data, which must be the previous data
// with bytes appended. It reports whether the pattern is now complete; the
// match then ends at m.pos.
func (m *matcher) advance(data []byte) bool {
	for m.seg < len(m.segments) {
		segment := m.segments[m.seg]
		idx := bytes.Index(data[m.pos:], segment)
		if idx < 0 {
			// a later chunk can only complete a segment that starts in the
			// last len(segment)-1 bytes
			if resume := len(data) - len(segment) + 1; resume > m.pos {
				m.pos = resume
			}
			return false
		}
		m.pos += idx + len(segment)
		m.seg++
	}
	return true
}

// discard reports how many leading bytes of the buffer can never take part
// in the match. Only bytes before the first segment qualify.
func (m *matcher) discard() int {
	if m.seg > 0 {
		return 0
	}
	return m.pos
}

// shift rebases the matcher after n leading bytes were dropped.
func (m *matcher) shift(n int) {
	m.pos -= n
}
