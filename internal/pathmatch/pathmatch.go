// Package pathmatch implements ant-style path patterns.
//
// A pattern is split on "/" into segments. A segment is either a literal,
// "{name}" which captures exactly one segment, "*" which matches exactly
// one segment, or "**" which matches the remainder of the path including
// nothing at all. "**" is only allowed as the last segment.
package pathmatch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPattern is returned for malformed patterns.
var ErrInvalidPattern = errors.New("invalid path pattern")

type segmentKind int

const (
	segLiteral segmentKind = iota
	segVariable
	segWildcard
	segRest
)

type segment struct {
	kind  segmentKind
	value string
}

// Pattern is a compiled path pattern. It is immutable and safe for
// concurrent use.
type Pattern struct {
	raw      string
	segments []segment
	literals int
	vars     int
}

// Compile parses a pattern.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, pattern)
	}

	parts := splitPath(pattern)
	p := &Pattern{raw: pattern, segments: make([]segment, 0, len(parts))}

	for i, part := range parts {
		switch {
		case part == "**":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("%w: %q has ** before the last segment", ErrInvalidPattern, pattern)
			}
			p.segments = append(p.segments, segment{kind: segRest})
		case part == "*":
			p.segments = append(p.segments, segment{kind: segWildcard})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" || strings.ContainsAny(name, "{}") {
				return nil, fmt.Errorf("%w: %q has a bad variable %q", ErrInvalidPattern, pattern, part)
			}
			p.segments = append(p.segments, segment{kind: segVariable, value: name})
			p.vars++
		case strings.ContainsAny(part, "{}"):
			return nil, fmt.Errorf("%w: %q has an unbalanced brace in %q", ErrInvalidPattern, pattern, part)
		default:
			p.segments = append(p.segments, segment{kind: segLiteral, value: part})
			p.literals += len(part)
		}
	}

	return p, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source pattern.
func (p *Pattern) String() string { return p.raw }

// LiteralChars is the number of literal characters in the pattern.
func (p *Pattern) LiteralChars() int { return p.literals }

// Variables is the number of {name} captures in the pattern.
func (p *Pattern) Variables() int { return p.vars }

// HasVariables reports whether the pattern captures anything.
func (p *Pattern) HasVariables() bool { return p.vars > 0 }

// Match reports whether path matches the pattern.
func (p *Pattern) Match(path string) bool {
	_, ok := p.match(path, false)
	return ok
}

// Extract matches path and returns the captured variables.
func (p *Pattern) Extract(path string) (map[string]string, bool) {
	return p.match(path, true)
}

func (p *Pattern) match(path string, capture bool) (map[string]string, bool) {
	parts := splitPath(path)

	var vars map[string]string
	if capture && p.vars > 0 {
		vars = make(map[string]string, p.vars)
	}

	for i, seg := range p.segments {
		if seg.kind == segRest {
			return vars, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch seg.kind {
		case segLiteral:
			if parts[i] != seg.value {
				return nil, false
			}
		case segVariable:
			if parts[i] == "" {
				return nil, false
			}
			if vars != nil {
				vars[seg.value] = parts[i]
			}
		case segWildcard:
			if parts[i] == "" {
				return nil, false
			}
		}
	}

	if len(parts) != len(p.segments) {
		return nil, false
	}
	return vars, true
}

// splitPath splits "/a/b/" into ["a", "b", ""]. The root path yields an
// empty slice.
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Set is an ordered list of compiled patterns.
type Set struct {
	patterns []*Pattern
}

// NewSet compiles every pattern. Errors from all patterns are joined.
func NewSet(patterns []string) (*Set, error) {
	s := &Set{patterns: make([]*Pattern, 0, len(patterns))}
	var errs []error
	for _, raw := range patterns {
		p, err := Compile(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.patterns = append(s.patterns, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// Match reports whether any pattern matches path. A nil set matches nothing.
func (s *Set) Match(path string) bool {
	return s.First(path) >= 0
}

// First returns the index of the first matching pattern, or -1.
func (s *Set) First(path string) int {
	if s == nil {
		return -1
	}
	for i, p := range s.patterns {
		if p.Match(path) {
			return i
		}
	}
	return -1
}

// Len returns the number of patterns.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}
