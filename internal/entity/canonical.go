package entity

import "strings"

// Canonicalize trims, collapses inner whitespace, and lower-cases name.
func Canonicalize(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Set is an insertion-ordered set of canonical names.
type Set struct {
	names []string
	index map[string]struct{}
}

// NewSet returns a set holding the canonical form of names.
func NewSet(names ...string) *Set {
	s := &Set{index: make(map[string]struct{})}
	s.Add(names...)
	return s
}

// Add canonicalizes and inserts names, ignoring blanks and duplicates.
func (s *Set) Add(names ...string) {
	for _, n := range names {
		c := Canonicalize(n)
		if c == "" {
			continue
		}
		if _, ok := s.index[c]; ok {
			continue
		}
		s.index[c] = struct{}{}
		s.names = append(s.names, c)
	}
}

// Len returns the number of names.
func (s *Set) Len() int { return len(s.names) }

// Names returns the names in insertion order.
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}
