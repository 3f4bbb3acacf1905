package entity

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Lexicon is a list of known performer names matched against titles.
type Lexicon struct {
	names []string
}

// NewLexicon builds a lexicon from names.
func NewLexicon(names ...string) *Lexicon {
	set := NewSet(names...)
	return &Lexicon{names: set.Names()}
}

// LoadLexicon reads one name per line; blank lines and '#' comments are ignored.
func LoadLexicon(path string) (*Lexicon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open lexicon: %w", err)
	}
	defer f.Close()
	return ReadLexicon(f)
}

// ReadLexicon parses lexicon lines from r.
func ReadLexicon(r io.Reader) (*Lexicon, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return NewLexicon(names...), nil
}

// Len returns the number of names.
func (l *Lexicon) Len() int { return len(l.names) }

// Match returns the lexicon names that occur in text as whole words.
func (l *Lexicon) Match(text string) []string {
	if l == nil {
		return nil
	}
	hay := Canonicalize(text)
	var out []string
	for _, name := range l.names {
		if containsWord(hay, name) {
			out = append(out, name)
		}
	}
	return out
}

func containsWord(hay, needle string) bool {
	for from := 0; from <= len(hay)-len(needle); {
		i := strings.Index(hay[from:], needle)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(needle)
		if boundaryBefore(hay, start) && boundaryAfter(hay, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(hay[start:])
		from = start + size
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
