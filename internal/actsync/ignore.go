package actsync

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/go-while/go-overview/internal/trie"
)

// Pattern is one line of an ignore file (struct pat in actsync.c):
// "c"/"i" prefixed, with an optional type restriction and, for the
// "=" type, an optional alias-target pattern.
type Pattern struct {
	Pattern      string
	Ignore       bool // false => "c"heck (keep), true => "i"gnore
	TypeMatch    bool
	YType, MType, NType, JType, XType, EqType bool
	EqPattern    string
}

// IgnoreList holds every parsed pattern in file order (for wildcard
// patterns, where last-match-wins requires trying them in order) plus
// a trie of purely-literal patterns for O(len) exact lookups — most
// ignore files are dominated by exact group names with only a
// handful of real globs (spec.md §4.6 step 2).
type IgnoreList struct {
	patterns []Pattern
	literals *trie.Tst
	// allLiteral is true when every pattern is a plain name with no
	// type restriction, letting Apply use the trie directly instead
	// of a linear last-match-wins scan.
	allLiteral bool
}

// ParseIgnoreFile reads the "c"/"i" prefixed pattern lines described
// in spec.md §4.6 step 2 / get_ignore() in actsync.c. Blank lines and
// '#'-comment lines are skipped.
func ParseIgnoreFile(r io.Reader) (*IgnoreList, error) {
	il := &IgnoreList{literals: trie.New(512), allLiteral: true}
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := parsePatternLine(line)
		if err != nil {
			return nil, fmt.Errorf("actsync: ignore file line %d: %w", lineNum, err)
		}
		idx := len(il.patterns)
		il.patterns = append(il.patterns, p)
		if isWildcard(p.Pattern) || p.TypeMatch {
			il.allLiteral = false
		} else {
			il.literals.Insert(p.Pattern, idx)
		}
	}
	return il, scanner.Err()
}

func parsePatternLine(line string) (Pattern, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Pattern{}, fmt.Errorf("empty pattern line")
	}
	marker := fields[0]
	if len(marker) == 0 || (marker[0] != 'c' && marker[0] != 'i') {
		return Pattern{}, fmt.Errorf("pattern must start with c or i: %q", line)
	}
	p := Pattern{Ignore: marker[0] == 'i'}

	// An optional type restriction directly follows the c/i marker in
	// the same token, e.g. "iy" (ignore only y-type groups) or "i="
	// (ignore alias entries, optionally restricted by an alias pattern
	// in the next field).
	if len(marker) > 1 {
		p.TypeMatch = true
		for _, c := range marker[1:] {
			switch c {
			case 'y':
				p.YType = true
			case 'm':
				p.MType = true
			case 'n':
				p.NType = true
			case 'j':
				p.JType = true
			case 'x':
				p.XType = true
			case '=':
				p.EqType = true
			default:
				return Pattern{}, fmt.Errorf("unknown type restriction %q", string(c))
			}
		}
	}
	if len(fields) < 2 {
		return Pattern{}, fmt.Errorf("pattern line missing group pattern: %q", line)
	}
	p.Pattern = fields[1]
	if p.EqType && len(fields) >= 3 {
		p.EqPattern = fields[2]
	}
	return p, nil
}

func isWildcard(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// Apply implements spec.md §4.6 step 2's last-match-wins ignore
// filter: every pattern whose type restriction (if any) matches g's
// type and whose name pattern matches g.Name is considered, in file
// order, and the final match's Ignore value wins.
func (il *IgnoreList) Apply(g *Group) {
	if il == nil || len(il.patterns) == 0 {
		return
	}
	if il.allLiteral {
		if idx, found := il.literals.Search(g.Name); found {
			if il.patterns[idx.(int)].Ignore {
				g.Ignore |= CheckIgnore
			}
		}
		return
	}
	ignore := false
	matched := false
	for _, p := range il.patterns {
		if p.TypeMatch && !typeApplies(p, g) {
			continue
		}
		if !wildmat(g.Name, p.Pattern) {
			continue
		}
		ignore = p.Ignore
		matched = true
	}
	if matched && ignore {
		g.Ignore |= CheckIgnore
	}
}

func typeApplies(p Pattern, g *Group) bool {
	switch {
	case len(g.Type) == 0:
		return false
	case g.Type[0] == 'y':
		return p.YType
	case g.Type[0] == 'm':
		return p.MType
	case g.Type[0] == 'n':
		return p.NType
	case g.Type[0] == 'j':
		return p.JType
	case g.Type[0] == 'x':
		return p.XType
	case g.Type[0] == '=':
		if !p.EqType {
			return false
		}
		if p.EqPattern == "" {
			return true
		}
		return wildmat(g.AliasTarget(), p.EqPattern)
	default:
		return false
	}
}

// wildmat is a shell-glob matcher (`*`, `?`, `[...]`) over newsgroup
// names, standing in for INN's uwildmat (not present in the retrieval
// pack — see DESIGN.md for why this stays a small hand-rolled
// matcher rather than reaching for a dependency).
func wildmat(name, pattern string) bool {
	return globMatch(name, pattern)
}

func globMatch(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	if pattern[0] == '*' {
		if globMatch(s, pattern[1:]) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if globMatch(s[i+1:], pattern[1:]) {
				return true
			}
		}
		return false
	}
	if s == "" {
		return false
	}
	switch pattern[0] {
	case '?':
		return globMatch(s[1:], pattern[1:])
	case '[':
		end := strings.IndexByte(pattern, ']')
		if end < 0 {
			return s[0] == '[' && globMatch(s[1:], pattern[1:])
		}
		class := pattern[1:end]
		negate := false
		if strings.HasPrefix(class, "!") {
			negate = true
			class = class[1:]
		}
		if strings.IndexByte(class, s[0]) >= 0 != negate {
			return globMatch(s[1:], pattern[end+1:])
		}
		return false
	default:
		return s[0] == pattern[0] && globMatch(s[1:], pattern[1:])
	}
}
