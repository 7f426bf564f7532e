package irc

import "strings"

// Glob is a compiled shell-style pattern supporting '?', '*', '[set]',
// '[!set]', and '{alt1,alt2,...}', used for ban/except/invite masks.
//
// An unclosed '[' or '{' is treated as a literal character from that
// position onward rather than a parse error, matching how real IRC daemons
// tolerate malformed masks instead of rejecting them.
type Glob struct {
	parts []globPart
}

type globPart interface {
	isGlobPart()
}

type literalPart byte

func (literalPart) isGlobPart() {}

type anyCharPart struct{}

func (anyCharPart) isGlobPart() {}

type anyStarPart struct{}

func (anyStarPart) isGlobPart() {}

type classItem struct {
	lo, hi byte // lo==hi for a single literal character
}

type classPart struct {
	negate bool
	items  []classItem
}

func (classPart) isGlobPart() {}

func (c classPart) matches(b byte) bool {
	in := false
	for _, it := range c.items {
		if b >= it.lo && b <= it.hi {
			in = true
			break
		}
	}
	if c.negate {
		return !in
	}
	return in
}

type altPart struct {
	alts [][]globPart
}

func (altPart) isGlobPart() {}

// Parse compiles pattern into a Glob.
func Parse(pattern string) *Glob {
	parts, _ := parseGlobParts(pattern, 0, true)
	return &Glob{parts: parts}
}

// parseGlobParts parses starting at index i until the end of the string (when
// topLevel is true) or until a ',' or '}' (when topLevel is false, inside a
// brace group). It returns the parsed parts and the index just past what was
// consumed.
func parseGlobParts(s string, i int, topLevel bool) ([]globPart, int) {
	var parts []globPart
	for i < len(s) {
		c := s[i]
		switch {
		case !topLevel && (c == ',' || c == '}'):
			return parts, i
		case c == '*':
			parts = append(parts, anyStarPart{})
			i++
		case c == '?':
			parts = append(parts, anyCharPart{})
			i++
		case c == '[':
			cp, next, ok := parseClass(s, i)
			if !ok {
				parts = append(parts, literalPart(c))
				i++
				continue
			}
			parts = append(parts, cp)
			i = next
		case c == '{':
			ap, next, ok := parseAlt(s, i)
			if !ok {
				parts = append(parts, literalPart(c))
				i++
				continue
			}
			parts = append(parts, ap)
			i = next
		default:
			parts = append(parts, literalPart(c))
			i++
		}
	}
	return parts, i
}

// parseClass parses a "[...]" or "[!...]" set starting at s[start]=='['.
// It returns ok=false (leaving the caller to treat '[' as literal) if no
// closing ']' is found.
func parseClass(s string, start int) (classPart, int, bool) {
	end := findUnescaped(s, start+1, ']')
	if end < 0 {
		return classPart{}, 0, false
	}
	body := s[start+1 : end]
	cp := classPart{}
	if strings.HasPrefix(body, "!") {
		cp.negate = true
		body = body[1:]
	}
	for j := 0; j < len(body); j++ {
		if j+2 < len(body) && body[j+1] == '-' {
			lo, hi := body[j], body[j+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			cp.items = append(cp.items, classItem{lo, hi})
			j += 2
			continue
		}
		cp.items = append(cp.items, classItem{body[j], body[j]})
	}
	return cp, end + 1, true
}

// parseAlt parses a "{alt1,alt2,...}" group starting at s[start]=='{'.
// A trailing empty alternative (e.g. "{a,b,}") is permitted and matches the
// empty string, making that branch of the alternation optional.
func parseAlt(s string, start int) (altPart, int, bool) {
	end := findUnescaped(s, start+1, '}')
	if end < 0 {
		return altPart{}, 0, false
	}
	ap := altPart{}
	i := start + 1
	for i <= end {
		sub, next := parseGlobParts(s, i, false)
		ap.alts = append(ap.alts, sub)
		if next < len(s) && s[next] == ',' {
			i = next + 1
			continue
		}
		break
	}
	return ap, end + 1, true
}

func findUnescaped(s string, from int, target byte) int {
	for i := from; i < len(s); i++ {
		if s[i] == target {
			return i
		}
	}
	return -1
}

// CaseFold returns a copy of g with literal and class bytes normalized under
// mapping, for matching against already-normalized strings.
func (g *Glob) CaseFold(mapping CaseMapping) *Glob {
	return &Glob{parts: foldParts(g.parts, mapping)}
}

func foldParts(parts []globPart, mapping CaseMapping) []globPart {
	out := make([]globPart, len(parts))
	for i, p := range parts {
		switch p := p.(type) {
		case literalPart:
			out[i] = literalPart(foldByte(mapping, byte(p)))
		case classPart:
			items := make([]classItem, len(p.items))
			for j, it := range p.items {
				items[j] = classItem{foldByte(mapping, it.lo), foldByte(mapping, it.hi)}
			}
			out[i] = classPart{negate: p.negate, items: items}
		case altPart:
			alts := make([][]globPart, len(p.alts))
			for j, a := range p.alts {
				alts[j] = foldParts(a, mapping)
			}
			out[i] = altPart{alts: alts}
		default:
			out[i] = p
		}
	}
	return out
}

// Match reports whether s satisfies the compiled pattern.
func (g *Glob) Match(s string) bool {
	return matchGlob(g.parts, s)
}

func matchGlob(parts []globPart, s string) bool {
	if len(parts) == 0 {
		return s == ""
	}
	switch p := parts[0].(type) {
	case literalPart:
		if len(s) == 0 || s[0] != byte(p) {
			return false
		}
		return matchGlob(parts[1:], s[1:])
	case anyCharPart:
		if len(s) == 0 {
			return false
		}
		return matchGlob(parts[1:], s[1:])
	case anyStarPart:
		for i := 0; i <= len(s); i++ {
			if matchGlob(parts[1:], s[i:]) {
				return true
			}
		}
		return false
	case classPart:
		if len(s) == 0 || !p.matches(s[0]) {
			return false
		}
		return matchGlob(parts[1:], s[1:])
	case altPart:
		for _, alt := range p.alts {
			combined := make([]globPart, 0, len(alt)+len(parts)-1)
			combined = append(combined, alt...)
			combined = append(combined, parts[1:]...)
			if matchGlob(combined, s) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
