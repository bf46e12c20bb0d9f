package registry

import (
	"fmt"
	"strings"
)

// uriTemplate is a parsed resource URI template. Segments are split on "/";
// each segment is either a literal or contains exactly one {variable} with an
// optional literal prefix and suffix.
type uriTemplate struct {
	raw      string
	segments []templateSegment
	// literalPrefix is the leading run of the raw template up to the
	// first variable. Longer prefix means more specific.
	literalPrefix string
}

type templateSegment struct {
	literal string // set when the segment has no variable
	prefix  string
	varName string
	suffix  string
}

func (s templateSegment) isLiteral() bool { return s.varName == "" }

func parseTemplate(raw string) (*uriTemplate, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty uri template")
	}

	tpl := &uriTemplate{raw: raw}

	if idx := strings.IndexByte(raw, '{'); idx >= 0 {
		tpl.literalPrefix = raw[:idx]
	} else {
		tpl.literalPrefix = raw
	}

	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, "/") {
		open := strings.IndexByte(part, '{')
		if open < 0 {
			if strings.IndexByte(part, '}') >= 0 {
				return nil, fmt.Errorf("unbalanced braces in template %q", raw)
			}
			tpl.segments = append(tpl.segments, templateSegment{literal: part})
			continue
		}
		close := strings.IndexByte(part, '}')
		if close < open {
			return nil, fmt.Errorf("unbalanced braces in template %q", raw)
		}
		name := part[open+1 : close]
		if name == "" {
			return nil, fmt.Errorf("unnamed variable in template %q", raw)
		}
		rest := part[close+1:]
		if strings.ContainsAny(rest, "{}") {
			return nil, fmt.Errorf("at most one variable per segment in template %q", raw)
		}
		if seen[name] {
			return nil, fmt.Errorf("variable %q repeated in template %q", name, raw)
		}
		seen[name] = true
		tpl.segments = append(tpl.segments, templateSegment{
			prefix:  part[:open],
			varName: name,
			suffix:  rest,
		})
	}

	return tpl, nil
}

// match binds a concrete URI against the template, returning the variable
// bindings on success.
func (t *uriTemplate) match(uri string) (map[string]string, bool) {
	parts := strings.Split(uri, "/")
	if len(parts) != len(t.segments) {
		return nil, false
	}

	vars := make(map[string]string)
	for i, seg := range t.segments {
		part := parts[i]
		if seg.isLiteral() {
			if part != seg.literal {
				return nil, false
			}
			continue
		}
		if !strings.HasPrefix(part, seg.prefix) || !strings.HasSuffix(part, seg.suffix) {
			return nil, false
		}
		value := part[len(seg.prefix) : len(part)-len(seg.suffix)]
		if value == "" {
			return nil, false
		}
		vars[seg.varName] = value
	}
	return vars, true
}

// overlaps reports whether some concrete URI could match both templates.
// Two templates overlap when they have the same segment count and every
// position is pairwise compatible.
func (t *uriTemplate) overlaps(other *uriTemplate) bool {
	if len(t.segments) != len(other.segments) {
		return false
	}
	for i := range t.segments {
		if !segmentsCompatible(t.segments[i], other.segments[i]) {
			return false
		}
	}
	return true
}

// segmentsCompatible reports whether one concrete path segment could satisfy
// both segments. Variable segments carry their in-segment literal prefix and
// suffix, so "img-{id}" and "doc-{id}" share nothing.
func segmentsCompatible(a, b templateSegment) bool {
	switch {
	case a.isLiteral() && b.isLiteral():
		return a.literal == b.literal
	case a.isLiteral():
		return literalSatisfiesVariable(a.literal, b)
	case b.isLiteral():
		return literalSatisfiesVariable(b.literal, a)
	default:
		// A shared segment must start with both prefixes and end with
		// both suffixes, so one prefix must extend the other, likewise
		// the suffixes. The variable value can always be made long
		// enough and non-empty.
		return (strings.HasPrefix(a.prefix, b.prefix) || strings.HasPrefix(b.prefix, a.prefix)) &&
			(strings.HasSuffix(a.suffix, b.suffix) || strings.HasSuffix(b.suffix, a.suffix))
	}
}

// literalSatisfiesVariable reports whether the literal segment is itself a
// match for the variable segment, with a non-empty variable value.
func literalSatisfiesVariable(literal string, seg templateSegment) bool {
	return len(literal) > len(seg.prefix)+len(seg.suffix) &&
		strings.HasPrefix(literal, seg.prefix) &&
		strings.HasSuffix(literal, seg.suffix)
}

// ambiguousWith reports whether registering both templates would leave
// runtime resolution without a deterministic winner: they overlap and carry
// equally long literal prefixes.
func (t *uriTemplate) ambiguousWith(other *uriTemplate) bool {
	return t.overlaps(other) && len(t.literalPrefix) == len(other.literalPrefix)
}
