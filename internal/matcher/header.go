package matcher

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
)

// HeaderMatcher is a compiled envoy.config.route.v3.HeaderMatcher.
// Exactly one match mode is active; invert negates the computed result.
type HeaderMatcher struct {
	name   string
	invert bool

	exact      *string
	prefix     *string
	suffix     *string
	contains   *string
	regex      *regexp.Regexp
	rangeStart int64
	rangeEnd   int64
	hasRange   bool
	present    *bool
	str        *StringMatcher
}

// CompileHeader compiles a HeaderMatcher proto, rejecting invalid regexes and
// unset specifiers at load time.
func CompileHeader(hm *routev3.HeaderMatcher) (*HeaderMatcher, error) {
	if hm.GetName() == "" {
		return nil, fmt.Errorf("header matcher missing name")
	}

	m := &HeaderMatcher{
		name:   hm.GetName(),
		invert: hm.GetInvertMatch(),
	}

	switch spec := hm.GetHeaderMatchSpecifier().(type) {
	case *routev3.HeaderMatcher_ExactMatch:
		v := spec.ExactMatch
		m.exact = &v
	case *routev3.HeaderMatcher_PrefixMatch:
		v := spec.PrefixMatch
		m.prefix = &v
	case *routev3.HeaderMatcher_SuffixMatch:
		v := spec.SuffixMatch
		m.suffix = &v
	case *routev3.HeaderMatcher_ContainsMatch:
		v := spec.ContainsMatch
		m.contains = &v
	case *routev3.HeaderMatcher_SafeRegexMatch:
		re, err := CompileSafeRegex(spec.SafeRegexMatch)
		if err != nil {
			return nil, fmt.Errorf("header %q: %w", hm.GetName(), err)
		}
		m.regex = re
	case *routev3.HeaderMatcher_RangeMatch:
		m.hasRange = true
		m.rangeStart = spec.RangeMatch.GetStart()
		m.rangeEnd = spec.RangeMatch.GetEnd()
	case *routev3.HeaderMatcher_PresentMatch:
		v := spec.PresentMatch
		m.present = &v
	case *routev3.HeaderMatcher_StringMatch:
		sm, err := CompileString(spec.StringMatch)
		if err != nil {
			return nil, fmt.Errorf("header %q: %w", hm.GetName(), err)
		}
		m.str = sm
	default:
		// No specifier behaves as a presence check, matching Envoy.
		v := true
		m.present = &v
	}

	return m, nil
}

// CompileHeaders compiles a list of header matchers.
func CompileHeaders(hms []*routev3.HeaderMatcher) ([]*HeaderMatcher, error) {
	out := make([]*HeaderMatcher, 0, len(hms))
	for _, hm := range hms {
		m, err := CompileHeader(hm)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Name returns the header name this matcher inspects.
func (m *HeaderMatcher) Name() string { return m.name }

// Matches evaluates the matcher against a request header map. Multi-valued
// headers are joined with a comma before matching, the way Envoy presents
// them to route matching.
func (m *HeaderMatcher) Matches(h http.Header) bool {
	values, exists := h[http.CanonicalHeaderKey(m.name)]

	var result bool
	switch {
	case m.present != nil:
		result = exists == *m.present
	case !exists:
		// Absent header: every value-inspecting mode is a non-match.
		result = false
	default:
		value := strings.Join(values, ",")
		result = m.matchValue(value)
	}

	if m.invert {
		return !result
	}
	return result
}

func (m *HeaderMatcher) matchValue(value string) bool {
	switch {
	case m.exact != nil:
		return value == *m.exact
	case m.prefix != nil:
		return strings.HasPrefix(value, *m.prefix)
	case m.suffix != nil:
		return strings.HasSuffix(value, *m.suffix)
	case m.contains != nil:
		return strings.Contains(value, *m.contains)
	case m.regex != nil:
		return m.regex.MatchString(value)
	case m.hasRange:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return false
		}
		// Start inclusive, end exclusive per Int64Range.
		return n >= m.rangeStart && n < m.rangeEnd
	case m.str != nil:
		return m.str.Matches(value)
	}
	return false
}

// MatchAll reports whether every matcher in the list matches (vacuously true
// for an empty list).
func MatchAll(ms []*HeaderMatcher, h http.Header) bool {
	for _, m := range ms {
		if !m.Matches(h) {
			return false
		}
	}
	return true
}
