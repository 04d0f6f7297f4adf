package matcher

import (
	"fmt"
	"regexp"
	"strings"

	matcherv3 "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
)

// StringMatcher is a compiled envoy.type.matcher.v3.StringMatcher.
type StringMatcher struct {
	exact      string
	prefix     string
	suffix     string
	contains   string
	regex      *regexp.Regexp
	ignoreCase bool
	kind       stringMatchKind
}

type stringMatchKind int

const (
	matchExact stringMatchKind = iota
	matchPrefix
	matchSuffix
	matchContains
	matchRegex
)

// CompileString compiles a StringMatcher proto. Returns an error for an unset
// or invalid pattern so a bad config is rejected at load time.
func CompileString(sm *matcherv3.StringMatcher) (*StringMatcher, error) {
	if sm == nil {
		return nil, fmt.Errorf("string matcher is nil")
	}

	m := &StringMatcher{ignoreCase: sm.GetIgnoreCase()}

	switch p := sm.GetMatchPattern().(type) {
	case *matcherv3.StringMatcher_Exact:
		m.kind = matchExact
		m.exact = p.Exact
	case *matcherv3.StringMatcher_Prefix:
		m.kind = matchPrefix
		m.prefix = p.Prefix
	case *matcherv3.StringMatcher_Suffix:
		m.kind = matchSuffix
		m.suffix = p.Suffix
	case *matcherv3.StringMatcher_Contains:
		m.kind = matchContains
		m.contains = p.Contains
	case *matcherv3.StringMatcher_SafeRegex:
		re, err := CompileSafeRegex(p.SafeRegex)
		if err != nil {
			return nil, err
		}
		m.kind = matchRegex
		m.regex = re
	default:
		return nil, fmt.Errorf("string matcher has no match pattern")
	}

	if m.ignoreCase {
		m.exact = strings.ToLower(m.exact)
		m.prefix = strings.ToLower(m.prefix)
		m.suffix = strings.ToLower(m.suffix)
		m.contains = strings.ToLower(m.contains)
	}

	return m, nil
}

// Matches reports whether value satisfies the compiled pattern.
func (m *StringMatcher) Matches(value string) bool {
	v := value
	if m.ignoreCase && m.kind != matchRegex {
		v = strings.ToLower(v)
	}
	switch m.kind {
	case matchExact:
		return v == m.exact
	case matchPrefix:
		return strings.HasPrefix(v, m.prefix)
	case matchSuffix:
		return strings.HasSuffix(v, m.suffix)
	case matchContains:
		return strings.Contains(v, m.contains)
	case matchRegex:
		return m.regex.MatchString(value)
	}
	return false
}
