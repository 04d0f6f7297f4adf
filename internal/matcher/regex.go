package matcher

import (
	"fmt"
	"regexp"

	matcherv3 "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
)

// CompileSafeRegex compiles an Envoy RegexMatcher into an anchored RE2 pattern.
// Go's regexp package is RE2: linear-time by construction, so untrusted config
// patterns cannot cause catastrophic backtracking. Matching is full-string,
// per safe_regex semantics.
func CompileSafeRegex(rm *matcherv3.RegexMatcher) (*regexp.Regexp, error) {
	if rm == nil || rm.GetRegex() == "" {
		return nil, fmt.Errorf("empty regex matcher")
	}
	re, err := regexp.Compile(`\A(?:` + rm.GetRegex() + `)\z`)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", rm.GetRegex(), err)
	}
	return re, nil
}
