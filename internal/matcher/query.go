package matcher

import (
	"fmt"
	"net/url"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
)

// QueryParamMatcher is a compiled envoy.config.route.v3.QueryParameterMatcher:
// either a string match on the first value or a presence check.
type QueryParamMatcher struct {
	name    string
	str     *StringMatcher
	present *bool
}

// CompileQueryParam compiles a QueryParameterMatcher proto.
func CompileQueryParam(qm *routev3.QueryParameterMatcher) (*QueryParamMatcher, error) {
	if qm.GetName() == "" {
		return nil, fmt.Errorf("query parameter matcher missing name")
	}

	m := &QueryParamMatcher{name: qm.GetName()}

	switch spec := qm.GetQueryParameterMatchSpecifier().(type) {
	case *routev3.QueryParameterMatcher_StringMatch:
		sm, err := CompileString(spec.StringMatch)
		if err != nil {
			return nil, fmt.Errorf("query parameter %q: %w", qm.GetName(), err)
		}
		m.str = sm
	case *routev3.QueryParameterMatcher_PresentMatch:
		v := spec.PresentMatch
		m.present = &v
	default:
		v := true
		m.present = &v
	}

	return m, nil
}

// CompileQueryParams compiles a list of query parameter matchers.
func CompileQueryParams(qms []*routev3.QueryParameterMatcher) ([]*QueryParamMatcher, error) {
	out := make([]*QueryParamMatcher, 0, len(qms))
	for _, qm := range qms {
		m, err := CompileQueryParam(qm)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Matches evaluates the matcher against parsed query values.
func (m *QueryParamMatcher) Matches(q url.Values) bool {
	if m.present != nil {
		return q.Has(m.name) == *m.present
	}
	if !q.Has(m.name) {
		return false
	}
	return m.str.Matches(q.Get(m.name))
}

// MatchAllQuery reports whether every query matcher matches.
func MatchAllQuery(ms []*QueryParamMatcher, q url.Values) bool {
	for _, m := range ms {
		if !m.Matches(q) {
			return false
		}
	}
	return true
}
