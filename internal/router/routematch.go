package router

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"

	"github.com/edgekit/gateway/internal/matcher"
)

type pathMatchKind int

const (
	pathPrefix pathMatchKind = iota
	pathExact
	pathRegex
	pathConnect
)

// CompiledRouteMatch is a RouteMatch predicate with all matchers compiled.
// Evaluation is synchronous and side-effect free.
type CompiledRouteMatch struct {
	kind          pathMatchKind
	path          string
	pathRegex     *regexp.Regexp
	caseSensitive bool

	headers  []*matcher.HeaderMatcher
	query    []*matcher.QueryParamMatcher
	fraction *matcher.FractionGate

	grpcOnly bool

	tlsPresented *bool
	tlsValidated *bool
}

// CompileRouteMatch compiles a RouteMatch proto. Invalid regexes or a missing
// path specifier reject the config at load time.
func CompileRouteMatch(rm *routev3.RouteMatch) (*CompiledRouteMatch, error) {
	if rm == nil {
		return nil, fmt.Errorf("route has no match")
	}

	m := &CompiledRouteMatch{caseSensitive: true}
	if rm.GetCaseSensitive() != nil {
		m.caseSensitive = rm.GetCaseSensitive().GetValue()
	}

	switch spec := rm.GetPathSpecifier().(type) {
	case *routev3.RouteMatch_Prefix:
		m.kind = pathPrefix
		m.path = spec.Prefix
	case *routev3.RouteMatch_Path:
		m.kind = pathExact
		m.path = spec.Path
	case *routev3.RouteMatch_SafeRegex:
		re, err := matcher.CompileSafeRegex(spec.SafeRegex)
		if err != nil {
			return nil, fmt.Errorf("path regex: %w", err)
		}
		m.kind = pathRegex
		m.pathRegex = re
	case *routev3.RouteMatch_ConnectMatcher_:
		m.kind = pathConnect
	default:
		return nil, fmt.Errorf("route match has no path specifier")
	}

	if !m.caseSensitive {
		m.path = strings.ToLower(m.path)
	}

	var err error
	if m.headers, err = matcher.CompileHeaders(rm.GetHeaders()); err != nil {
		return nil, err
	}
	if m.query, err = matcher.CompileQueryParams(rm.GetQueryParameters()); err != nil {
		return nil, err
	}

	m.fraction = matcher.NewFractionGate(rm.GetRuntimeFraction())
	m.grpcOnly = rm.GetGrpc() != nil

	if tls := rm.GetTlsContext(); tls != nil {
		if tls.GetPresented() != nil {
			v := tls.GetPresented().GetValue()
			m.tlsPresented = &v
		}
		if tls.GetValidated() != nil {
			v := tls.GetValidated().GetValue()
			m.tlsValidated = &v
		}
	}

	return m, nil
}

// Evaluate runs the full predicate against a request. All criteria are
// AND-combined and short-circuit on the first failure.
func (m *CompiledRouteMatch) Evaluate(r *http.Request) bool {
	if !m.matchPath(r) {
		return false
	}
	if !matcher.MatchAll(m.headers, r.Header) {
		return false
	}
	if len(m.query) > 0 && !matcher.MatchAllQuery(m.query, r.URL.Query()) {
		return false
	}
	if !m.fraction.Allows(r.Header.Get("x-request-id")) {
		return false
	}
	if m.grpcOnly && !isGRPC(r) {
		return false
	}
	if m.tlsPresented != nil || m.tlsValidated != nil {
		presented := r.TLS != nil && len(r.TLS.PeerCertificates) > 0
		validated := r.TLS != nil && len(r.TLS.VerifiedChains) > 0
		if m.tlsPresented != nil && presented != *m.tlsPresented {
			return false
		}
		if m.tlsValidated != nil && validated != *m.tlsValidated {
			return false
		}
	}
	return true
}

func (m *CompiledRouteMatch) matchPath(r *http.Request) bool {
	if m.kind == pathConnect {
		return r.Method == http.MethodConnect
	}

	path := r.URL.Path
	if !m.caseSensitive {
		path = strings.ToLower(path)
	}

	switch m.kind {
	case pathPrefix:
		return strings.HasPrefix(path, m.path)
	case pathExact:
		return path == m.path
	case pathRegex:
		return m.pathRegex.MatchString(r.URL.Path)
	}
	return false
}

func isGRPC(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}
