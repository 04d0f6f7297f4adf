package routeaction

import (
	"net"
	"net/http"

	"github.com/cespare/xxhash/v2"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
)

// hashSource extracts one hash component from a request for consistent-hash
// load balancing.
type hashSource struct {
	header    string
	cookie    string
	queryName string
	sourceIP  bool
	terminal  bool
}

func compileHashPolicies(policies []*routev3.RouteAction_HashPolicy) []hashSource {
	var out []hashSource
	for _, hp := range policies {
		s := hashSource{terminal: hp.GetTerminal()}
		switch spec := hp.GetPolicySpecifier().(type) {
		case *routev3.RouteAction_HashPolicy_Header_:
			s.header = spec.Header.GetHeaderName()
		case *routev3.RouteAction_HashPolicy_Cookie_:
			s.cookie = spec.Cookie.GetName()
		case *routev3.RouteAction_HashPolicy_QueryParameter_:
			s.queryName = spec.QueryParameter.GetName()
		case *routev3.RouteAction_HashPolicy_ConnectionProperties_:
			s.sourceIP = spec.ConnectionProperties.GetSourceIp()
		default:
			continue
		}
		out = append(out, s)
	}
	return out
}

func (s hashSource) extract(r *http.Request) (string, bool) {
	switch {
	case s.header != "":
		v := r.Header.Get(s.header)
		return v, v != ""
	case s.cookie != "":
		c, err := r.Cookie(s.cookie)
		if err != nil {
			return "", false
		}
		return c.Value, true
	case s.queryName != "":
		q := r.URL.Query()
		return q.Get(s.queryName), q.Has(s.queryName)
	case s.sourceIP:
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr, r.RemoteAddr != ""
		}
		return host, true
	}
	return "", false
}

// hashRequest folds the configured hash components into a single key. A
// terminal policy stops evaluation once it produced a component.
func hashRequest(sources []hashSource, r *http.Request) (uint64, bool) {
	var key uint64
	found := false
	for _, s := range sources {
		component, ok := s.extract(r)
		if ok {
			found = true
			key = key*31 + xxhash.Sum64String(component)
			if s.terminal {
				break
			}
		}
	}
	return key, found
}
