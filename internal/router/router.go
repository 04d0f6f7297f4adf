package router

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"go.uber.org/zap"

	"github.com/edgekit/gateway/internal/logging"
	"github.com/edgekit/gateway/internal/routeaction"
)

// CompiledRoute pairs a Route proto with its compiled match predicate and
// its compiled action variant.
type CompiledRoute struct {
	Proto  *routev3.Route
	Match  *CompiledRouteMatch
	Action *routeaction.CompiledAction
}

// CompiledVirtualHost is an immutable, compiled VirtualHost. Routes keep their
// declared order: selection is first-match-wins, never best-match.
type CompiledVirtualHost struct {
	Proto  *routev3.VirtualHost
	Name   string
	Routes []*CompiledRoute

	// Host-level header mutations, applied before route-level ones.
	RequestMutation  routeaction.HeaderMutation
	ResponseMutation routeaction.HeaderMutation

	exactDomains  map[string]bool
	suffixDomains []string // "*.example.com" stored as ".example.com"
	prefixDomains []string // "example.*" stored as "example."
	catchAll      bool
}

// MatchedRoute is the result of a successful route lookup.
type MatchedRoute struct {
	VirtualHost *CompiledVirtualHost
	Route       *CompiledRoute
}

// RequiresTLS reports whether the virtual host requires TLS for this request.
// EXTERNAL_ONLY exempts requests marked internal by the edge.
func (vh *CompiledVirtualHost) RequiresTLS(r *http.Request) bool {
	switch vh.Proto.GetRequireTls() {
	case routev3.VirtualHost_ALL:
		return true
	case routev3.VirtualHost_EXTERNAL_ONLY:
		return r.Header.Get("x-envoy-internal") != "true"
	default:
		return false
	}
}

// CompileVirtualHost compiles a VirtualHost proto. A host with no domains is
// unreachable and rejected.
func CompileVirtualHost(vh *routev3.VirtualHost) (*CompiledVirtualHost, error) {
	if len(vh.GetDomains()) == 0 {
		return nil, fmt.Errorf("virtual host %q has no domains", vh.GetName())
	}

	cvh := &CompiledVirtualHost{
		Proto:        vh,
		Name:         vh.GetName(),
		exactDomains: make(map[string]bool, len(vh.GetDomains())),
		RequestMutation: routeaction.HeaderMutation{
			Add:    vh.GetRequestHeadersToAdd(),
			Remove: vh.GetRequestHeadersToRemove(),
		},
		ResponseMutation: routeaction.HeaderMutation{
			Add:    vh.GetResponseHeadersToAdd(),
			Remove: vh.GetResponseHeadersToRemove(),
		},
	}

	for _, d := range vh.GetDomains() {
		d = strings.ToLower(d)
		switch {
		case d == "*":
			cvh.catchAll = true
		case strings.HasPrefix(d, "*"):
			cvh.suffixDomains = append(cvh.suffixDomains, d[1:])
		case strings.HasSuffix(d, "*"):
			cvh.prefixDomains = append(cvh.prefixDomains, d[:len(d)-1])
		default:
			cvh.exactDomains[d] = true
		}
	}

	for i, rt := range vh.GetRoutes() {
		cm, err := CompileRouteMatch(rt.GetMatch())
		if err != nil {
			return nil, fmt.Errorf("virtual host %q route %d: %w", vh.GetName(), i, err)
		}
		action, err := routeaction.Compile(rt)
		if err != nil {
			return nil, fmt.Errorf("virtual host %q route %d: %w", vh.GetName(), i, err)
		}
		cvh.Routes = append(cvh.Routes, &CompiledRoute{Proto: rt, Match: cm, Action: action})
	}

	return cvh, nil
}

// domainScore returns how specifically this host matches the given authority.
// 0 = no match; higher wins. Exact beats wildcard, longer wildcard beats shorter.
func (vh *CompiledVirtualHost) domainScore(host string) int {
	if vh.exactDomains[host] {
		return 1 << 20
	}
	best := 0
	for _, s := range vh.suffixDomains {
		if strings.HasSuffix(host, s) && len(s)+2 > best {
			best = len(s) + 2
		}
	}
	for _, p := range vh.prefixDomains {
		if strings.HasPrefix(host, p) && len(p)+2 > best {
			best = len(p) + 2
		}
	}
	if best > 0 {
		return best
	}
	if vh.catchAll {
		return 1
	}
	return 0
}

// SelectRoute iterates routes in declared order and returns the first whose
// predicate evaluates true, or nil when none match.
func (vh *CompiledVirtualHost) SelectRoute(r *http.Request) *CompiledRoute {
	for _, rt := range vh.Routes {
		if rt.Match.Evaluate(r) {
			return rt
		}
	}
	return nil
}

type routeTable struct {
	hosts []*CompiledVirtualHost
}

// Router holds the current route table behind an atomically swapped pointer.
// Readers always observe one coherent table even during a reload.
type Router struct {
	table atomic.Pointer[routeTable]
}

// New creates an empty Router.
func New() *Router {
	r := &Router{}
	r.table.Store(&routeTable{})
	return r
}

// Reload compiles and atomically publishes a new set of virtual hosts. On any
// compile error the previous table stays in place and the push is rejected.
func (r *Router) Reload(vhosts []*routev3.VirtualHost) error {
	table := &routeTable{hosts: make([]*CompiledVirtualHost, 0, len(vhosts))}
	for _, vh := range vhosts {
		cvh, err := CompileVirtualHost(vh)
		if err != nil {
			return err
		}
		table.hosts = append(table.hosts, cvh)
	}
	r.table.Store(table)
	logging.Info("route table reloaded", zap.Int("virtual_hosts", len(table.hosts)))
	return nil
}

// VirtualHosts returns the currently published virtual hosts.
func (r *Router) VirtualHosts() []*CompiledVirtualHost {
	return r.table.Load().hosts
}

// Match selects at most one route for the request: the most specific virtual
// host for the request authority, then the first route whose predicate
// matches. A nil result is a defined outcome (no route), not an error.
func (r *Router) Match(req *http.Request) *MatchedRoute {
	host := req.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	host = strings.ToLower(host)

	table := r.table.Load()
	var vh *CompiledVirtualHost
	bestScore := 0
	for _, candidate := range table.hosts {
		if score := candidate.domainScore(host); score > bestScore {
			bestScore = score
			vh = candidate
		}
	}
	if vh == nil {
		return nil
	}

	rt := vh.SelectRoute(req)
	if rt == nil {
		return nil
	}
	return &MatchedRoute{VirtualHost: vh, Route: rt}
}
