package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	matcherv3 "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func prefixRoute(name, prefix string, headers ...*routev3.HeaderMatcher) *routev3.Route {
	return &routev3.Route{
		Name: name,
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_Prefix{Prefix: prefix},
			Headers:       headers,
		},
		Action: &routev3.Route_Route{
			Route: &routev3.RouteAction{
				ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: name},
			},
		},
	}
}

func exactRoute(name, path string) *routev3.Route {
	return &routev3.Route{
		Name: name,
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_Path{Path: path},
		},
		Action: &routev3.Route_Route{
			Route: &routev3.RouteAction{
				ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: name},
			},
		},
	}
}

func vhost(name string, domains []string, routes ...*routev3.Route) *routev3.VirtualHost {
	return &routev3.VirtualHost{Name: name, Domains: domains, Routes: routes}
}

func reqFor(host, path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
	req.Host = host
	return req
}

func TestFirstMatchWins(t *testing.T) {
	// R1 (prefix "/") declared before R2 (exact "/foo"): /foo selects R1.
	r := New()
	err := r.Reload([]*routev3.VirtualHost{
		vhost("vh", []string{"*"}, prefixRoute("r1", "/"), exactRoute("r2", "/foo")),
	})
	if err != nil {
		t.Fatal(err)
	}

	m := r.Match(reqFor("example.com", "/foo"))
	if m == nil {
		t.Fatal("expected a match")
	}
	if got := m.Route.Proto.GetName(); got != "r1" {
		t.Errorf("selected %q, want r1 (first match wins, not best match)", got)
	}
}

func TestNoRouteMatchedIsNil(t *testing.T) {
	r := New()
	if err := r.Reload([]*routev3.VirtualHost{
		vhost("vh", []string{"api.example.com"}, exactRoute("only", "/foo")),
	}); err != nil {
		t.Fatal(err)
	}

	if m := r.Match(reqFor("api.example.com", "/bar")); m != nil {
		t.Error("expected nil for unmatched path")
	}
	if m := r.Match(reqFor("other.example.com", "/foo")); m != nil {
		t.Error("expected nil for unmatched domain")
	}
}

func TestEmptyHeaderAndQueryListsAreVacuouslyTrue(t *testing.T) {
	r := New()
	if err := r.Reload([]*routev3.VirtualHost{
		vhost("vh", []string{"*"}, prefixRoute("r", "/api")),
	}); err != nil {
		t.Fatal(err)
	}

	req := reqFor("any.host", "/api/users?x=1&y=2")
	req.Header.Set("x-random", "anything")
	req.Header.Set("x-other", "value")

	if m := r.Match(req); m == nil {
		t.Error("route with only a path matcher must match regardless of headers and query")
	}
}

func TestDomainPrecedence(t *testing.T) {
	r := New()
	if err := r.Reload([]*routev3.VirtualHost{
		vhost("wild", []string{"*"}, prefixRoute("wild-r", "/")),
		vhost("suffix", []string{"*.example.com"}, prefixRoute("suffix-r", "/")),
		vhost("exact", []string{"api.example.com"}, prefixRoute("exact-r", "/")),
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		host string
		want string
	}{
		{"api.example.com", "exact-r"},
		{"www.example.com", "suffix-r"},
		{"elsewhere.io", "wild-r"},
		{"API.EXAMPLE.COM", "exact-r"},
		{"api.example.com:8443", "exact-r"},
	}
	for _, tt := range tests {
		m := r.Match(reqFor(tt.host, "/"))
		if m == nil {
			t.Fatalf("host %s: no match", tt.host)
		}
		if got := m.Route.Proto.GetName(); got != tt.want {
			t.Errorf("host %s: got %s, want %s", tt.host, got, tt.want)
		}
	}
}

func TestHeaderGatedRoute(t *testing.T) {
	canaryHdr := &routev3.HeaderMatcher{
		Name:                 "x-env",
		HeaderMatchSpecifier: &routev3.HeaderMatcher_ExactMatch{ExactMatch: "canary"},
	}
	r := New()
	if err := r.Reload([]*routev3.VirtualHost{
		vhost("vh", []string{"api.example.com"},
			prefixRoute("canary", "/", canaryHdr),
			prefixRoute("stable", "/"),
		),
	}); err != nil {
		t.Fatal(err)
	}

	req := reqFor("api.example.com", "/users")
	req.Header.Set("x-env", "canary")
	if m := r.Match(req); m.Route.Proto.GetName() != "canary" {
		t.Errorf("canary header should select canary route, got %s", m.Route.Proto.GetName())
	}

	req = reqFor("api.example.com", "/users")
	if m := r.Match(req); m.Route.Proto.GetName() != "stable" {
		t.Errorf("missing header should fall through to stable, got %s", m.Route.Proto.GetName())
	}
}

func TestCaseSensitivity(t *testing.T) {
	insensitive := &routev3.Route{
		Name: "r",
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_Prefix{Prefix: "/API"},
			CaseSensitive: wrapperspb.Bool(false),
		},
		Action: &routev3.Route_Route{Route: &routev3.RouteAction{
			ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: "c"},
		}},
	}
	r := New()
	if err := r.Reload([]*routev3.VirtualHost{vhost("vh", []string{"*"}, insensitive)}); err != nil {
		t.Fatal(err)
	}

	if m := r.Match(reqFor("h", "/api/users")); m == nil {
		t.Error("case-insensitive prefix should match lowercased path")
	}

	// Default is case sensitive.
	sensitive := exactRoute("s", "/Foo")
	if err := r.Reload([]*routev3.VirtualHost{vhost("vh", []string{"*"}, sensitive)}); err != nil {
		t.Fatal(err)
	}
	if m := r.Match(reqFor("h", "/foo")); m != nil {
		t.Error("default matching must be case sensitive")
	}
}

func TestGrpcOnlyGate(t *testing.T) {
	rt := &routev3.Route{
		Name: "grpc",
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_Prefix{Prefix: "/"},
			Grpc:          &routev3.RouteMatch_GrpcRouteMatchOptions{},
		},
		Action: &routev3.Route_Route{Route: &routev3.RouteAction{
			ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: "c"},
		}},
	}
	r := New()
	if err := r.Reload([]*routev3.VirtualHost{vhost("vh", []string{"*"}, rt)}); err != nil {
		t.Fatal(err)
	}

	plain := reqFor("h", "/pkg.Svc/Call")
	if m := r.Match(plain); m != nil {
		t.Error("non-gRPC request must not match a grpc-gated route")
	}

	grpc := reqFor("h", "/pkg.Svc/Call")
	grpc.Header.Set("Content-Type", "application/grpc+proto")
	if m := r.Match(grpc); m == nil {
		t.Error("gRPC content-type should pass the grpc gate")
	}
}

func TestConnectMatcher(t *testing.T) {
	rt := &routev3.Route{
		Name: "connect",
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_ConnectMatcher_{
				ConnectMatcher: &routev3.RouteMatch_ConnectMatcher{},
			},
		},
		Action: &routev3.Route_Route{Route: &routev3.RouteAction{
			ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: "c"},
		}},
	}
	r := New()
	if err := r.Reload([]*routev3.VirtualHost{vhost("vh", []string{"*"}, rt)}); err != nil {
		t.Fatal(err)
	}

	connect := httptest.NewRequest(http.MethodConnect, "http://h/ignored", nil)
	if m := r.Match(connect); m == nil {
		t.Error("CONNECT request should match connect matcher")
	}
	if m := r.Match(reqFor("h", "/ignored")); m != nil {
		t.Error("GET request must not match connect matcher")
	}
}

func TestReloadRejectsMalformedConfig(t *testing.T) {
	r := New()
	if err := r.Reload([]*routev3.VirtualHost{
		vhost("ok", []string{"*"}, prefixRoute("r", "/")),
	}); err != nil {
		t.Fatal(err)
	}

	bad := &routev3.Route{
		Name: "bad",
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_SafeRegex{
				SafeRegex: &matcherv3.RegexMatcher{Regex: `(unclosed`},
			},
		},
		Action: &routev3.Route_Route{Route: &routev3.RouteAction{
			ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: "c"},
		}},
	}
	if err := r.Reload([]*routev3.VirtualHost{vhost("vh", []string{"*"}, bad)}); err == nil {
		t.Fatal("expected reload to reject invalid regex")
	}

	// Previous table must survive the rejected push.
	if m := r.Match(reqFor("h", "/anything")); m == nil || m.Route.Proto.GetName() != "r" {
		t.Error("rejected reload must leave the previous table intact")
	}

	// A host with no domains is unreachable and also rejected.
	if err := r.Reload([]*routev3.VirtualHost{
		vhost("nodomains", nil, prefixRoute("r", "/")),
	}); err == nil {
		t.Error("expected reload to reject virtual host without domains")
	}
}
