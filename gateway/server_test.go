package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/edgekit/gateway/internal/extauth"
	"github.com/edgekit/gateway/internal/extauthcfg"
)

func clusterRoute(name, prefix, cluster string) *routev3.Route {
	return &routev3.Route{
		Name: name,
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_Prefix{Prefix: prefix},
		},
		Action: &routev3.Route_Route{
			Route: &routev3.RouteAction{
				ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: cluster},
			},
		},
	}
}

func testVhost(name string, domains []string, routes ...*routev3.Route) *routev3.VirtualHost {
	return &routev3.VirtualHost{Name: name, Domains: domains, Routes: routes}
}

// recordingUpstream starts an upstream that records the last request it saw.
type recordedRequest struct {
	Path   string
	Query  string
	Header http.Header
	Host   string
}

func recordingUpstream(t *testing.T, status int, body string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.Path = r.URL.Path
		rec.Query = r.URL.RawQuery
		rec.Header = r.Header.Clone()
		rec.Host = r.Host
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestServer(t *testing.T, snap *Snapshot, clusters StaticClusters) *Server {
	t.Helper()
	engine := New()
	if err := engine.Reload(context.Background(), snap); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return NewServer(engine, clusters, nil)
}

func doReq(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestForwardRewritesPrefix(t *testing.T) {
	upstream, rec := recordingUpstream(t, http.StatusOK, "upstream says hi")

	rt := clusterRoute("api", "/api", "backend")
	rt.GetRoute().PrefixRewrite = "/v2"
	srv := newTestServer(t,
		&Snapshot{VirtualHosts: []*routev3.VirtualHost{testVhost("web", []string{"*"}, rt)}},
		StaticClusters{"backend": upstream.URL},
	)

	w := doReq(srv, httptest.NewRequest(http.MethodGet, "http://example.com/api/users?page=2", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "upstream says hi" {
		t.Errorf("body = %q", w.Body.String())
	}
	if rec.Path != "/v2/users" {
		t.Errorf("upstream path = %q, want /v2/users", rec.Path)
	}
	if rec.Query != "page=2" {
		t.Errorf("upstream query = %q", rec.Query)
	}
	if rec.Header.Get("x-request-id") == "" {
		t.Error("request id not assigned")
	}
	if rec.Host != "example.com" {
		t.Errorf("host = %q, want the client host preserved", rec.Host)
	}
	if got := srv.Metrics().Snapshot().Forwarded; got != 1 {
		t.Errorf("forwarded = %d, want 1", got)
	}
}

func TestRetryReplaysRequestBody(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		attempt := len(bodies)
		mu.Unlock()
		if attempt == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	rt := clusterRoute("orders", "/", "backend")
	rt.GetRoute().RetryPolicy = &routev3.RetryPolicy{
		RetryOn:    "5xx",
		NumRetries: wrapperspb.UInt32(1),
		RetryBackOff: &routev3.RetryPolicy_RetryBackOff{
			BaseInterval: durationpb.New(time.Millisecond),
		},
	}
	srv := newTestServer(t,
		&Snapshot{VirtualHosts: []*routev3.VirtualHost{testVhost("web", []string{"*"}, rt)}},
		StaticClusters{"backend": upstream.URL},
	)

	req := httptest.NewRequest(http.MethodPost, "http://example.com/orders", strings.NewReader("hello-body"))
	w := doReq(srv, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry", w.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("attempts = %d, want 2", len(bodies))
	}
	for i, b := range bodies {
		if b != "hello-body" {
			t.Errorf("attempt %d body = %q, want hello-body", i+1, b)
		}
	}
}

func TestNoRouteIs404(t *testing.T) {
	srv := newTestServer(t,
		&Snapshot{VirtualHosts: []*routev3.VirtualHost{
			testVhost("web", []string{"only.example.com"}, clusterRoute("r", "/", "backend")),
		}},
		StaticClusters{},
	)

	w := doReq(srv, httptest.NewRequest(http.MethodGet, "http://other.example.com/", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no route matched") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestRedirectAction(t *testing.T) {
	rt := &routev3.Route{
		Name: "to-https",
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_Prefix{Prefix: "/"},
		},
		Action: &routev3.Route_Redirect{
			Redirect: &routev3.RedirectAction{
				SchemeRewriteSpecifier: &routev3.RedirectAction_HttpsRedirect{HttpsRedirect: true},
			},
		},
	}
	srv := newTestServer(t,
		&Snapshot{VirtualHosts: []*routev3.VirtualHost{testVhost("web", []string{"*"}, rt)}},
		StaticClusters{},
	)

	w := doReq(srv, httptest.NewRequest(http.MethodGet, "http://example.com/login?next=%2F", nil))
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://example.com/login?next=%2F" {
		t.Errorf("location = %q", loc)
	}
}

func TestDirectResponseAction(t *testing.T) {
	rt := &routev3.Route{
		Name: "teapot",
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_Path{Path: "/brew"},
		},
		Action: &routev3.Route_DirectResponse{
			DirectResponse: &routev3.DirectResponseAction{
				Status: http.StatusTeapot,
				Body: &corev3.DataSource{
					Specifier: &corev3.DataSource_InlineString{InlineString: "short and stout"},
				},
			},
		},
	}
	srv := newTestServer(t,
		&Snapshot{VirtualHosts: []*routev3.VirtualHost{testVhost("web", []string{"*"}, rt)}},
		StaticClusters{},
	)

	w := doReq(srv, httptest.NewRequest(http.MethodGet, "http://example.com/brew", nil))
	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", w.Code)
	}
	if w.Body.String() != "short and stout" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func basicAuthSnapshot(upstreamCluster string) *Snapshot {
	return &Snapshot{
		VirtualHosts: []*routev3.VirtualHost{testVhost("web", []string{"*"},
			clusterRoute("open", "/public", upstreamCluster),
			clusterRoute("app", "/", upstreamCluster),
		)},
		AuthConfigs: []*extauthcfg.AuthConfig{{
			Name: "site-auth",
			Configs: []extauthcfg.Config{{
				BasicAuth: &extauthcfg.BasicAuth{
					Realm: "gw",
					Apr: &extauthcfg.BasicAuthAprConfig{
						Users: map[string]extauthcfg.SaltedHashedPassword{
							"admin": {Salt: "r31.....", HashedPassword: "HqJZimcKQFAMYayBlzkrA/"},
						},
					},
				},
			}},
		}},
		Settings:          &extauthcfg.Settings{UserIdHeader: "x-user-id"},
		DefaultAuthConfig: "site-auth",
		ExtAuth: map[string]*extauthcfg.ExtAuthExtension{
			"open": {Disable: true},
		},
	}
}

func TestBasicAuthDenied(t *testing.T) {
	upstream, _ := recordingUpstream(t, http.StatusOK, "ok")
	srv := newTestServer(t, basicAuthSnapshot("backend"), StaticClusters{"backend": upstream.URL})

	w := doReq(srv, httptest.NewRequest(http.MethodGet, "http://example.com/dashboard", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); got != `Basic realm="gw"` {
		t.Errorf("challenge = %q", got)
	}
	if got := srv.Metrics().Snapshot().AuthDenied; got != 1 {
		t.Errorf("auth denied = %d, want 1", got)
	}
}

func TestBasicAuthAllowed(t *testing.T) {
	upstream, rec := recordingUpstream(t, http.StatusOK, "ok")
	srv := newTestServer(t, basicAuthSnapshot("backend"), StaticClusters{"backend": upstream.URL})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/dashboard", nil)
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:myPassword")))

	w := doReq(srv, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := rec.Header.Get("x-user-id"); got != "admin" {
		t.Errorf("upstream x-user-id = %q, want admin", got)
	}
}

func TestAuthDisabledOnRoute(t *testing.T) {
	upstream, _ := recordingUpstream(t, http.StatusOK, "ok")
	srv := newTestServer(t, basicAuthSnapshot("backend"), StaticClusters{"backend": upstream.URL})

	// No credentials, but the "open" route disables authorization.
	w := doReq(srv, httptest.NewRequest(http.MethodGet, "http://example.com/public/index.html", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 on the disabled route", w.Code)
	}
}

func TestAuthFailurePolicy(t *testing.T) {
	extauth.RegisterCustomAuth("backend-down", extauth.ServiceFunc(
		func(context.Context, *http.Request) (*extauth.Response, error) {
			return nil, errors.New("auth backend timeout")
		}))

	snapFor := func(settings *extauthcfg.Settings) *Snapshot {
		return &Snapshot{
			VirtualHosts: []*routev3.VirtualHost{testVhost("web", []string{"*"},
				clusterRoute("app", "/", "backend"),
			)},
			Settings: settings,
			ExtAuth: map[string]*extauthcfg.ExtAuthExtension{
				"app": {CustomAuth: &extauthcfg.CustomAuth{Name: "backend-down"}},
			},
		}
	}

	upstream, _ := recordingUpstream(t, http.StatusOK, "ok")
	clusters := StaticClusters{"backend": upstream.URL}

	// Default policy fails closed, with the configured error status.
	srv := newTestServer(t, snapFor(&extauthcfg.Settings{StatusOnError: http.StatusTooManyRequests}), clusters)
	w := doReq(srv, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 when the evaluator errors and the policy is fail-closed", w.Code)
	}

	// Without status_on_error the denial is a plain 403.
	srv = newTestServer(t, snapFor(nil), clusters)
	w = doReq(srv, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 default fail-closed", w.Code)
	}

	// failure_mode_allow admits the request despite the evaluation error.
	srv = newTestServer(t, snapFor(&extauthcfg.Settings{FailureModeAllow: true}), clusters)
	w = doReq(srv, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 fail-open", w.Code)
	}
}

func TestRequireTLSRedirects(t *testing.T) {
	vh := testVhost("web", []string{"*"}, clusterRoute("r", "/", "backend"))
	vh.RequireTls = routev3.VirtualHost_ALL
	srv := newTestServer(t, &Snapshot{VirtualHosts: []*routev3.VirtualHost{vh}}, StaticClusters{})

	w := doReq(srv, httptest.NewRequest(http.MethodGet, "http://example.com/account", nil))
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://example.com/account" {
		t.Errorf("location = %q", loc)
	}
}

func TestReloadRejectionKeepsPreviousSnapshot(t *testing.T) {
	engine := New()
	good := &Snapshot{VirtualHosts: []*routev3.VirtualHost{
		testVhost("web", []string{"*"}, clusterRoute("r", "/", "backend")),
	}}
	if err := engine.Reload(context.Background(), good); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	bad := &Snapshot{
		VirtualHosts:      good.VirtualHosts,
		DefaultAuthConfig: "does-not-exist",
	}
	if err := engine.Reload(context.Background(), bad); err == nil {
		t.Fatal("expected reload to reject an unknown default auth config")
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	if m := engine.Match(req); m == nil {
		t.Error("previous route table lost after a rejected reload")
	}
}
