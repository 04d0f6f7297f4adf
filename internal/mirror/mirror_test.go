package mirror

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
)

func TestFromProtoSkipsEmptyCluster(t *testing.T) {
	policies := FromProto([]*routev3.RouteAction_RequestMirrorPolicy{
		{Cluster: ""},
		{Cluster: "shadow"},
	})
	if len(policies) != 1 || policies[0].Cluster != "shadow" {
		t.Fatalf("policies = %+v, want single shadow policy", policies)
	}
}

func TestShouldMirrorWithoutFractionAlwaysFires(t *testing.T) {
	p := FromProto([]*routev3.RouteAction_RequestMirrorPolicy{{Cluster: "shadow"}})[0]
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for i := 0; i < 5; i++ {
		if !p.ShouldMirror(req) {
			t.Fatal("policy without runtime_fraction must always mirror")
		}
	}
	if got := p.GetMetrics().Mirrored.Load(); got != 5 {
		t.Errorf("mirrored counter = %d, want 5", got)
	}
}

func TestShouldMirrorZeroFractionNeverFires(t *testing.T) {
	p := FromProto([]*routev3.RouteAction_RequestMirrorPolicy{{
		Cluster: "shadow",
		RuntimeFraction: &corev3.RuntimeFractionalPercent{
			DefaultValue: &typev3.FractionalPercent{
				Numerator:   0,
				Denominator: typev3.FractionalPercent_HUNDRED,
			},
		},
	}})[0]
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-request-id", "abc")
	if p.ShouldMirror(req) {
		t.Error("zero numerator must never mirror")
	}
}

func TestBufferBodyRestoresRequestBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload"))
	body, err := BufferBody(req)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "payload" {
		t.Errorf("buffered body = %q", body)
	}
	rest, _ := io.ReadAll(req.Body)
	if string(rest) != "payload" {
		t.Errorf("original body after buffering = %q, want payload", rest)
	}
}

func TestSendShadowsWithSuffixedAuthority(t *testing.T) {
	type seen struct {
		host string
		body string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{host: r.Host, body: string(body)}
	}))
	defer srv.Close()

	p := FromProto([]*routev3.RouteAction_RequestMirrorPolicy{{Cluster: "shadow"}})[0]
	original := httptest.NewRequest(http.MethodPost, "http://svc.example.com/v1/x", strings.NewReader("payload"))
	body, err := BufferBody(original)
	if err != nil {
		t.Fatal(err)
	}

	p.Send(NewClient(time.Second), original, srv.URL+"/v1/x", body)

	select {
	case s := <-got:
		if s.host != "svc.example.com-shadow" {
			t.Errorf("shadow authority = %q, want svc.example.com-shadow", s.host)
		}
		if s.body != "payload" {
			t.Errorf("shadow body = %q", s.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shadow request never arrived")
	}
}
