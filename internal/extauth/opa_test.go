package extauth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

const methodPolicy = `
package authz

default allow = false

allow {
	input.http_request.method == "GET"
}

allow {
	input.http_request.headers["X-Override"] == "letmein"
}
`

func TestOpaAuthorize(t *testing.T) {
	svc, err := newOpaAuth(context.Background(), &extauthcfg.OpaAuth{
		Modules: map[string]string{"authz.rego": methodPolicy},
		Query:   "data.authz.allow",
	})
	if err != nil {
		t.Fatalf("newOpaAuth: %v", err)
	}

	get := httptest.NewRequest("GET", "http://svc/items", nil)
	resp, err := svc.Authorize(context.Background(), get)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if resp.State != StateAllowed {
		t.Error("GET should be allowed")
	}

	del := httptest.NewRequest("DELETE", "http://svc/items/1", nil)
	resp, err = svc.Authorize(context.Background(), del)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if resp.State == StateAllowed {
		t.Error("DELETE should be denied")
	}

	del.Header.Set("x-override", "letmein")
	resp, err = svc.Authorize(context.Background(), del)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if resp.State != StateAllowed {
		t.Error("header override should allow DELETE")
	}
}

func TestOpaBadPolicyRejectedAtLoad(t *testing.T) {
	_, err := newOpaAuth(context.Background(), &extauthcfg.OpaAuth{
		Modules: map[string]string{"bad.rego": "package authz\nallow {"},
		Query:   "data.authz.allow",
	})
	if err == nil {
		t.Fatal("expected a compile error")
	}
}

func TestOpaNonBooleanResultDenies(t *testing.T) {
	svc, err := newOpaAuth(context.Background(), &extauthcfg.OpaAuth{
		Modules: map[string]string{"authz.rego": "package authz\n\nwho = \"me\"\n"},
		Query:   "data.authz.who",
	})
	if err != nil {
		t.Fatalf("newOpaAuth: %v", err)
	}
	resp, err := svc.Authorize(context.Background(), httptest.NewRequest("GET", "http://svc/", nil))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if resp.State == StateAllowed {
		t.Error("non-boolean query result must not allow")
	}
}
