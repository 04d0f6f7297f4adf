package extauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

// Known htpasswd -m vector.
func TestApr1CryptKnownVector(t *testing.T) {
	if got := apr1Crypt("myPassword", "r31....."); got != "HqJZimcKQFAMYayBlzkrA/" {
		t.Errorf("apr1Crypt = %q, want HqJZimcKQFAMYayBlzkrA/", got)
	}
}

func TestApr1CryptSaltMatters(t *testing.T) {
	a := apr1Crypt("secret", "aaaaaaaa")
	b := apr1Crypt("secret", "bbbbbbbb")
	if a == b {
		t.Error("different salts must produce different digests")
	}
	if a != apr1Crypt("secret", "aaaaaaaa") {
		t.Error("digest must be deterministic")
	}
}

func basicService() *basicAuthService {
	return newBasicAuth(&extauthcfg.BasicAuth{
		Realm: "gateway",
		Apr: &extauthcfg.BasicAuthAprConfig{
			Users: map[string]extauthcfg.SaltedHashedPassword{
				"alice": {Salt: "abcdefgh", HashedPassword: apr1Crypt("s3cret", "abcdefgh")},
			},
		},
	})
}

func TestBasicAuth(t *testing.T) {
	s := basicService()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "s3cret")
	resp, err := s.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.State != StateAllowed || resp.UserID != "alice" {
		t.Errorf("resp = %+v, want allowed alice", resp)
	}
}

func TestBasicAuthChallenges(t *testing.T) {
	s := basicService()

	cases := []func(*http.Request){
		func(r *http.Request) {},                                      // no credentials
		func(r *http.Request) { r.SetBasicAuth("alice", "wrong") },    // bad password
		func(r *http.Request) { r.SetBasicAuth("mallory", "s3cret") }, // unknown user
	}
	for _, setup := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		setup(req)
		resp, err := s.Authorize(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.State != StateDenied || resp.Status != http.StatusUnauthorized {
			t.Errorf("resp = %+v, want 401 denial", resp)
		}
		if got := resp.ResponseHeaders.Get("WWW-Authenticate"); got != `Basic realm="gateway"` {
			t.Errorf("WWW-Authenticate = %q", got)
		}
	}
}
