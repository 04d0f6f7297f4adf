package extauth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

// basicAuthService verifies Authorization: Basic credentials against a
// static list of APR1-hashed users.
type basicAuthService struct {
	realm string
	users map[string]extauthcfg.SaltedHashedPassword
}

func newBasicAuth(cfg *extauthcfg.BasicAuth) *basicAuthService {
	return &basicAuthService{
		realm: cfg.Realm,
		users: cfg.Apr.Users,
	}
}

func (s *basicAuthService) Authorize(_ context.Context, r *http.Request) (*Response, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return s.challenge(), nil
	}

	entry, found := s.users[user]
	if !found {
		// Burn a hash anyway so missing and wrong-password cases take
		// comparable time.
		apr1Crypt(pass, "xxxxxxxx")
		return s.challenge(), nil
	}

	computed := apr1Crypt(pass, entry.Salt)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(entry.HashedPassword)) != 1 {
		return s.challenge(), nil
	}
	return AllowedWithUser(user), nil
}

func (s *basicAuthService) challenge() *Response {
	resp := Unauthenticated()
	realm := s.realm
	if realm == "" {
		realm = "Restricted"
	}
	resp.ResponseHeaders.Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	return resp
}
