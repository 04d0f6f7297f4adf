package extauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

const defaultTokenCacheSize = 1024

// validatedToken is a cached validation outcome.
type validatedToken struct {
	userID string
	scopes map[string]bool
	expiry time.Time
}

// tokenValidationService validates bearer tokens without running an OAuth
// flow: by introspection, local JWT verification, or the userinfo endpoint.
type tokenValidationService struct {
	cfg *extauthcfg.AccessTokenValidation

	introspectionURL string
	clientID         string
	clientSecret     string
	userIDAttribute  string

	jwks      *jwksKeySet
	jwtIssuer string

	requiredScopes []string
	cache          *expirable.LRU[string, *validatedToken]
	client         *http.Client
}

func newAccessTokenValidation(cfg *extauthcfg.AccessTokenValidation, secrets extauthcfg.SecretSource, stop <-chan struct{}) (*tokenValidationService, error) {
	s := &tokenValidationService{
		cfg:             cfg,
		userIDAttribute: "sub",
		requiredScopes:  cfg.RequiredScopes,
		client:          &http.Client{Timeout: 10 * time.Second},
	}

	switch {
	case cfg.IntrospectionUrl != "":
		s.introspectionURL = cfg.IntrospectionUrl
	case cfg.Introspection != nil:
		in := cfg.Introspection
		s.introspectionURL = in.IntrospectionUrl
		s.clientID = in.ClientId
		if in.UserIdAttributeName != "" {
			s.userIDAttribute = in.UserIdAttributeName
		}
		if in.ClientSecretRef.Name != "" {
			sec, err := secrets.Get(in.ClientSecretRef)
			if err != nil {
				return nil, fmt.Errorf("introspection client secret: %w", err)
			}
			s.clientSecret = sec.Data[clientSecretKey]
		}
	case cfg.Jwt != nil:
		var err error
		s.jwtIssuer = cfg.Jwt.Issuer
		if cfg.Jwt.LocalJwks != "" {
			s.jwks, err = newLocalJwks(cfg.Jwt.LocalJwks)
		} else {
			refresh := cfg.Jwt.RemoteJwks.RefreshInterval
			s.jwks, err = newRemoteJwks(cfg.Jwt.RemoteJwks.Url, refresh, stop)
		}
		if err != nil {
			return nil, err
		}
	}

	ttl := cfg.CacheTimeout
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s.cache = expirable.NewLRU[string, *validatedToken](defaultTokenCacheSize, nil, ttl)
	return s, nil
}

func (s *tokenValidationService) Authorize(ctx context.Context, r *http.Request) (*Response, error) {
	token := bearerToken(r)
	if token == "" {
		return Unauthenticated(), nil
	}

	vt, ok := s.cache.Get(token)
	if ok && !vt.expiry.IsZero() && time.Now().After(vt.expiry) {
		s.cache.Remove(token)
		ok = false
	}
	if !ok {
		var err error
		vt, err = s.validate(ctx, token)
		if err != nil {
			return nil, err
		}
		if vt == nil {
			return Unauthenticated(), nil
		}
		// The user id must be complete before the entry is shared through
		// the cache; cached entries are read concurrently and never mutated.
		if s.cfg.UserinfoUrl != "" && vt.userID == "" {
			userID, err := s.userinfo(ctx, token)
			if err != nil {
				return nil, err
			}
			vt.userID = userID
		}
		s.cache.Add(token, vt)
	}

	// Every required scope must be present on the token.
	for _, scope := range s.requiredScopes {
		if !vt.scopes[scope] {
			return Forbidden(), nil
		}
	}

	return AllowedWithUser(vt.userID), nil
}

// validate returns nil for a token the provider rejects.
func (s *tokenValidationService) validate(ctx context.Context, token string) (*validatedToken, error) {
	if s.jwks != nil {
		return s.validateJwt(token)
	}
	if s.introspectionURL != "" {
		return s.introspect(ctx, token)
	}
	// Userinfo-only validation: the endpoint accepting the token is the
	// validation.
	userID, err := s.userinfo(ctx, token)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, nil
	}
	return &validatedToken{userID: userID, scopes: map[string]bool{}}, nil
}

func (s *tokenValidationService) validateJwt(token string) (*validatedToken, error) {
	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if s.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.jwtIssuer))
	}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, s.jwks.Keyfunc); err != nil {
		// Invalid token is a denial, not an evaluation error.
		return nil, nil
	}

	vt := &validatedToken{scopes: scopesFromClaim(claims["scope"])}
	vt.userID, _ = claims["sub"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		vt.expiry = exp.Time
	}
	return vt, nil
}

type introspectionResponse struct {
	Active bool   `json:"active"`
	Scope  string `json:"scope"`
	Exp    int64  `json:"exp"`
}

func (s *tokenValidationService) introspect(ctx context.Context, token string) (*validatedToken, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.introspectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.clientID != "" {
		req.SetBasicAuth(s.clientID, s.clientSecret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var ir introspectionResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, fmt.Errorf("introspection: %w", err)
	}
	if !ir.Active {
		return nil, nil
	}

	vt := &validatedToken{scopes: scopesFromClaim(ir.Scope)}
	if ir.Exp > 0 {
		vt.expiry = time.Unix(ir.Exp, 0)
	}

	// The user id attribute is configurable, so fish it out of the raw body.
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err == nil {
		vt.userID, _ = fields[s.userIDAttribute].(string)
	}
	return vt, nil
}

func (s *tokenValidationService) userinfo(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.UserinfoUrl, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("userinfo: %w", err)
	}
	sub, _ := fields["sub"].(string)
	return sub, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// scopesFromClaim normalizes the scope claim, which providers emit either as
// a space-separated string or a list.
func scopesFromClaim(claim any) map[string]bool {
	out := map[string]bool{}
	switch v := claim.(type) {
	case string:
		for _, s := range strings.Fields(v) {
			out[s] = true
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}
