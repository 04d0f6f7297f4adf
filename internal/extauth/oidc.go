package extauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgekit/gateway/internal/extauthcfg"
	"github.com/edgekit/gateway/internal/logging"
)

const (
	clientSecretKey = "client-secret"
	stateCookieName = "oidc_state"
)

// oidcEndpoints are the provider endpoints resolved from discovery, with
// any configured overrides applied.
type oidcEndpoints struct {
	AuthEndpoint       string   `json:"authorization_endpoint"`
	TokenEndpoint      string   `json:"token_endpoint"`
	JwksUri            string   `json:"jwks_uri"`
	EndSessionEndpoint string   `json:"end_session_endpoint"`
	ScopesSupported    []string `json:"scopes_supported"`
}

// oidcService implements the OIDC authorization-code flow: unauthenticated
// requests are redirected to the provider, the callback exchanges the code
// for tokens, and subsequent requests are admitted from the session.
type oidcService struct {
	cfg          *extauthcfg.OidcAuthorizationCode
	clientSecret string
	callbackURL  string

	store           SessionStore
	failOnFetch     bool
	allowRefreshing bool
	preExpiryBuffer time.Duration

	mu        sync.RWMutex
	endpoints oidcEndpoints

	jwks   *jwksKeySet
	client *http.Client
	stop   chan struct{}
}

func newOidcAuth(cfg *extauthcfg.OidcAuthorizationCode, secrets extauthcfg.SecretSource) (*oidcService, error) {
	sec, err := secrets.Get(cfg.ClientSecretRef)
	if err != nil {
		return nil, fmt.Errorf("oidc client secret: %w", err)
	}
	secret := sec.Data[clientSecretKey]
	if secret == "" {
		return nil, fmt.Errorf("oidc client secret %q: missing %q entry", cfg.ClientSecretRef.Key(), clientSecretKey)
	}

	store, err := newSessionStore(cfg.Session)
	if err != nil {
		return nil, err
	}

	s := &oidcService{
		cfg:          cfg,
		clientSecret: secret,
		callbackURL:  strings.TrimSuffix(cfg.AppUrl, "/") + cfg.CallbackPath,
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		stop:         make(chan struct{}),
	}
	if sess := cfg.Session; sess != nil {
		s.failOnFetch = sess.FailOnFetchFailure
		switch {
		case sess.Redis != nil:
			s.allowRefreshing = sess.Redis.AllowRefreshing == nil || *sess.Redis.AllowRefreshing
			s.preExpiryBuffer = sess.Redis.PreExpiryBuffer
		case sess.Cookie != nil:
			s.allowRefreshing = sess.Cookie.AllowRefreshing == nil || *sess.Cookie.AllowRefreshing
		default:
			s.allowRefreshing = true
		}
	} else {
		s.allowRefreshing = true
	}

	if err := s.discover(); err != nil {
		return nil, err
	}

	jwksURI := s.currentEndpoints().JwksUri
	if jwksURI != "" {
		s.jwks, err = newRemoteJwks(jwksURI, cfg.DiscoveryPollInterval, s.stop)
		if err != nil {
			return nil, err
		}
	}

	if cfg.DiscoveryPollInterval > 0 {
		go s.pollDiscovery(cfg.DiscoveryPollInterval)
	}
	return s, nil
}

// Close stops the discovery and JWKS refresh loops.
func (s *oidcService) Close() { close(s.stop) }

func (s *oidcService) discover() error {
	ep := oidcEndpoints{}

	ov := s.cfg.DiscoveryOverride
	needsDiscovery := ov == nil || ov.AuthEndpoint == "" || ov.TokenEndpoint == "" || ov.JwksUri == ""
	if needsDiscovery {
		fetch := func() error {
			wellKnown := strings.TrimSuffix(s.cfg.IssuerUrl, "/") + "/.well-known/openid-configuration"
			resp, err := s.client.Get(wellKnown)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("discovery: status %d", resp.StatusCode)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			return json.Unmarshal(body, &ep)
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 30 * time.Second
		if err := backoff.Retry(fetch, bo); err != nil {
			return fmt.Errorf("oidc discovery %s: %w", s.cfg.IssuerUrl, err)
		}
	}

	if ov != nil {
		if ov.AuthEndpoint != "" {
			ep.AuthEndpoint = ov.AuthEndpoint
		}
		if ov.TokenEndpoint != "" {
			ep.TokenEndpoint = ov.TokenEndpoint
		}
		if ov.JwksUri != "" {
			ep.JwksUri = ov.JwksUri
		}
		if ov.EndSessionEndpoint != "" {
			ep.EndSessionEndpoint = ov.EndSessionEndpoint
		}
		if len(ov.Scopes) > 0 {
			ep.ScopesSupported = ov.Scopes
		}
	}

	if ep.AuthEndpoint == "" || ep.TokenEndpoint == "" {
		return fmt.Errorf("oidc discovery %s: missing authorization or token endpoint", s.cfg.IssuerUrl)
	}

	s.mu.Lock()
	s.endpoints = ep
	s.mu.Unlock()
	return nil
}

func (s *oidcService) pollDiscovery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.discover(); err != nil {
				logging.Warn("oidc discovery refresh failed",
					zap.String("issuer", s.cfg.IssuerUrl), zap.Error(err))
			}
		}
	}
}

func (s *oidcService) currentEndpoints() oidcEndpoints {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints
}

func (s *oidcService) Authorize(ctx context.Context, r *http.Request) (*Response, error) {
	switch r.URL.Path {
	case s.cfg.CallbackPath:
		return s.handleCallback(ctx, r)
	case s.cfg.LogoutPath:
		if s.cfg.LogoutPath != "" {
			return s.handleLogout(ctx, r)
		}
	}

	data, err := s.store.Get(ctx, r)
	if err != nil {
		if s.failOnFetch {
			return nil, err
		}
		logging.Debug("session fetch failed, restarting flow", zap.Error(err))
		data = nil
	}

	if data == nil || data.IDToken == "" {
		return s.startFlow(r), nil
	}

	if data.Expired(s.preExpiryBuffer) {
		if s.allowRefreshing && data.RefreshToken != "" {
			refreshed, err := s.refresh(ctx, data)
			if err == nil {
				return s.allowFromSession(ctx, refreshed)
			}
			logging.Debug("token refresh failed, restarting flow", zap.Error(err))
		}
		return s.startFlow(r), nil
	}

	userID, err := s.verifyIDToken(data.IDToken)
	if err != nil {
		logging.Debug("stored id token rejected, restarting flow", zap.Error(err))
		return s.startFlow(r), nil
	}

	resp := AllowedWithUser(userID)
	s.injectTokenHeaders(resp, data)
	return resp, nil
}

func (s *oidcService) allowFromSession(ctx context.Context, data *SessionData) (*Response, error) {
	userID, err := s.verifyIDToken(data.IDToken)
	if err != nil {
		return nil, err
	}
	cookies, err := s.store.Set(ctx, data)
	if err != nil {
		return nil, err
	}
	resp := AllowedWithUser(userID)
	s.injectTokenHeaders(resp, data)
	for _, c := range cookies {
		if resp.ResponseHeaders == nil {
			resp.ResponseHeaders = http.Header{}
		}
		resp.ResponseHeaders.Add("Set-Cookie", c.String())
	}
	return resp, nil
}

func (s *oidcService) injectTokenHeaders(resp *Response, data *SessionData) {
	h := s.cfg.Headers
	if h == nil {
		return
	}
	if h.IdTokenHeader != "" {
		resp.UpstreamHeaders.Set(h.IdTokenHeader, data.IDToken)
	}
	if h.AccessTokenHeader != "" && data.AccessToken != "" {
		resp.UpstreamHeaders.Set(h.AccessTokenHeader, data.AccessToken)
	}
}

// startFlow redirects the client to the provider's authorization endpoint.
// The state and original URL travel in a short-lived cookie.
func (s *oidcService) startFlow(r *http.Request) *Response {
	state := uuid.NewString()

	q := url.Values{}
	q.Set("client_id", s.cfg.ClientId)
	q.Set("redirect_uri", s.callbackURL)
	q.Set("response_type", "code")
	q.Set("state", state)
	scopes := append([]string{"openid"}, s.cfg.Scopes...)
	q.Set("scope", strings.Join(scopes, " "))
	for k, v := range s.cfg.AuthEndpointQueryParams {
		q.Set(k, v)
	}

	ep := s.currentEndpoints()
	sep := "?"
	if strings.Contains(ep.AuthEndpoint, "?") {
		sep = "&"
	}
	resp := Redirect(ep.AuthEndpoint + sep + q.Encode())

	payload, _ := json.Marshal(&SessionData{State: state, OriginalURL: r.URL.RequestURI()})
	stateCookie := &http.Cookie{
		Name:     stateCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	resp.ResponseHeaders.Add("Set-Cookie", stateCookie.String())
	return resp
}

func (s *oidcService) handleCallback(ctx context.Context, r *http.Request) (*Response, error) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		return Forbidden(), nil
	}

	pending, err := s.pendingState(r)
	if err != nil || pending.State != q.Get("state") {
		return Forbidden(), nil
	}

	tokens, err := s.exchange(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {s.callbackURL},
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.verifyIDToken(tokens.IDToken); err != nil {
		return Forbidden(), nil
	}

	cookies, err := s.store.Set(ctx, tokens)
	if err != nil {
		return nil, err
	}

	target := pending.OriginalURL
	if target == "" || target == s.cfg.CallbackPath {
		target = s.cfg.AppUrl
	}
	resp := Redirect(target)
	for _, c := range cookies {
		resp.ResponseHeaders.Add("Set-Cookie", c.String())
	}
	resp.ResponseHeaders.Add("Set-Cookie", (&http.Cookie{
		Name: stateCookieName, Path: "/", MaxAge: -1,
	}).String())
	return resp, nil
}

func (s *oidcService) handleLogout(ctx context.Context, r *http.Request) (*Response, error) {
	cookies, err := s.store.Delete(ctx, r)
	if err != nil {
		return nil, err
	}
	target := s.currentEndpoints().EndSessionEndpoint
	if target == "" {
		target = s.cfg.AppUrl
	}
	resp := Redirect(target)
	for _, c := range cookies {
		resp.ResponseHeaders.Add("Set-Cookie", c.String())
	}
	return resp, nil
}

func (s *oidcService) pendingState(r *http.Request) (*SessionData, error) {
	c, err := r.Cookie(stateCookieName)
	if err != nil {
		return nil, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, err
	}
	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (s *oidcService) exchange(ctx context.Context, form url.Values) (*SessionData, error) {
	form.Set("client_id", s.cfg.ClientId)
	form.Set("client_secret", s.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.currentEndpoints().TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint: status %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}

	data := &SessionData{
		IDToken:      tr.IDToken,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		data.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return data, nil
}

func (s *oidcService) refresh(ctx context.Context, data *SessionData) (*SessionData, error) {
	refreshed, err := s.exchange(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {data.RefreshToken},
	})
	if err != nil {
		return nil, err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = data.RefreshToken
	}
	if refreshed.IDToken == "" {
		refreshed.IDToken = data.IDToken
	}
	return refreshed, nil
}

// verifyIDToken checks signature, expiry, issuer and audience and returns
// the subject.
func (s *oidcService) verifyIDToken(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty id token")
	}
	if s.jwks == nil {
		// No JWKS available (discovery override without jwks_uri): fall back
		// to unverified claims for identity only; the token came straight
		// from the token endpoint over TLS.
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return "", err
		}
		sub, _ := claims["sub"].(string)
		return sub, nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(
		jwt.WithIssuer(s.cfg.IssuerUrl),
		jwt.WithAudience(s.cfg.ClientId),
		jwt.WithExpirationRequired(),
	).ParseWithClaims(raw, claims, s.jwks.Keyfunc)
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}
