package extauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

const defaultSessionCookie = "id_token"

// SessionData is the token state kept per authenticated browser session.
type SessionData struct {
	IDToken      string    `json:"id_token,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`

	// OriginalURL is the URL the client asked for before being sent to the
	// provider; the callback redirects back to it.
	OriginalURL string `json:"original_url,omitempty"`

	// State correlates the callback with the authorization redirect.
	State string `json:"state,omitempty"`
}

// Expired reports whether the tokens are past their expiry, with buffer
// subtracted so refreshes happen before the hard deadline.
func (d *SessionData) Expired(buffer time.Duration) bool {
	if d.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(buffer).After(d.Expiry)
}

// SessionStore persists SessionData between requests. Set returns the
// Set-Cookie headers the client needs to carry the session.
type SessionStore interface {
	Get(ctx context.Context, r *http.Request) (*SessionData, error)
	Set(ctx context.Context, data *SessionData) ([]*http.Cookie, error)
	Delete(ctx context.Context, r *http.Request) ([]*http.Cookie, error)
}

func newSessionStore(cfg *extauthcfg.UserSession) (SessionStore, error) {
	opts := cookieOptions(cfg)
	if cfg != nil && cfg.Redis != nil {
		rs := cfg.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rs.Options.Host,
			DB:       rs.Options.Db,
			PoolSize: rs.Options.PoolSize,
			Network:  redisNetwork(rs.Options.SocketType),
		})
		cookieName := rs.CookieName
		if cookieName == "" {
			cookieName = defaultSessionCookie
		}
		return &redisSessionStore{
			client:     client,
			keyPrefix:  rs.KeyPrefix,
			cookieName: cookieName,
			opts:       opts,
		}, nil
	}
	return &cookieSessionStore{cookieName: defaultSessionCookie, opts: opts}, nil
}

func redisNetwork(socketType string) string {
	if socketType == "unix" {
		return "unix"
	}
	return "tcp"
}

type cookieSettings struct {
	maxAge    int
	notSecure bool
	path      string
	domain    string
}

func cookieOptions(cfg *extauthcfg.UserSession) cookieSettings {
	s := cookieSettings{path: "/"}
	if cfg == nil || cfg.CookieOptions == nil {
		return s
	}
	co := cfg.CookieOptions
	if co.MaxAge != nil {
		s.maxAge = *co.MaxAge
	}
	s.notSecure = co.NotSecure
	if co.Path != "" {
		s.path = co.Path
	}
	s.domain = co.Domain
	return s
}

func (s cookieSettings) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     s.path,
		Domain:   s.domain,
		MaxAge:   s.maxAge,
		Secure:   !s.notSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s cookieSettings) expire(name string) *http.Cookie {
	c := s.cookie(name, "")
	c.MaxAge = -1
	return c
}

// cookieSessionStore keeps the whole session in the cookie value itself.
type cookieSessionStore struct {
	cookieName string
	opts       cookieSettings
}

func (s *cookieSessionStore) Get(_ context.Context, r *http.Request) (*SessionData, error) {
	c, err := r.Cookie(s.cookieName)
	if err != nil {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, fmt.Errorf("session cookie: %w", err)
	}
	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("session cookie: %w", err)
	}
	return &data, nil
}

func (s *cookieSessionStore) Set(_ context.Context, data *SessionData) ([]*http.Cookie, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return []*http.Cookie{s.opts.cookie(s.cookieName, base64.RawURLEncoding.EncodeToString(raw))}, nil
}

func (s *cookieSessionStore) Delete(_ context.Context, r *http.Request) ([]*http.Cookie, error) {
	return []*http.Cookie{s.opts.expire(s.cookieName)}, nil
}

// redisSessionStore keeps sessions in Redis keyed by an opaque cookie id.
type redisSessionStore struct {
	client     *redis.Client
	keyPrefix  string
	cookieName string
	opts       cookieSettings
}

func (s *redisSessionStore) key(id string) string { return s.keyPrefix + id }

func (s *redisSessionStore) Get(ctx context.Context, r *http.Request) (*SessionData, error) {
	c, err := r.Cookie(s.cookieName)
	if err != nil {
		return nil, nil
	}
	raw, err := s.client.Get(ctx, s.key(c.Value)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis session fetch: %w", err)
	}
	var data SessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("redis session decode: %w", err)
	}
	return &data, nil
}

func (s *redisSessionStore) Set(ctx context.Context, data *SessionData) ([]*http.Cookie, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	var ttl time.Duration
	if !data.Expiry.IsZero() {
		ttl = time.Until(data.Expiry)
	}
	if err := s.client.Set(ctx, s.key(id), raw, ttl).Err(); err != nil {
		return nil, fmt.Errorf("redis session store: %w", err)
	}
	return []*http.Cookie{s.opts.cookie(s.cookieName, id)}, nil
}

func (s *redisSessionStore) Delete(ctx context.Context, r *http.Request) ([]*http.Cookie, error) {
	if c, err := r.Cookie(s.cookieName); err == nil {
		if err := s.client.Del(ctx, s.key(c.Value)).Err(); err != nil {
			return nil, fmt.Errorf("redis session delete: %w", err)
		}
	}
	return []*http.Cookie{s.opts.expire(s.cookieName)}, nil
}
