package extauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

// step is one evaluator of a chain with its expression name.
type step struct {
	name string
	svc  Service
}

// Chain evaluates one AuthConfig: its configs in order, combined either by
// the default all-must-allow rule or by the boolean expression.
type Chain struct {
	name           string
	steps          []step
	expr           *BoolExpr
	failOnRedirect bool

	stop      chan struct{}
	closeOnce sync.Once
	closers   []func() error
}

// NewChain builds every evaluator of the AuthConfig. An invalid config (bad
// expression, unknown plugin, unreachable secret) rejects the whole AuthConfig
// at load time.
func NewChain(ctx context.Context, ac *extauthcfg.AuthConfig, secrets extauthcfg.SecretSource) (*Chain, error) {
	if err := ac.Validate(); err != nil {
		return nil, err
	}

	c := &Chain{
		name:           ac.Name,
		failOnRedirect: ac.FailOnRedirect,
		stop:           make(chan struct{}),
	}

	for i := range ac.Configs {
		cfg := &ac.Configs[i]
		svc, err := c.buildService(ctx, cfg, secrets)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("auth config %q, config %q: %w", ac.Name, cfg.Name, err)
		}
		c.steps = append(c.steps, step{name: cfg.Name, svc: svc})
	}

	if ac.BooleanExpr != "" {
		expr, err := ParseBoolExpr(ac.BooleanExpr)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("auth config %q: %w", ac.Name, err)
		}
		known := map[string]bool{}
		for _, st := range c.steps {
			known[st.name] = true
		}
		for _, name := range expr.Names() {
			if !known[name] {
				c.Close()
				return nil, fmt.Errorf("auth config %q: boolean_expr references unknown config %q", ac.Name, name)
			}
		}
		c.expr = expr
	}

	return c, nil
}

func (c *Chain) buildService(ctx context.Context, cfg *extauthcfg.Config, secrets extauthcfg.SecretSource) (Service, error) {
	switch {
	case cfg.BasicAuth != nil:
		return newBasicAuth(cfg.BasicAuth), nil
	case cfg.ApiKeyAuth != nil:
		return newApiKeyAuth(cfg.ApiKeyAuth, secrets)
	case cfg.OAuth != nil:
		// Deprecated variant; runs as the modern code flow.
		svc, err := newOidcAuth(cfg.OAuth.AsOidc(), secrets)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error { svc.Close(); return nil })
		return svc, nil
	case cfg.OAuth2 != nil:
		if oidc := cfg.OAuth2.OidcAuthorizationCode; oidc != nil {
			svc, err := newOidcAuth(oidc, secrets)
			if err != nil {
				return nil, err
			}
			c.closers = append(c.closers, func() error { svc.Close(); return nil })
			return svc, nil
		}
		return newAccessTokenValidation(cfg.OAuth2.AccessTokenValidation, secrets, c.stop)
	case cfg.OpaAuth != nil:
		return newOpaAuth(ctx, cfg.OpaAuth)
	case cfg.Ldap != nil:
		return newLdapAuth(cfg.Ldap)
	case cfg.Jwt != nil:
		return jwtMarkerService{}, nil
	case cfg.PassThrough != nil:
		svc, err := newPassThroughAuth(cfg.PassThrough)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, svc.Close)
		return svc, nil
	case cfg.Plugin != nil:
		return newPluginAuth(cfg.Plugin)
	default:
		return nil, fmt.Errorf("no auth variant set")
	}
}

// Name returns the AuthConfig name this chain was built from.
func (c *Chain) Name() string { return c.name }

// Close stops background loops and releases connections.
func (c *Chain) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		for _, fn := range c.closers {
			fn()
		}
	})
}

// Authorize runs the chain. A returned error means evaluation failed and the
// caller's failure policy applies; denials are ordinary responses.
func (c *Chain) Authorize(ctx context.Context, r *http.Request) (*Response, error) {
	var resp *Response
	var err error
	if c.expr != nil {
		resp, err = c.authorizeExpr(ctx, r)
	} else {
		resp, err = c.authorizeAll(ctx, r)
	}
	if err != nil {
		return nil, err
	}
	if c.failOnRedirect && resp.IsRedirect() {
		denied := Unauthenticated()
		denied.Body = resp.Body
		return denied, nil
	}
	return resp, nil
}

// authorizeAll requires every config to allow; the first denial wins and
// later configs are not evaluated.
func (c *Chain) authorizeAll(ctx context.Context, r *http.Request) (*Response, error) {
	merged := Allowed()
	for _, st := range c.steps {
		resp, err := st.svc.Authorize(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("config %q: %w", st.name, err)
		}
		if resp.State != StateAllowed {
			return resp, nil
		}
		mergeAllowed(merged, resp)
	}
	return merged, nil
}

// authorizeExpr evaluates every config concurrently, then combines the
// outcomes with the boolean expression. Configs are independent here: a
// denial of one cannot short-circuit another's side effects.
func (c *Chain) authorizeExpr(ctx context.Context, r *http.Request) (*Response, error) {
	type outcome struct {
		resp *Response
		err  error
	}
	results := make([]outcome, len(c.steps))

	var wg sync.WaitGroup
	for i, st := range c.steps {
		wg.Add(1)
		go func(i int, st step) {
			defer wg.Done()
			resp, err := st.svc.Authorize(ctx, r)
			results[i] = outcome{resp: resp, err: err}
		}(i, st)
	}
	wg.Wait()

	outcomes := make(map[string]bool, len(c.steps))
	var firstDenied *Response
	merged := Allowed()
	for i, st := range c.steps {
		if results[i].err != nil {
			return nil, fmt.Errorf("config %q: %w", st.name, results[i].err)
		}
		resp := results[i].resp
		ok := resp.State == StateAllowed
		outcomes[st.name] = ok
		if ok {
			mergeAllowed(merged, resp)
		} else if firstDenied == nil {
			firstDenied = resp
		}
	}

	if c.expr.Eval(outcomes) {
		return merged, nil
	}
	if firstDenied != nil {
		return firstDenied, nil
	}
	// Every config allowed but the expression still rejected (negation).
	return Forbidden(), nil
}

// mergeAllowed folds one allow response into the chain's combined allow.
func mergeAllowed(into, from *Response) {
	if into.UserID == "" {
		into.UserID = from.UserID
	}
	for k, vs := range from.UpstreamHeaders {
		into.UpstreamHeaders[k] = vs
	}
	if from.ResponseHeaders != nil {
		if into.ResponseHeaders == nil {
			into.ResponseHeaders = http.Header{}
		}
		for k, vs := range from.ResponseHeaders {
			for _, v := range vs {
				into.ResponseHeaders.Add(k, v)
			}
		}
	}
}
