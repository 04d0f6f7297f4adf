// Package gateway ties the route table and the authorization engine behind a
// small public API: Reload publishes a configuration snapshot atomically,
// Match selects a route, Authorize produces the allow/deny decision for it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"go.uber.org/zap"

	"github.com/edgekit/gateway/internal/extauth"
	"github.com/edgekit/gateway/internal/extauthcfg"
	"github.com/edgekit/gateway/internal/logging"
	"github.com/edgekit/gateway/internal/router"
)

const defaultAuthTimeout = 200 * time.Millisecond

// Snapshot is one coherent configuration push. It replaces the previous
// snapshot wholesale; nothing is mutated incrementally.
type Snapshot struct {
	VirtualHosts []*routev3.VirtualHost
	AuthConfigs  []*extauthcfg.AuthConfig
	Settings     *extauthcfg.Settings
	Secrets      extauthcfg.StaticSecrets

	// DefaultAuthConfig names the AuthConfig applied to routes without an
	// override. Empty means no authorization by default.
	DefaultAuthConfig string

	// ExtAuth carries per-route and per-virtual-host overrides, keyed by
	// route or virtual host name. A route-level entry wins.
	ExtAuth map[string]*extauthcfg.ExtAuthExtension
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool

	// Status is the client status for a rejected request.
	Status int

	// UserID is the authenticated principal, when known.
	UserID string

	// UpstreamHeaders are added to the request before forwarding.
	UpstreamHeaders http.Header

	// ResponseHeaders are set on the client response for rejections
	// (Location, Set-Cookie, WWW-Authenticate) and for allows that need to
	// refresh cookies.
	ResponseHeaders http.Header

	// Body is the rejection body, when the auth layer provides one.
	Body string
}

var allowAll = &Decision{Allowed: true}

// authState is the authorization half of a published snapshot.
type authState struct {
	chains        map[string]*extauth.Chain
	httpService   extauth.Service
	defaultConfig string
	overrides     map[string]*extauthcfg.ExtAuthExtension

	timeout          time.Duration
	failureModeAllow bool
	statusOnError    int
	userIDHeader     string
}

// Engine is the decision engine. Zero-value is not usable; call New.
type Engine struct {
	router *router.Router
	auth   atomic.Pointer[authState]
}

// New returns an Engine with an empty route table and no auth configs.
func New() *Engine {
	e := &Engine{router: router.New()}
	e.auth.Store(&authState{
		chains:  map[string]*extauth.Chain{},
		timeout: defaultAuthTimeout,
	})
	return e
}

// Router exposes the underlying route table to the serving layer.
func (e *Engine) Router() *router.Router { return e.router }

// Reload validates and publishes a snapshot. On any error the previous
// snapshot stays fully in place. Auth chains from the replaced snapshot are
// closed after the swap.
func (e *Engine) Reload(ctx context.Context, snap *Snapshot) error {
	if snap.Settings != nil {
		if err := snap.Settings.Validate(); err != nil {
			return err
		}
	}

	next := &authState{
		chains:        make(map[string]*extauth.Chain, len(snap.AuthConfigs)),
		defaultConfig: snap.DefaultAuthConfig,
		overrides:     snap.ExtAuth,
		timeout:       defaultAuthTimeout,
		statusOnError: http.StatusForbidden,
	}
	if st := snap.Settings; st != nil {
		if st.RequestTimeout > 0 {
			next.timeout = st.RequestTimeout
		}
		next.failureModeAllow = st.FailureModeAllow
		if st.StatusOnError != 0 {
			next.statusOnError = st.StatusOnError
		}
		next.userIDHeader = st.UserIdHeader
		if st.HttpService != nil {
			next.httpService = extauth.NewHttpService(st.HttpService, next.timeout)
		}
	}

	closeAll := func() {
		for _, c := range next.chains {
			c.Close()
		}
	}

	for _, ac := range snap.AuthConfigs {
		if _, dup := next.chains[ac.Name]; dup {
			closeAll()
			return fmt.Errorf("duplicate auth config %q", ac.Name)
		}
		chain, err := extauth.NewChain(ctx, ac, snap.Secrets)
		if err != nil {
			closeAll()
			return err
		}
		next.chains[ac.Name] = chain
	}

	if next.defaultConfig != "" {
		if _, ok := next.chains[next.defaultConfig]; !ok {
			closeAll()
			return fmt.Errorf("default auth config %q not in snapshot", next.defaultConfig)
		}
	}
	for name, ext := range next.overrides {
		if ref := ext.ConfigRef; ref != nil {
			if _, ok := next.chains[ref.Key()]; !ok {
				closeAll()
				return fmt.Errorf("override for %q references unknown auth config %q", name, ref.Key())
			}
		}
		if ca := ext.CustomAuth; ca != nil {
			if _, ok := extauth.LookupCustomAuth(ca.Name); !ok {
				closeAll()
				return fmt.Errorf("override for %q references unregistered custom auth %q", name, ca.Name)
			}
		}
	}

	if err := e.router.Reload(snap.VirtualHosts); err != nil {
		closeAll()
		return err
	}

	prev := e.auth.Swap(next)
	for _, c := range prev.chains {
		c.Close()
	}
	logging.Info("snapshot published",
		zap.Int("virtual_hosts", len(snap.VirtualHosts)),
		zap.Int("auth_configs", len(next.chains)),
	)
	return nil
}

// Match selects at most one route for the request. A nil result means no
// route matched; it is a defined outcome, not an error.
func (e *Engine) Match(r *http.Request) *router.MatchedRoute {
	return e.router.Match(r)
}

// Authorize produces the decision for a matched route. Evaluation failures
// never escape: the failure policy converts them into an allow or a deny.
func (e *Engine) Authorize(ctx context.Context, m *router.MatchedRoute, r *http.Request) *Decision {
	st := e.auth.Load()

	svc, ext := st.resolve(m)
	if svc == nil {
		return allowAll
	}
	if ca := extCustomAuth(ext); ca != nil && len(ca.ContextExtensions) > 0 {
		ctx = extauth.WithContextExtensions(ctx, ca.ContextExtensions)
	}

	ctx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	resp, err := svc.Authorize(ctx, r)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if st.failureModeAllow {
			logging.Warn("authorization failed open", zap.Error(err))
			return allowAll
		}
		logging.Warn("authorization failed closed", zap.Error(err))
		return &Decision{Allowed: false, Status: st.statusOnError}
	}

	d := &Decision{
		UserID:          resp.UserID,
		UpstreamHeaders: resp.UpstreamHeaders,
		ResponseHeaders: resp.ResponseHeaders,
		Body:            resp.Body,
	}
	if resp.State == extauth.StateAllowed {
		d.Allowed = true
		if st.userIDHeader != "" && resp.UserID != "" {
			if d.UpstreamHeaders == nil {
				d.UpstreamHeaders = http.Header{}
			}
			d.UpstreamHeaders.Set(st.userIDHeader, resp.UserID)
		}
		return d
	}

	d.Status = resp.Status
	if d.Status == 0 {
		d.Status = http.StatusForbidden
	}
	return d
}

// resolve picks the auth service for a matched route: route override, then
// virtual-host override, then the server default.
func (st *authState) resolve(m *router.MatchedRoute) (extauth.Service, *extauthcfg.ExtAuthExtension) {
	var ext *extauthcfg.ExtAuthExtension
	if m != nil {
		if name := m.Route.Proto.GetName(); name != "" {
			ext = st.overrides[name]
		}
		if ext == nil {
			ext = st.overrides[m.VirtualHost.Name]
		}
	}

	if ext != nil {
		switch {
		case ext.Disable:
			return nil, ext
		case ext.CustomAuth != nil:
			svc, _ := extauth.LookupCustomAuth(ext.CustomAuth.Name)
			return svc, ext
		case ext.ConfigRef != nil:
			return st.chains[ext.ConfigRef.Key()], ext
		}
	}

	if st.httpService != nil {
		return st.httpService, ext
	}
	if st.defaultConfig != "" {
		return st.chains[st.defaultConfig], ext
	}
	return nil, ext
}

func extCustomAuth(ext *extauthcfg.ExtAuthExtension) *extauthcfg.CustomAuth {
	if ext == nil {
		return nil
	}
	return ext.CustomAuth
}

// ErrNoRoute is returned by serving layers when Match yields nil.
var ErrNoRoute = errors.New("no route matched")
