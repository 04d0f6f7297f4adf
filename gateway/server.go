package gateway

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	gwerrors "github.com/edgekit/gateway/internal/errors"
	"github.com/edgekit/gateway/internal/logging"
	"github.com/edgekit/gateway/internal/mirror"
	"github.com/edgekit/gateway/internal/routeaction"
)

// ClusterResolver maps a cluster name to the upstream base URL.
type ClusterResolver interface {
	Resolve(cluster string) (*url.URL, error)
}

// StaticClusters resolves clusters from a fixed name -> base URL map.
type StaticClusters map[string]string

func (c StaticClusters) Resolve(cluster string) (*url.URL, error) {
	base, ok := c[cluster]
	if !ok {
		return nil, gwerrors.ErrServiceUnavailable.WithDetails("unknown cluster " + cluster)
	}
	return url.Parse(base)
}

// Metrics tracks serving statistics.
type Metrics struct {
	Requests       atomic.Int64
	NoRoute        atomic.Int64
	AuthDenied     atomic.Int64
	Redirects      atomic.Int64
	DirectReplies  atomic.Int64
	Forwarded      atomic.Int64
	UpstreamErrors atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of serving metrics.
type MetricsSnapshot struct {
	Requests       int64 `json:"requests"`
	NoRoute        int64 `json:"no_route"`
	AuthDenied     int64 `json:"auth_denied"`
	Redirects      int64 `json:"redirects"`
	DirectReplies  int64 `json:"direct_replies"`
	Forwarded      int64 `json:"forwarded"`
	UpstreamErrors int64 `json:"upstream_errors"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:       m.Requests.Load(),
		NoRoute:        m.NoRoute.Load(),
		AuthDenied:     m.AuthDenied.Load(),
		Redirects:      m.Redirects.Load(),
		DirectReplies:  m.DirectReplies.Load(),
		Forwarded:      m.Forwarded.Load(),
		UpstreamErrors: m.UpstreamErrors.Load(),
	}
}

// Server is the HTTP serving layer over the decision engine: match the
// route, enforce TLS, authorize, then dispatch the route's action.
type Server struct {
	engine   *Engine
	clusters ClusterResolver

	transport    http.RoundTripper
	mirrorClient *http.Client

	metrics Metrics
}

// NewServer wires the serving layer. transport may be nil for the default.
func NewServer(engine *Engine, clusters ClusterResolver, transport http.RoundTripper) *Server {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Server{
		engine:       engine,
		clusters:     clusters,
		transport:    transport,
		mirrorClient: mirror.NewClient(5 * time.Second),
	}
}

// Metrics exposes the serving counters.
func (s *Server) Metrics() *Metrics { return &s.metrics }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.Add(1)

	if r.Header.Get("x-request-id") == "" {
		r.Header.Set("x-request-id", uuid.NewString())
	}

	m := s.engine.Match(r)
	if m == nil {
		s.metrics.NoRoute.Add(1)
		gwerrors.ErrNotFound.
			WithDetails("no route matched").
			WithRequestID(r.Header.Get("x-request-id")).
			WriteJSON(w)
		return
	}

	if m.VirtualHost.RequiresTLS(r) && r.TLS == nil {
		s.metrics.Redirects.Add(1)
		http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
		return
	}

	decision := s.engine.Authorize(r.Context(), m, r)
	for k, vs := range decision.ResponseHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if !decision.Allowed {
		s.metrics.AuthDenied.Add(1)
		w.WriteHeader(decision.Status)
		if decision.Body != "" {
			io.WriteString(w, decision.Body)
		}
		return
	}
	for k, vs := range decision.UpstreamHeaders {
		r.Header[http.CanonicalHeaderKey(k)] = vs
	}

	action := m.Route.Action
	switch action.Kind {
	case routeaction.KindRedirect:
		s.metrics.Redirects.Add(1)
		code, location := action.Redirect(r)
		http.Redirect(w, r, location, code)

	case routeaction.KindDirectResponse:
		s.metrics.DirectReplies.Add(1)
		status, body := action.DirectResponse()
		w.WriteHeader(status)
		w.Write(body)

	case routeaction.KindFilter:
		if err := action.ServeFilter(w, r); err != nil {
			logging.Error("filter action failed", zap.Error(err))
			gwerrors.ErrInternalServer.WriteJSON(w)
		}

	default:
		s.forward(w, r, m.VirtualHost.RequestMutation, m.VirtualHost.ResponseMutation, action)
	}
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, vhostMut, vhostRespMut routeaction.HeaderMutation, action *routeaction.CompiledAction) {
	plan, err := action.Plan(r, vhostMut, vhostRespMut)
	if err != nil {
		s.metrics.UpstreamErrors.Add(1)
		gwerrors.ErrBadGateway.WithCause(err).WriteJSON(w)
		return
	}

	base, err := s.clusters.Resolve(plan.Cluster)
	if err != nil {
		s.metrics.UpstreamErrors.Add(1)
		w.WriteHeader(plan.ClusterNotFoundStatus)
		return
	}

	for _, mut := range plan.Mutations {
		mut.Apply(r.Header)
	}

	// Shadow traffic fires before the primary call so a short-circuiting
	// upstream error does not starve the mirrors.
	var body []byte
	if len(plan.Mirrors) > 0 {
		if body, err = mirror.BufferBody(r); err != nil {
			gwerrors.ErrBadGateway.WithCause(err).WriteJSON(w)
			return
		}
		for _, mp := range plan.Mirrors {
			if !mp.ShouldMirror(r) {
				continue
			}
			if shadowBase, err := s.clusters.Resolve(mp.Cluster); err == nil {
				target := upstreamURL(shadowBase, plan.Path, r.URL.RawQuery)
				mp.Send(s.mirrorClient, r, target, body)
			}
		}
	}

	// Retried and hedged attempts replay the request, so any plan that can
	// issue a second attempt needs the body buffered up front. Each attempt
	// then gets its own reader.
	hedgeN := plan.Hedge.Requests(r.Header.Get("x-request-id"))
	if len(plan.Mirrors) == 0 && (plan.Retry != nil || hedgeN > 1) {
		if body, err = mirror.BufferBody(r); err != nil {
			gwerrors.ErrBadGateway.WithCause(err).WriteJSON(w)
			return
		}
	}

	makeReq := func() (*http.Request, error) {
		target := upstreamURL(base, plan.Path, r.URL.RawQuery)
		var payload io.Reader = r.Body
		if body != nil {
			payload = bytes.NewReader(body)
		}
		out, err := http.NewRequest(r.Method, target, payload)
		if err != nil {
			return nil, err
		}
		out.Header = r.Header.Clone()
		switch {
		case plan.Host != "":
			out.Host = plan.Host
		case plan.AutoHostRewrite:
			out.Host = base.Host
		default:
			out.Host = r.Host
		}
		return out, nil
	}

	ctx := r.Context()
	var resp *http.Response
	if hedgeN > 1 {
		stagger := plan.Retry.PerTryTimeout()
		if stagger <= 0 {
			stagger = 25 * time.Millisecond
		}
		resp, err = plan.Hedge.Execute(ctx, s.transport, makeReq, hedgeN, stagger)
	} else {
		resp, err = plan.Retry.Execute(ctx, s.transport, makeReq, plan.Timeout)
	}
	if err != nil {
		s.metrics.UpstreamErrors.Add(1)
		gwerrors.ErrBadGateway.WithCause(err).WriteJSON(w)
		return
	}
	defer resp.Body.Close()

	for _, mut := range plan.ResponseMutations {
		mut.Apply(resp.Header)
	}
	for k, vs := range resp.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	s.metrics.Forwarded.Add(1)
}

func upstreamURL(base *url.URL, path, rawQuery string) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String()
}
