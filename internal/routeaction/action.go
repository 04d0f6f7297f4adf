package routeaction

import (
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"

	"github.com/edgekit/gateway/internal/matcher"
	"github.com/edgekit/gateway/internal/mirror"
	"github.com/edgekit/gateway/internal/retry"
)

// Kind discriminates the closed action variant of a Route.
type Kind int

const (
	KindForward Kind = iota
	KindRedirect
	KindDirectResponse
	KindFilter
)

// CompiledAction is a Route's action with every derived policy precompiled.
type CompiledAction struct {
	Kind Kind

	// forward
	cluster       string
	clusterHeader string
	weighted      *weightedPicker

	hostRewriteLiteral string
	hostRewriteHeader  string
	autoHostRewrite    bool

	prefixFrom   string
	prefixTo     string
	regexRewrite *regexp.Regexp
	regexSubst   string

	timeout     time.Duration
	idleTimeout time.Duration

	retryPolicy *retry.Policy
	hedgePolicy *retry.HedgePolicy
	mirrors     []*mirror.Policy
	hash        []hashSource

	clusterNotFoundStatus int

	// redirect
	redirect *routev3.RedirectAction

	// direct response
	directStatus int
	directBody   []byte

	// filter
	filterHandler FilterHandler
	filterConfig  *filterPayload

	routeMutation HeaderMutation
	respMutation  HeaderMutation
}

// ForwardPlan is everything the serving layer needs to issue the upstream call.
type ForwardPlan struct {
	Cluster               string
	Host                  string // non-empty = rewrite authority
	AutoHostRewrite       bool
	Path                  string
	Timeout               time.Duration
	IdleTimeout           time.Duration
	Retry                 *retry.Policy
	Hedge                 *retry.HedgePolicy
	Mirrors               []*mirror.Policy
	Mutations             []HeaderMutation
	ResponseMutations     []HeaderMutation
	HashKey               uint64
	HasHash               bool
	ClusterNotFoundStatus int
}

// Compile compiles a Route's action variant. Exactly one variant is set on
// the proto; anything invalid rejects the config push.
func Compile(rt *routev3.Route) (*CompiledAction, error) {
	switch action := rt.GetAction().(type) {
	case *routev3.Route_Route:
		return compileForward(rt, action.Route)
	case *routev3.Route_Redirect:
		c := &CompiledAction{Kind: KindRedirect, redirect: action.Redirect}
		switch m := rt.GetMatch().GetPathSpecifier().(type) {
		case *routev3.RouteMatch_Prefix:
			c.prefixFrom = m.Prefix
		case *routev3.RouteMatch_Path:
			c.prefixFrom = m.Path
		}
		if rr, ok := action.Redirect.GetPathRewriteSpecifier().(*routev3.RedirectAction_RegexRewrite); ok {
			re, err := matcher.CompileSafeRegex(rr.RegexRewrite.GetPattern())
			if err != nil {
				return nil, fmt.Errorf("redirect regex_rewrite: %w", err)
			}
			c.regexRewrite = re
			c.regexSubst = convertSubstitution(rr.RegexRewrite.GetSubstitution())
		}
		return c, nil
	case *routev3.Route_DirectResponse:
		return compileDirectResponse(action.DirectResponse)
	case *routev3.Route_FilterAction:
		return compileFilter(action.FilterAction)
	default:
		return nil, fmt.Errorf("route %q: no action set", rt.GetName())
	}
}

func compileForward(rt *routev3.Route, ra *routev3.RouteAction) (*CompiledAction, error) {
	c := &CompiledAction{
		Kind:                  KindForward,
		clusterNotFoundStatus: http.StatusServiceUnavailable,
		routeMutation: HeaderMutation{
			Add:    rt.GetRequestHeadersToAdd(),
			Remove: rt.GetRequestHeadersToRemove(),
		},
		respMutation: HeaderMutation{
			Add:    rt.GetResponseHeadersToAdd(),
			Remove: rt.GetResponseHeadersToRemove(),
		},
	}

	switch spec := ra.GetClusterSpecifier().(type) {
	case *routev3.RouteAction_Cluster:
		c.cluster = spec.Cluster
	case *routev3.RouteAction_ClusterHeader:
		c.clusterHeader = spec.ClusterHeader
	case *routev3.RouteAction_WeightedClusters:
		var err error
		if c.weighted, err = compileWeightedClusters(spec.WeightedClusters); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("route action has no cluster specifier")
	}

	switch spec := ra.GetHostRewriteSpecifier().(type) {
	case *routev3.RouteAction_HostRewriteLiteral:
		c.hostRewriteLiteral = spec.HostRewriteLiteral
	case *routev3.RouteAction_AutoHostRewrite:
		c.autoHostRewrite = spec.AutoHostRewrite.GetValue()
	case *routev3.RouteAction_HostRewriteHeader:
		c.hostRewriteHeader = spec.HostRewriteHeader
	}

	c.prefixTo = ra.GetPrefixRewrite()
	if c.prefixTo != "" {
		if prefix, ok := rt.GetMatch().GetPathSpecifier().(*routev3.RouteMatch_Prefix); ok {
			c.prefixFrom = prefix.Prefix
		}
	}
	if rr := ra.GetRegexRewrite(); rr != nil {
		if c.prefixTo != "" {
			return nil, fmt.Errorf("prefix_rewrite and regex_rewrite are mutually exclusive")
		}
		re, err := matcher.CompileSafeRegex(rr.GetPattern())
		if err != nil {
			return nil, fmt.Errorf("regex_rewrite: %w", err)
		}
		c.regexRewrite = re
		c.regexSubst = convertSubstitution(rr.GetSubstitution())
	}

	if d := ra.GetTimeout(); d != nil {
		c.timeout = d.AsDuration()
	}
	if d := ra.GetIdleTimeout(); d != nil {
		c.idleTimeout = d.AsDuration()
	}

	var err error
	if c.retryPolicy, err = retry.FromProto(ra.GetRetryPolicy()); err != nil {
		return nil, err
	}
	c.hedgePolicy = retry.HedgeFromProto(ra.GetHedgePolicy())
	c.mirrors = mirror.FromProto(ra.GetRequestMirrorPolicies())
	c.hash = compileHashPolicies(ra.GetHashPolicy())

	if code := ra.GetClusterNotFoundResponseCode(); code == routev3.RouteAction_NOT_FOUND {
		c.clusterNotFoundStatus = http.StatusNotFound
	}

	return c, nil
}

func compileDirectResponse(dr *routev3.DirectResponseAction) (*CompiledAction, error) {
	c := &CompiledAction{
		Kind:         KindDirectResponse,
		directStatus: int(dr.GetStatus()),
	}
	if c.directStatus == 0 {
		c.directStatus = http.StatusOK
	}
	if body := dr.GetBody(); body != nil {
		switch spec := body.GetSpecifier().(type) {
		case *corev3.DataSource_InlineString:
			c.directBody = []byte(spec.InlineString)
		case *corev3.DataSource_InlineBytes:
			c.directBody = spec.InlineBytes
		case *corev3.DataSource_Filename:
			data, err := os.ReadFile(spec.Filename)
			if err != nil {
				return nil, fmt.Errorf("direct response body file: %w", err)
			}
			c.directBody = data
		case *corev3.DataSource_EnvironmentVariable:
			c.directBody = []byte(os.Getenv(spec.EnvironmentVariable))
		}
	}
	return c, nil
}

// DirectResponse returns the status and body of a direct-response action.
func (c *CompiledAction) DirectResponse() (int, []byte) {
	return c.directStatus, c.directBody
}

// RouteMutation exposes the route-level request header mutation (used by
// non-forward dispositions too).
func (c *CompiledAction) RouteMutation() HeaderMutation { return c.routeMutation }

// Plan resolves the forward action for one request: cluster choice (weighted
// selection happens here), authority and path rewrites, and the policies to
// apply on the way out.
func (c *CompiledAction) Plan(r *http.Request, vhostMutation, vhostRespMutation HeaderMutation) (*ForwardPlan, error) {
	if c.Kind != KindForward {
		return nil, fmt.Errorf("not a forward action")
	}

	plan := &ForwardPlan{
		Timeout:               c.timeout,
		IdleTimeout:           c.idleTimeout,
		Retry:                 c.retryPolicy,
		Hedge:                 c.hedgePolicy,
		Mirrors:               c.mirrors,
		ClusterNotFoundStatus: c.clusterNotFoundStatus,
		AutoHostRewrite:       c.autoHostRewrite,
		Mutations:             []HeaderMutation{vhostMutation, c.routeMutation},
		ResponseMutations:     []HeaderMutation{vhostRespMutation, c.respMutation},
	}

	switch {
	case c.weighted != nil:
		choice := c.weighted.pick()
		plan.Cluster = choice.name
		plan.Mutations = append(plan.Mutations, choice.mutation)
	case c.clusterHeader != "":
		plan.Cluster = r.Header.Get(c.clusterHeader)
		if plan.Cluster == "" {
			return nil, fmt.Errorf("cluster header %q missing from request", c.clusterHeader)
		}
	default:
		plan.Cluster = c.cluster
	}

	switch {
	case c.hostRewriteLiteral != "":
		plan.Host = c.hostRewriteLiteral
	case c.hostRewriteHeader != "":
		plan.Host = r.Header.Get(c.hostRewriteHeader)
	}

	plan.Path = c.rewritePath(r.URL.Path)

	if len(c.hash) > 0 {
		plan.HashKey, plan.HasHash = hashRequest(c.hash, r)
	}

	return plan, nil
}

func (c *CompiledAction) rewritePath(path string) string {
	switch {
	case c.regexRewrite != nil:
		return c.regexRewrite.ReplaceAllString(path, c.regexSubst)
	case c.prefixTo != "" && strings.HasPrefix(path, c.prefixFrom):
		return c.prefixTo + path[len(c.prefixFrom):]
	default:
		return path
	}
}

// convertSubstitution translates Envoy's \1 capture references into Go's ${1}.
func convertSubstitution(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9' {
			b.WriteString("${")
			b.WriteByte(s[i+1])
			b.WriteString("}")
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
