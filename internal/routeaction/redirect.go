package routeaction

import (
	"net/http"
	"strconv"
	"strings"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
)

// redirectStatus maps the RedirectResponseCode enum to HTTP status codes.
func redirectStatus(code routev3.RedirectAction_RedirectResponseCode) int {
	switch code {
	case routev3.RedirectAction_FOUND:
		return http.StatusFound
	case routev3.RedirectAction_SEE_OTHER:
		return http.StatusSeeOther
	case routev3.RedirectAction_TEMPORARY_REDIRECT:
		return http.StatusTemporaryRedirect
	case routev3.RedirectAction_PERMANENT_REDIRECT:
		return http.StatusPermanentRedirect
	default:
		return http.StatusMovedPermanently
	}
}

// Redirect builds the redirect status and Location for this request.
func (c *CompiledAction) Redirect(r *http.Request) (int, string) {
	ra := c.redirect

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	switch spec := ra.GetSchemeRewriteSpecifier().(type) {
	case *routev3.RedirectAction_HttpsRedirect:
		if spec.HttpsRedirect {
			scheme = "https"
		}
	case *routev3.RedirectAction_SchemeRedirect:
		scheme = spec.SchemeRedirect
	}

	host := r.Host
	if ra.GetHostRedirect() != "" {
		host = ra.GetHostRedirect()
	}
	if port := ra.GetPortRedirect(); port != 0 {
		if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
			host = host[:idx]
		}
		host += ":" + strconv.Itoa(int(port))
	}

	path := r.URL.Path
	switch spec := ra.GetPathRewriteSpecifier().(type) {
	case *routev3.RedirectAction_PathRedirect:
		path = spec.PathRedirect
	case *routev3.RedirectAction_PrefixRewrite:
		// Swap the matched prefix, keeping the remainder of the path.
		path = spec.PrefixRewrite + strings.TrimPrefix(path, c.prefixFrom)
	case *routev3.RedirectAction_RegexRewrite:
		path = c.regexRewrite.ReplaceAllString(path, c.regexSubst)
	}

	location := scheme + "://" + host + path
	if !ra.GetStripQuery() && r.URL.RawQuery != "" {
		location += "?" + r.URL.RawQuery
	}

	return redirectStatus(ra.GetResponseCode()), location
}
