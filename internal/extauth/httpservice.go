package extauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

// httpServiceClient delegates decisions to an external HTTP authorization
// server. Headers are filtered by strict allow-lists in both directions:
// nothing crosses the boundary unless a list names it.
type httpServiceClient struct {
	url        string
	pathPrefix string

	allowedRequestHeaders  map[string]bool
	headersToAdd           map[string]string
	allowedUpstreamHeaders map[string]bool
	allowedClientHeaders   map[string]bool

	client *http.Client
}

// NewHttpService builds the external-server client from settings.
func NewHttpService(cfg *extauthcfg.HttpService, timeout time.Duration) *httpServiceClient {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	c := &httpServiceClient{
		url:                    strings.TrimSuffix(cfg.Url, "/"),
		pathPrefix:             cfg.PathPrefix,
		allowedRequestHeaders:  map[string]bool{},
		headersToAdd:           map[string]string{},
		allowedUpstreamHeaders: map[string]bool{},
		allowedClientHeaders:   map[string]bool{},
		client:                 &http.Client{Timeout: timeout},
	}
	if req := cfg.Request; req != nil {
		for _, h := range req.AllowedHeaders {
			c.allowedRequestHeaders[http.CanonicalHeaderKey(h)] = true
		}
		for k, v := range req.HeadersToAdd {
			c.headersToAdd[http.CanonicalHeaderKey(k)] = v
		}
	}
	if resp := cfg.Response; resp != nil {
		for _, h := range resp.AllowedUpstreamHeaders {
			c.allowedUpstreamHeaders[http.CanonicalHeaderKey(h)] = true
		}
		for _, h := range resp.AllowedClientHeaders {
			c.allowedClientHeaders[http.CanonicalHeaderKey(h)] = true
		}
	}
	return c
}

func (c *httpServiceClient) Authorize(ctx context.Context, r *http.Request) (*Response, error) {
	checkURL := c.url + c.pathPrefix + r.URL.Path
	check, err := http.NewRequestWithContext(ctx, r.Method, checkURL, nil)
	if err != nil {
		return nil, err
	}

	// Only allow-listed client headers reach the auth server.
	for k, vs := range r.Header {
		if c.allowedRequestHeaders[http.CanonicalHeaderKey(k)] {
			check.Header[http.CanonicalHeaderKey(k)] = vs
		}
	}
	for k, v := range c.headersToAdd {
		check.Header.Set(k, v)
	}

	resp, err := c.client.Do(check)
	if err != nil {
		return nil, fmt.Errorf("auth server: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusOK {
		out := Allowed()
		for k, vs := range resp.Header {
			if c.allowedUpstreamHeaders[http.CanonicalHeaderKey(k)] {
				out.UpstreamHeaders[http.CanonicalHeaderKey(k)] = vs
			}
		}
		return out, nil
	}

	// A 5xx from the auth server is an evaluation failure, not a denial;
	// the failure policy decides what to do with it.
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("auth server: status %d", resp.StatusCode)
	}

	out := Denied(resp.StatusCode)
	for k, vs := range resp.Header {
		if c.allowedClientHeaders[http.CanonicalHeaderKey(k)] {
			out.ResponseHeaders[http.CanonicalHeaderKey(k)] = vs
		}
	}
	out.Body = string(body)
	return out, nil
}
