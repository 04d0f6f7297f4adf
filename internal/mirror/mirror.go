package mirror

import (
	"bytes"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"go.uber.org/zap"

	"github.com/edgekit/gateway/internal/logging"
	"github.com/edgekit/gateway/internal/matcher"
)

// Policy mirrors requests to a shadow cluster. Mirroring is fire-and-forget:
// the shadow outcome never influences the primary response.
type Policy struct {
	Cluster      string
	TraceSampled bool
	gate         *matcher.FractionGate
	metrics      *Metrics
}

// Metrics counts mirror attempts and failures.
type Metrics struct {
	Mirrored atomic.Int64
	Skipped  atomic.Int64
	Errors   atomic.Int64
}

// FromProto compiles the request_mirror_policies list of a RouteAction.
func FromProto(policies []*routev3.RouteAction_RequestMirrorPolicy) []*Policy {
	out := make([]*Policy, 0, len(policies))
	for _, mp := range policies {
		if mp.GetCluster() == "" {
			continue
		}
		p := &Policy{
			Cluster: mp.GetCluster(),
			gate:    matcher.NewFractionGate(mp.GetRuntimeFraction()),
			metrics: &Metrics{},
		}
		if mp.GetTraceSampled() != nil {
			p.TraceSampled = mp.GetTraceSampled().GetValue()
		}
		out = append(out, p)
	}
	return out
}

// ShouldMirror evaluates the policy's runtime-fraction gate for this request.
func (p *Policy) ShouldMirror(r *http.Request) bool {
	if p.gate.Allows(r.Header.Get("x-request-id")) {
		p.metrics.Mirrored.Add(1)
		return true
	}
	p.metrics.Skipped.Add(1)
	return false
}

// Metrics exposes the policy counters.
func (p *Policy) GetMetrics() *Metrics { return p.metrics }

// BufferBody reads the request body and restores it on the original request
// so both the primary and the shadow copy can replay it.
func BufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Send issues the shadow request asynchronously. Failures are counted and
// logged at debug level, never propagated.
func (p *Policy) Send(client *http.Client, original *http.Request, target string, body []byte) {
	req, err := http.NewRequest(original.Method, target, bytes.NewReader(body))
	if err != nil {
		p.metrics.Errors.Add(1)
		return
	}
	req.Header = original.Header.Clone()
	// Envoy marks shadow traffic by suffixing the authority.
	req.Host = original.Host + "-shadow"
	if p.TraceSampled {
		req.Header.Set("x-shadow-trace-sampled", "true")
	}

	go func() {
		resp, err := client.Do(req)
		if err != nil {
			p.metrics.Errors.Add(1)
			logging.Debug("mirror request failed",
				zap.String("cluster", p.Cluster),
				zap.Error(err),
			)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

// NewClient builds the shared HTTP client used for shadow traffic.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}
