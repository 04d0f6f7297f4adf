package retry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"

	"github.com/edgekit/gateway/internal/matcher"
)

// Retry-on conditions understood by the policy, mirroring Envoy's x-envoy-retry-on
// grammar.
const (
	On5xx                  = "5xx"
	OnGatewayError         = "gateway-error"
	OnReset                = "reset"
	OnConnectFailure       = "connect-failure"
	OnRetriable4xx         = "retriable-4xx"
	OnRetriableStatusCodes = "retriable-status-codes"
	OnRetriableHeaders     = "retriable-headers"
)

// Metrics tracks retry statistics for a route.
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of retry metrics.
type MetricsSnapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:  m.Requests.Load(),
		Retries:   m.Retries.Load(),
		Successes: m.Successes.Load(),
		Failures:  m.Failures.Load(),
	}
}

// Policy implements Envoy-style retries: retry_on conditions, a retry count,
// per-try timeout, and exponential backoff bounded by [base, max].
type Policy struct {
	retryOn       map[string]bool
	numRetries    int
	perTryTimeout time.Duration
	baseInterval  time.Duration
	maxInterval   time.Duration

	retriableStatusCodes map[int]bool
	retriableHeaders     []*matcher.HeaderMatcher

	hostSelectionMaxAttempts int64
	priority                 Priority
	hostPredicates           []func() (HostPredicate, error)

	Metrics *Metrics
}

// FromProto compiles a RetryPolicy proto. Named retry-priority and
// retry-host-predicate extensions are resolved against their registries here,
// so an unknown name rejects the config push.
func FromProto(rp *routev3.RetryPolicy) (*Policy, error) {
	if rp == nil {
		return nil, nil
	}

	p := &Policy{
		retryOn:                  make(map[string]bool),
		numRetries:               1,
		baseInterval:             25 * time.Millisecond,
		hostSelectionMaxAttempts: rp.GetHostSelectionRetryMaxAttempts(),
		Metrics:                  &Metrics{},
	}

	for _, cond := range strings.Split(rp.GetRetryOn(), ",") {
		if cond = strings.TrimSpace(cond); cond != "" {
			p.retryOn[cond] = true
		}
	}

	if rp.GetNumRetries() != nil {
		p.numRetries = int(rp.GetNumRetries().GetValue())
	}
	if d := rp.GetPerTryTimeout(); d != nil {
		p.perTryTimeout = d.AsDuration()
	}
	if bo := rp.GetRetryBackOff(); bo != nil {
		if bo.GetBaseInterval() != nil {
			p.baseInterval = bo.GetBaseInterval().AsDuration()
		}
		if bo.GetMaxInterval() != nil {
			p.maxInterval = bo.GetMaxInterval().AsDuration()
		}
	}
	if p.maxInterval == 0 {
		p.maxInterval = 10 * p.baseInterval
	}

	if codes := rp.GetRetriableStatusCodes(); len(codes) > 0 {
		p.retriableStatusCodes = make(map[int]bool, len(codes))
		for _, c := range codes {
			p.retriableStatusCodes[int(c)] = true
		}
	}

	var err error
	if p.retriableHeaders, err = matcher.CompileHeaders(rp.GetRetriableHeaders()); err != nil {
		return nil, fmt.Errorf("retriable_headers: %w", err)
	}

	if rpPrio := rp.GetRetryPriority(); rpPrio != nil {
		p.priority, err = BuildPriority(rpPrio.GetName(), rpPrio.GetTypedConfig())
		if err != nil {
			return nil, err
		}
	}
	for _, hp := range rp.GetRetryHostPredicate() {
		pred, err := BuildHostPredicate(hp.GetName(), hp.GetTypedConfig())
		if err != nil {
			return nil, err
		}
		p.hostPredicates = append(p.hostPredicates, pred)
	}

	return p, nil
}

// PerTryTimeout returns the configured per-try timeout (0 = none).
func (p *Policy) PerTryTimeout() time.Duration {
	if p == nil {
		return 0
	}
	return p.perTryTimeout
}

// ShouldRetry decides whether a completed attempt is retriable.
func (p *Policy) ShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		// Transport-level failure: reset / connect-failure territory.
		return p.retryOn[OnReset] || p.retryOn[OnConnectFailure] || p.retryOn[On5xx] ||
			p.retryOn[OnGatewayError]
	}

	code := resp.StatusCode
	if p.retryOn[On5xx] && code >= 500 && code <= 599 {
		return true
	}
	if p.retryOn[OnGatewayError] && (code == 502 || code == 503 || code == 504) {
		return true
	}
	if p.retryOn[OnRetriable4xx] && code == http.StatusConflict {
		return true
	}
	if p.retryOn[OnRetriableStatusCodes] && p.retriableStatusCodes[code] {
		return true
	}
	if p.retryOn[OnRetriableHeaders] && len(p.retriableHeaders) > 0 {
		for _, hm := range p.retriableHeaders {
			if hm.Matches(resp.Header) {
				return true
			}
		}
	}
	return false
}

// Execute performs the upstream call with retries. overall bounds the whole
// operation; a retry is not issued once the remaining budget could not cover
// another per-try attempt.
func (p *Policy) Execute(ctx context.Context, transport http.RoundTripper, makeReq func() (*http.Request, error), overall time.Duration) (*http.Response, error) {
	if p == nil {
		req, err := makeReq()
		if err != nil {
			return nil, err
		}
		return transport.RoundTrip(req)
	}

	p.Metrics.Requests.Add(1)

	if overall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, overall)
		defer cancel()
	}
	deadline, hasDeadline := ctx.Deadline()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.baseInterval
	bo.MaxInterval = p.maxInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= p.numRetries; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			if hasDeadline && time.Now().Add(wait+p.perTryTimeout).After(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				if lastResp != nil {
					return lastResp, nil
				}
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			p.Metrics.Retries.Add(1)
		}

		req, err := makeReq()
		if err != nil {
			return nil, err
		}
		resp, err := p.doRoundTrip(ctx, transport, req)
		if err == nil && !p.ShouldRetry(resp, nil) {
			p.Metrics.Successes.Add(1)
			return resp, nil
		}
		if err != nil && !p.ShouldRetry(nil, err) {
			p.Metrics.Failures.Add(1)
			return nil, err
		}

		if resp != nil {
			if lastResp != nil {
				lastResp.Body.Close()
			}
			lastResp = resp
		}
		lastErr = err
	}

	p.Metrics.Failures.Add(1)
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// HostFilter builds a fresh per-request host filter from the configured
// retry-host-predicate extensions. The filter reports whether a candidate
// host may serve the given attempt, bounded by host_selection_retry_max_attempts.
func (p *Policy) HostFilter() func(host string, attempt int) bool {
	if p == nil || len(p.hostPredicates) == 0 {
		return func(string, int) bool { return true }
	}
	preds := make([]HostPredicate, 0, len(p.hostPredicates))
	for _, mk := range p.hostPredicates {
		pred, err := mk()
		if err != nil {
			continue
		}
		preds = append(preds, pred)
	}
	maxAttempts := p.hostSelectionMaxAttempts
	return func(host string, attempt int) bool {
		if maxAttempts > 0 && int64(attempt) >= maxAttempts {
			return true // selection budget exhausted: accept whatever we got
		}
		for _, pred := range preds {
			if !pred.ShouldSelect(host, attempt) {
				return false
			}
		}
		return true
	}
}

func (p *Policy) doRoundTrip(ctx context.Context, transport http.RoundTripper, req *http.Request) (*http.Response, error) {
	if p.perTryTimeout > 0 {
		tryCtx, cancel := context.WithTimeout(ctx, p.perTryTimeout)
		defer cancel()
		return transport.RoundTrip(req.WithContext(tryCtx))
	}
	return transport.RoundTrip(req.WithContext(ctx))
}
