package retry

import (
	"context"
	"io"
	"net/http"
	"time"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"

	"github.com/edgekit/gateway/internal/matcher"
)

// HedgePolicy sends speculative duplicate requests to cut tail latency.
// initialRequests is the total number of parallel attempts to start with;
// additionalChance gates one extra speculative request per evaluation.
type HedgePolicy struct {
	initialRequests      int
	additionalChance     *matcher.FractionGate
	hedgeOnPerTryTimeout bool
}

// HedgeFromProto compiles a HedgePolicy proto; nil in, nil out.
func HedgeFromProto(hp *routev3.HedgePolicy) *HedgePolicy {
	if hp == nil {
		return nil
	}
	p := &HedgePolicy{
		initialRequests:      1,
		additionalChance:     matcher.NewFractionGateFromPercent(hp.GetAdditionalRequestChance()),
		hedgeOnPerTryTimeout: hp.GetHedgeOnPerTryTimeout(),
	}
	if hp.GetInitialRequests() != nil && hp.GetInitialRequests().GetValue() > 1 {
		p.initialRequests = int(hp.GetInitialRequests().GetValue())
	}
	return p
}

// Requests returns how many parallel attempts to launch for this request.
func (p *HedgePolicy) Requests(entropy string) int {
	if p == nil {
		return 1
	}
	n := p.initialRequests
	if p.additionalChance != nil && p.additionalChance.Allows(entropy) {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// HedgeOnPerTryTimeout reports whether a per-try timeout should trigger an
// extra hedged attempt instead of a retry.
func (p *HedgePolicy) HedgeOnPerTryTimeout() bool {
	return p != nil && p.hedgeOnPerTryTimeout
}

type hedgeResult struct {
	resp   *http.Response
	err    error
	cancel context.CancelFunc
}

// cancelOnClose releases an attempt's context once its response body is
// consumed, so a kept response does not pin the attempt until the parent
// request context ends.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Execute launches n attempts with a stagger delay and returns the first
// acceptable response. Losing attempts are cancelled and their responses
// closed in the background.
func (p *HedgePolicy) Execute(
	ctx context.Context,
	transport http.RoundTripper,
	makeReq func() (*http.Request, error),
	n int,
	stagger time.Duration,
) (*http.Response, error) {
	if n <= 1 {
		req, err := makeReq()
		if err != nil {
			return nil, err
		}
		return transport.RoundTrip(req.WithContext(ctx))
	}

	results := make(chan hedgeResult, n)
	launched := 0

	// Each attempt gets its own cancel so losers can be reaped without
	// tearing down the winner's body stream.
	launch := func() {
		launched++
		attemptCtx, attemptCancel := context.WithCancel(ctx)
		go func() {
			req, err := makeReq()
			if err != nil {
				results <- hedgeResult{err: err, cancel: attemptCancel}
				return
			}
			resp, err := transport.RoundTrip(req.WithContext(attemptCtx))
			results <- hedgeResult{resp: resp, err: err, cancel: attemptCancel}
		}()
	}

	launch()

	var lastErr error
	var lastResp *http.Response
	pending := 1
	timer := time.NewTimer(stagger)
	defer timer.Stop()

	for {
		select {
		case res := <-results:
			pending--
			if res.resp != nil {
				res.resp.Body = cancelOnClose{res.resp.Body, res.cancel}
			} else {
				res.cancel()
			}
			if res.err == nil && res.resp.StatusCode < http.StatusInternalServerError {
				// Winner: reap the losers off-goroutine.
				if lastResp != nil {
					lastResp.Body.Close()
				}
				go func(remaining int) {
					for i := 0; i < remaining; i++ {
						r := <-results
						if r.resp != nil {
							r.resp.Body.Close()
						}
						r.cancel()
					}
				}(pending)
				return res.resp, nil
			}
			if res.resp != nil {
				if lastResp != nil {
					lastResp.Body.Close()
				}
				lastResp = res.resp
			}
			if res.err != nil {
				lastErr = res.err
			}
			if pending == 0 && launched >= n {
				// All attempts failed or launch budget spent with nothing in flight.
				if lastResp != nil {
					return lastResp, nil
				}
				return nil, lastErr
			}
		case <-timer.C:
			if launched < n {
				launch()
				pending++
				timer.Reset(stagger)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
