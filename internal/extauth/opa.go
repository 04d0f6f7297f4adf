package extauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/open-policy-agent/opa/rego"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

// opaService evaluates a prepared Rego query against each request. The query
// is prepared once at config-load time; a policy that does not compile
// rejects the config push.
type opaService struct {
	query rego.PreparedEvalQuery
	fast  bool
}

func newOpaAuth(ctx context.Context, cfg *extauthcfg.OpaAuth) (*opaService, error) {
	opts := []func(*rego.Rego){rego.Query(cfg.Query)}
	for name, src := range cfg.Modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("opa policy: %w", err)
	}

	s := &opaService{query: prepared}
	if cfg.Options != nil {
		s.fast = cfg.Options.FastInputConversion
	}
	return s, nil
}

func (s *opaService) Authorize(ctx context.Context, r *http.Request) (*Response, error) {
	input := s.buildInput(r)

	rs, err := s.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("opa eval: %w", err)
	}

	if allowed(rs) {
		return Allowed(), nil
	}
	return Forbidden(), nil
}

// allowed requires a non-empty result set where every expression value is
// strictly true.
func allowed(rs rego.ResultSet) bool {
	if len(rs) == 0 {
		return false
	}
	for _, result := range rs {
		if len(result.Expressions) == 0 {
			return false
		}
		for _, expr := range result.Expressions {
			v, ok := expr.Value.(bool)
			if !ok || !v {
				return false
			}
		}
	}
	return true
}

func (s *opaService) buildInput(r *http.Request) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for k := range r.Header {
		headers[http.CanonicalHeaderKey(k)] = r.Header.Get(k)
	}
	in := map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"host":    r.Host,
		"headers": headers,
	}
	if !s.fast {
		// Parsed query map costs an extra allocation pass; fast mode hands
		// policies the raw string instead.
		query := map[string]any{}
		for k, vs := range r.URL.Query() {
			if len(vs) == 1 {
				query[k] = vs[0]
			} else {
				query[k] = vs
			}
		}
		in["query"] = query
	} else {
		in["query"] = r.URL.RawQuery
	}
	return map[string]any{"http_request": in}
}
