package extauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

const defaultPassThroughTimeout = time.Second

// passThroughService delegates the decision to an external gRPC service
// speaking the Envoy authorization check protocol.
type passThroughService struct {
	client           authv3.AuthorizationClient
	conn             *grpc.ClientConn
	timeout          time.Duration
	contextConfig    map[string]string
	failureModeAllow bool
}

func newPassThroughAuth(cfg *extauthcfg.PassThroughAuth) (*passThroughService, error) {
	conn, err := grpc.NewClient(cfg.Grpc.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("pass-through auth %s: %w", cfg.Grpc.Address, err)
	}

	timeout := cfg.Grpc.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultPassThroughTimeout
	}
	return &passThroughService{
		client:           authv3.NewAuthorizationClient(conn),
		conn:             conn,
		timeout:          timeout,
		contextConfig:    cfg.Config,
		failureModeAllow: cfg.FailureModeAllow,
	}, nil
}

// Close releases the gRPC connection.
func (s *passThroughService) Close() error { return s.conn.Close() }

func (s *passThroughService) Authorize(ctx context.Context, r *http.Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	check, err := s.client.Check(ctx, s.checkRequest(ctx, r))
	if err != nil {
		if s.failureModeAllow {
			return Allowed(), nil
		}
		return nil, fmt.Errorf("pass-through check: %w", err)
	}
	return s.convert(check), nil
}

func (s *passThroughService) checkRequest(ctx context.Context, r *http.Request) *authv3.CheckRequest {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[http.CanonicalHeaderKey(k)] = r.Header.Get(k)
	}

	extensions := s.contextConfig
	if ext := ContextExtensions(ctx); len(ext) > 0 {
		merged := make(map[string]string, len(extensions)+len(ext))
		for k, v := range extensions {
			merged[k] = v
		}
		for k, v := range ext {
			merged[k] = v
		}
		extensions = merged
	}

	return &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Request: &authv3.AttributeContext_Request{
				Http: &authv3.AttributeContext_HttpRequest{
					Method:   r.Method,
					Path:     r.URL.RequestURI(),
					Host:     r.Host,
					Scheme:   schemeOf(r),
					Headers:  headers,
					Protocol: r.Proto,
				},
			},
			ContextExtensions: extensions,
		},
	}
}

func (s *passThroughService) convert(check *authv3.CheckResponse) *Response {
	if ok := check.GetOkResponse(); ok != nil || isOkStatus(check.GetStatus()) {
		resp := Allowed()
		for _, hv := range ok.GetHeaders() {
			resp.UpstreamHeaders.Set(hv.GetHeader().GetKey(), hv.GetHeader().GetValue())
		}
		return resp
	}

	denied := check.GetDeniedResponse()
	statusCode := http.StatusForbidden
	if c := denied.GetStatus().GetCode(); c != 0 {
		statusCode = int(c)
	}
	resp := Denied(statusCode)
	for _, hv := range denied.GetHeaders() {
		resp.ResponseHeaders.Set(hv.GetHeader().GetKey(), hv.GetHeader().GetValue())
	}
	resp.Body = denied.GetBody()
	return resp
}

func isOkStatus(st *status.Status) bool {
	// google.rpc.Code OK is zero.
	return st != nil && st.GetCode() == 0
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
