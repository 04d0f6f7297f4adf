// Package extauth implements the authorization decision engine: per-variant
// auth services, the per-AuthConfig chain, and the boolean combinator over
// named config outcomes.
package extauth

import (
	"context"
	"net/http"
)

// State is the outcome of evaluating one auth service or a whole chain.
type State int

const (
	// StatePending means no decision has been reached yet.
	StatePending State = iota
	// StateAllowed admits the request.
	StateAllowed
	// StateDenied rejects the request with the response's status and headers.
	StateDenied
	// StateError means evaluation itself failed; the failure policy decides.
	StateError
)

func (s State) String() string {
	switch s {
	case StateAllowed:
		return "allowed"
	case StateDenied:
		return "denied"
	case StateError:
		return "error"
	default:
		return "pending"
	}
}

// Response is the full outcome of an authorization decision.
type Response struct {
	State State

	// UserID identifies the authenticated principal, when known.
	UserID string

	// Status is the HTTP status for a denial; 0 means 401/403 by default.
	Status int

	// ResponseHeaders are set on the client response for denials and
	// redirects (WWW-Authenticate, Location, Set-Cookie).
	ResponseHeaders http.Header

	// UpstreamHeaders are added to the request before it is forwarded.
	UpstreamHeaders http.Header

	// Body is the denial response body, when the service provides one.
	Body string
}

// Allowed returns an allow response.
func Allowed() *Response {
	return &Response{State: StateAllowed, UpstreamHeaders: http.Header{}}
}

// AllowedWithUser returns an allow response carrying the principal.
func AllowedWithUser(userID string) *Response {
	r := Allowed()
	r.UserID = userID
	return r
}

// Denied returns a deny response with the given status.
func Denied(status int) *Response {
	return &Response{State: StateDenied, Status: status, ResponseHeaders: http.Header{}}
}

// Unauthenticated returns a 401 denial.
func Unauthenticated() *Response { return Denied(http.StatusUnauthorized) }

// Forbidden returns a 403 denial.
func Forbidden() *Response { return Denied(http.StatusForbidden) }

// Redirect returns a denial that sends the client to location. Callers that
// cannot follow redirects may convert it into a plain denial.
func Redirect(location string) *Response {
	r := Denied(http.StatusFound)
	r.ResponseHeaders.Set("Location", location)
	return r
}

// IsRedirect reports whether the response carries a Location redirect.
func (r *Response) IsRedirect() bool {
	return r.State == StateDenied && r.ResponseHeaders.Get("Location") != ""
}

// Service authorizes a single request. A returned error means the decision
// could not be made at all; the caller's failure policy applies.
type Service interface {
	Authorize(ctx context.Context, r *http.Request) (*Response, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, r *http.Request) (*Response, error)

func (f ServiceFunc) Authorize(ctx context.Context, r *http.Request) (*Response, error) {
	return f(ctx, r)
}
