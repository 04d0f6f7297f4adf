// Package extauthcfg defines the authorization configuration schema: the
// AuthConfig resource with its per-variant configs, session options, and the
// server-level Settings block.
package extauthcfg

import (
	"fmt"
	"time"
)

// ResourceRef names a resource in a namespace.
type ResourceRef struct {
	Name      string `yaml:"name" json:"name"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// Key returns the namespace/name identity used to reference this resource.
func (r ResourceRef) Key() string {
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "/" + r.Name
}

// Secret is a named key/value payload with labels.
type Secret struct {
	Ref    ResourceRef       `yaml:"ref" json:"ref"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Data   map[string]string `yaml:"data" json:"data"`
}

// SecretSource resolves secret references. Implementations decide where
// secrets live (files, environment, a secret store).
type SecretSource interface {
	// Get returns the secret named by ref.
	Get(ref ResourceRef) (*Secret, error)
	// ListByLabels returns every secret whose labels contain the selector.
	ListByLabels(selector map[string]string) ([]*Secret, error)
}

// StaticSecrets is an in-memory SecretSource, typically loaded from the
// config file's secrets section.
type StaticSecrets []*Secret

func (s StaticSecrets) Get(ref ResourceRef) (*Secret, error) {
	for _, sec := range s {
		if sec.Ref.Key() == ref.Key() {
			return sec, nil
		}
	}
	return nil, fmt.Errorf("secret %q not found", ref.Key())
}

func (s StaticSecrets) ListByLabels(selector map[string]string) ([]*Secret, error) {
	var out []*Secret
	for _, sec := range s {
		match := true
		for k, v := range selector {
			if sec.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, sec)
		}
	}
	return out, nil
}

// AuthConfig is one named authorization policy: an ordered list of configs
// plus an optional boolean expression combining their outcomes.
type AuthConfig struct {
	Name    string   `yaml:"name" json:"name"`
	Configs []Config `yaml:"configs" json:"configs"`

	// BooleanExpr combines named config outcomes with !, && and ||. When
	// empty, every config must allow and the first denial wins.
	BooleanExpr string `yaml:"boolean_expr,omitempty" json:"boolean_expr,omitempty"`

	// FailOnRedirect converts redirect-issuing outcomes into plain denials,
	// for callers that cannot follow redirects.
	FailOnRedirect bool `yaml:"fail_on_redirect,omitempty" json:"fail_on_redirect,omitempty"`
}

// Config is one step of an AuthConfig. Exactly one variant field is set.
type Config struct {
	// Name identifies this step inside the AuthConfig's boolean expression.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	BasicAuth   *BasicAuth       `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
	ApiKeyAuth  *ApiKeyAuth      `yaml:"api_key_auth,omitempty" json:"api_key_auth,omitempty"`
	OAuth       *OAuth           `yaml:"oauth,omitempty" json:"oauth,omitempty"`
	OAuth2      *OAuth2          `yaml:"oauth2,omitempty" json:"oauth2,omitempty"`
	OpaAuth     *OpaAuth         `yaml:"opa_auth,omitempty" json:"opa_auth,omitempty"`
	Ldap        *Ldap            `yaml:"ldap,omitempty" json:"ldap,omitempty"`
	Jwt         *Jwt             `yaml:"jwt,omitempty" json:"jwt,omitempty"`
	PassThrough *PassThroughAuth `yaml:"pass_through_auth,omitempty" json:"pass_through_auth,omitempty"`
	Plugin      *PluginAuth      `yaml:"plugin_auth,omitempty" json:"plugin_auth,omitempty"`
}

// BasicAuth verifies credentials from the Authorization header against a
// static user list of APR1-hashed passwords.
type BasicAuth struct {
	Realm string              `yaml:"realm,omitempty" json:"realm,omitempty"`
	Apr   *BasicAuthAprConfig `yaml:"apr" json:"apr"`
}

// BasicAuthAprConfig holds the htpasswd-style user map.
type BasicAuthAprConfig struct {
	Users map[string]SaltedHashedPassword `yaml:"users" json:"users"`
}

// SaltedHashedPassword is one htpasswd entry: the salt and the APR1 digest.
type SaltedHashedPassword struct {
	Salt           string `yaml:"salt" json:"salt"`
	HashedPassword string `yaml:"hashed_password" json:"hashed_password"`
}

// ApiKeyAuth authorizes requests carrying a known API key in a header.
type ApiKeyAuth struct {
	// LabelSelector selects key secrets by label; mutually exclusive with
	// ApiKeySecretRefs.
	LabelSelector    map[string]string `yaml:"label_selector,omitempty" json:"label_selector,omitempty"`
	ApiKeySecretRefs []ResourceRef     `yaml:"api_key_secret_refs,omitempty" json:"api_key_secret_refs,omitempty"`

	// HeaderName carrying the key; defaults to "api-key".
	HeaderName string `yaml:"header_name,omitempty" json:"header_name,omitempty"`

	// HeadersFromMetadata maps upstream header names to metadata keys of the
	// matched key secret.
	HeadersFromMetadata map[string]SecretKey `yaml:"headers_from_metadata,omitempty" json:"headers_from_metadata,omitempty"`
}

// SecretKey names a metadata entry on an API key secret.
type SecretKey struct {
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// OAuth is the deprecated predecessor of OAuth2's authorization-code flow.
// It carries the same flow fields without session or discovery control.
type OAuth struct {
	ClientId                string            `yaml:"client_id" json:"client_id"`
	ClientSecretRef         ResourceRef       `yaml:"client_secret_ref" json:"client_secret_ref"`
	IssuerUrl               string            `yaml:"issuer_url" json:"issuer_url"`
	AuthEndpointQueryParams map[string]string `yaml:"auth_endpoint_query_params,omitempty" json:"auth_endpoint_query_params,omitempty"`
	AppUrl                  string            `yaml:"app_url" json:"app_url"`
	CallbackPath            string            `yaml:"callback_path" json:"callback_path"`
	Scopes                  []string          `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// AsOidc upgrades the deprecated config to its OAuth2 equivalent.
func (o *OAuth) AsOidc() *OidcAuthorizationCode {
	return &OidcAuthorizationCode{
		ClientId:                o.ClientId,
		ClientSecretRef:         o.ClientSecretRef,
		IssuerUrl:               o.IssuerUrl,
		AuthEndpointQueryParams: o.AuthEndpointQueryParams,
		AppUrl:                  o.AppUrl,
		CallbackPath:            o.CallbackPath,
		Scopes:                  o.Scopes,
	}
}

// OAuth2 selects between the full OIDC authorization-code flow and bare
// access-token validation. Exactly one is set.
type OAuth2 struct {
	OidcAuthorizationCode *OidcAuthorizationCode `yaml:"oidc_authorization_code,omitempty" json:"oidc_authorization_code,omitempty"`
	AccessTokenValidation *AccessTokenValidation `yaml:"access_token_validation,omitempty" json:"access_token_validation,omitempty"`
}

// OidcAuthorizationCode configures the OIDC authorization-code flow.
type OidcAuthorizationCode struct {
	ClientId        string      `yaml:"client_id" json:"client_id"`
	ClientSecretRef ResourceRef `yaml:"client_secret_ref" json:"client_secret_ref"`
	IssuerUrl       string      `yaml:"issuer_url" json:"issuer_url"`

	// AuthEndpointQueryParams are appended to the authorization redirect.
	AuthEndpointQueryParams map[string]string `yaml:"auth_endpoint_query_params,omitempty" json:"auth_endpoint_query_params,omitempty"`

	AppUrl       string   `yaml:"app_url" json:"app_url"`
	CallbackPath string   `yaml:"callback_path" json:"callback_path"`
	LogoutPath   string   `yaml:"logout_path,omitempty" json:"logout_path,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	Session *UserSession  `yaml:"session,omitempty" json:"session,omitempty"`
	Headers *HeaderConfig `yaml:"headers,omitempty" json:"headers,omitempty"`

	// DiscoveryOverride pins endpoints the provider's discovery document
	// omits or misstates.
	DiscoveryOverride     *DiscoveryOverride `yaml:"discovery_override,omitempty" json:"discovery_override,omitempty"`
	DiscoveryPollInterval time.Duration      `yaml:"discovery_poll_interval,omitempty" json:"discovery_poll_interval,omitempty"`

	SessionIdHeaderName string `yaml:"session_id_header_name,omitempty" json:"session_id_header_name,omitempty"`
}

// HeaderConfig names the upstream headers that receive the tokens.
type HeaderConfig struct {
	IdTokenHeader     string `yaml:"id_token_header,omitempty" json:"id_token_header,omitempty"`
	AccessTokenHeader string `yaml:"access_token_header,omitempty" json:"access_token_header,omitempty"`
}

// DiscoveryOverride replaces fields of the OIDC discovery document.
type DiscoveryOverride struct {
	AuthEndpoint       string   `yaml:"auth_endpoint,omitempty" json:"auth_endpoint,omitempty"`
	TokenEndpoint      string   `yaml:"token_endpoint,omitempty" json:"token_endpoint,omitempty"`
	JwksUri            string   `yaml:"jwks_uri,omitempty" json:"jwks_uri,omitempty"`
	EndSessionEndpoint string   `yaml:"end_session_endpoint,omitempty" json:"end_session_endpoint,omitempty"`
	Scopes             []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	ResponseTypes      []string `yaml:"response_types,omitempty" json:"response_types,omitempty"`
	Claims             []string `yaml:"claims,omitempty" json:"claims,omitempty"`
}

// UserSession configures where OIDC session state lives.
type UserSession struct {
	// FailOnFetchFailure turns session-store read errors into denials
	// instead of restarting the flow.
	FailOnFetchFailure bool           `yaml:"fail_on_fetch_failure,omitempty" json:"fail_on_fetch_failure,omitempty"`
	CookieOptions      *CookieOptions `yaml:"cookie_options,omitempty" json:"cookie_options,omitempty"`

	// Exactly one of Cookie or Redis is set; both nil means cookie session.
	Cookie *CookieSession `yaml:"cookie,omitempty" json:"cookie,omitempty"`
	Redis  *RedisSession  `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// CookieOptions tunes the session cookie attributes.
type CookieOptions struct {
	MaxAge    *int   `yaml:"max_age,omitempty" json:"max_age,omitempty"`
	NotSecure bool   `yaml:"not_secure,omitempty" json:"not_secure,omitempty"`
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`
	Domain    string `yaml:"domain,omitempty" json:"domain,omitempty"`
}

// CookieSession stores tokens directly in the cookie.
type CookieSession struct {
	AllowRefreshing *bool `yaml:"allow_refreshing,omitempty" json:"allow_refreshing,omitempty"`
}

// RedisSession stores tokens in Redis, keyed by an opaque session cookie.
type RedisSession struct {
	Options         *RedisOptions `yaml:"options" json:"options"`
	KeyPrefix       string        `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
	CookieName      string        `yaml:"cookie_name,omitempty" json:"cookie_name,omitempty"`
	AllowRefreshing *bool         `yaml:"allow_refreshing,omitempty" json:"allow_refreshing,omitempty"`

	// PreExpiryBuffer refreshes tokens this long before they expire.
	PreExpiryBuffer time.Duration `yaml:"pre_expiry_buffer,omitempty" json:"pre_expiry_buffer,omitempty"`
}

// RedisOptions is the Redis connection configuration.
type RedisOptions struct {
	Host       string `yaml:"host" json:"host"`
	Db         int    `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize   int    `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
	SocketType string `yaml:"socket_type,omitempty" json:"socket_type,omitempty"`
}

// AccessTokenValidation validates a bearer token without running a flow.
type AccessTokenValidation struct {
	// IntrospectionUrl performs RFC 7662 introspection without client
	// credentials. Mutually exclusive with Introspection and Jwt.
	IntrospectionUrl string                   `yaml:"introspection_url,omitempty" json:"introspection_url,omitempty"`
	Introspection    *IntrospectionValidation `yaml:"introspection,omitempty" json:"introspection,omitempty"`
	Jwt              *JwtValidation           `yaml:"jwt,omitempty" json:"jwt,omitempty"`

	// UserinfoUrl, when set, resolves the user id from the userinfo endpoint.
	UserinfoUrl string `yaml:"userinfo_url,omitempty" json:"userinfo_url,omitempty"`

	// CacheTimeout bounds how long a validated token is cached.
	CacheTimeout time.Duration `yaml:"cache_timeout,omitempty" json:"cache_timeout,omitempty"`

	// RequiredScopes must all be present on the token.
	RequiredScopes []string `yaml:"required_scopes,omitempty" json:"required_scopes,omitempty"`
}

// IntrospectionValidation is introspection with client authentication.
type IntrospectionValidation struct {
	IntrospectionUrl string      `yaml:"introspection_url" json:"introspection_url"`
	ClientId         string      `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecretRef  ResourceRef `yaml:"client_secret_ref,omitempty" json:"client_secret_ref,omitempty"`

	// UserIdAttributeName names the introspection response attribute holding
	// the user id; defaults to "sub".
	UserIdAttributeName string `yaml:"user_id_attribute_name,omitempty" json:"user_id_attribute_name,omitempty"`
}

// JwtValidation validates the token locally against a JWKS.
type JwtValidation struct {
	Issuer     string      `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	LocalJwks  string      `yaml:"local_jwks,omitempty" json:"local_jwks,omitempty"`
	RemoteJwks *RemoteJwks `yaml:"remote_jwks,omitempty" json:"remote_jwks,omitempty"`
}

// RemoteJwks fetches the key set from a URL on an interval.
type RemoteJwks struct {
	Url             string        `yaml:"url" json:"url"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`
}

// OpaAuth evaluates Rego policy modules against the request.
type OpaAuth struct {
	// Modules maps module names to Rego source.
	Modules map[string]string `yaml:"modules" json:"modules"`

	// Query must evaluate to true for the request to be allowed.
	Query string `yaml:"query" json:"query"`

	Options *OpaAuthOptions `yaml:"options,omitempty" json:"options,omitempty"`
}

// OpaAuthOptions tunes OPA evaluation.
type OpaAuthOptions struct {
	// FastInputConversion trades input fidelity for conversion speed.
	FastInputConversion bool `yaml:"fast_input_conversion,omitempty" json:"fast_input_conversion,omitempty"`
}

// Ldap authenticates Basic credentials against an LDAP directory and checks
// group membership.
type Ldap struct {
	Address string `yaml:"address" json:"address"`

	// UserDnTemplate must contain "%s", replaced by the user id from the
	// Authorization header.
	UserDnTemplate string `yaml:"user_dn_template" json:"user_dn_template"`

	// MembershipAttributeName defaults to "uniqueMember".
	MembershipAttributeName string   `yaml:"membership_attribute_name,omitempty" json:"membership_attribute_name,omitempty"`
	AllowedGroups           []string `yaml:"allowed_groups,omitempty" json:"allowed_groups,omitempty"`

	Pool *LdapConnectionPool `yaml:"pool,omitempty" json:"pool,omitempty"`

	// SearchFilter defaults to "(objectClass=*)".
	SearchFilter string `yaml:"search_filter,omitempty" json:"search_filter,omitempty"`

	// DisableGroupChecks accepts any successful bind.
	DisableGroupChecks bool `yaml:"disable_group_checks,omitempty" json:"disable_group_checks,omitempty"`
}

// LdapConnectionPool sizes the LDAP connection pool.
type LdapConnectionPool struct {
	MaxSize     int `yaml:"max_size,omitempty" json:"max_size,omitempty"`
	InitialSize int `yaml:"initial_size,omitempty" json:"initial_size,omitempty"`
}

// Jwt marks a config slot whose verification runs elsewhere in the filter
// chain; evaluation always allows.
type Jwt struct{}

// PassThroughAuth delegates the decision to an external gRPC service
// speaking the Envoy authorization check protocol.
type PassThroughAuth struct {
	Grpc *PassThroughGrpc `yaml:"grpc" json:"grpc"`

	// Config is forwarded to the service as check-request context.
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`

	// FailureModeAllow allows the request when the service is unreachable.
	FailureModeAllow bool `yaml:"failure_mode_allow,omitempty" json:"failure_mode_allow,omitempty"`
}

// PassThroughGrpc addresses the delegate service.
type PassThroughGrpc struct {
	Address           string        `yaml:"address" json:"address"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty"`
}

// PluginAuth runs a named in-process plugin registered at startup.
type PluginAuth struct {
	Name string `yaml:"name" json:"name"`

	// PluginFileName and ExportedSymbolName locate the plugin in deployments
	// that ship them as shared objects. Registration here is in-process; when
	// set, ExportedSymbolName is the registry key and Name is the instance
	// label.
	PluginFileName     string `yaml:"plugin_file_name,omitempty" json:"plugin_file_name,omitempty"`
	ExportedSymbolName string `yaml:"exported_symbol_name,omitempty" json:"exported_symbol_name,omitempty"`

	// Config is the plugin's opaque configuration payload.
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// Settings is the server-level authorization configuration.
type Settings struct {
	// RequestTimeout bounds a single authorization decision; on expiry the
	// failure policy applies. Defaults to 200ms.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`

	// FailureModeAllow admits requests when the decision errors out.
	FailureModeAllow bool `yaml:"failure_mode_allow,omitempty" json:"failure_mode_allow,omitempty"`

	// StatusOnError overrides the 403 returned for errored decisions when
	// FailureModeAllow is false.
	StatusOnError int `yaml:"status_on_error,omitempty" json:"status_on_error,omitempty"`

	// UserIdHeader carries the authenticated user id upstream.
	UserIdHeader string `yaml:"user_id_header,omitempty" json:"user_id_header,omitempty"`

	// HttpService, when set, delegates decisions to an external HTTP
	// authorization server instead of the built-in evaluators.
	HttpService *HttpService `yaml:"http_service,omitempty" json:"http_service,omitempty"`
}

// HttpService configures the external HTTP authorization server and the
// strict header allow-lists applied in both directions.
type HttpService struct {
	Url        string `yaml:"url" json:"url"`
	PathPrefix string `yaml:"path_prefix,omitempty" json:"path_prefix,omitempty"`

	Request  *HttpServiceRequest  `yaml:"request,omitempty" json:"request,omitempty"`
	Response *HttpServiceResponse `yaml:"response,omitempty" json:"response,omitempty"`
}

// HttpServiceRequest shapes the check request sent to the auth server.
type HttpServiceRequest struct {
	// AllowedHeaders are the only client headers forwarded to the server.
	AllowedHeaders []string `yaml:"allowed_headers,omitempty" json:"allowed_headers,omitempty"`

	// HeadersToAdd are set on every check request.
	HeadersToAdd map[string]string `yaml:"headers_to_add,omitempty" json:"headers_to_add,omitempty"`
}

// HttpServiceResponse shapes what comes back from the auth server.
type HttpServiceResponse struct {
	// AllowedUpstreamHeaders are copied from an allowed check response onto
	// the upstream request.
	AllowedUpstreamHeaders []string `yaml:"allowed_upstream_headers,omitempty" json:"allowed_upstream_headers,omitempty"`

	// AllowedClientHeaders are copied from a denied check response onto the
	// client response.
	AllowedClientHeaders []string `yaml:"allowed_client_headers,omitempty" json:"allowed_client_headers,omitempty"`
}

// ExtAuthExtension is the per-route authorization override.
type ExtAuthExtension struct {
	// Disable skips authorization for the route.
	Disable bool `yaml:"disable,omitempty" json:"disable,omitempty"`

	// ConfigRef names the AuthConfig to apply.
	ConfigRef *ResourceRef `yaml:"config_ref,omitempty" json:"config_ref,omitempty"`

	// CustomAuth routes the decision to a named custom auth server with
	// extra context.
	CustomAuth *CustomAuth `yaml:"custom_auth,omitempty" json:"custom_auth,omitempty"`
}

// CustomAuth names an out-of-band auth server configured elsewhere.
type CustomAuth struct {
	Name              string            `yaml:"name,omitempty" json:"name,omitempty"`
	ContextExtensions map[string]string `yaml:"context_extensions,omitempty" json:"context_extensions,omitempty"`
}
