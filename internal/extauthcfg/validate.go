package extauthcfg

import (
	"fmt"
	"strings"
)

// Validate rejects structurally invalid AuthConfigs at load time, before any
// evaluator is built.
func (ac *AuthConfig) Validate() error {
	if ac.Name == "" {
		return fmt.Errorf("auth config: name is required")
	}
	if len(ac.Configs) == 0 {
		return fmt.Errorf("auth config %q: at least one config is required", ac.Name)
	}
	seen := map[string]bool{}
	for i := range ac.Configs {
		cfg := &ac.Configs[i]
		if err := cfg.validate(); err != nil {
			return fmt.Errorf("auth config %q, config %d: %w", ac.Name, i, err)
		}
		if cfg.Name != "" {
			if seen[cfg.Name] {
				return fmt.Errorf("auth config %q: duplicate config name %q", ac.Name, cfg.Name)
			}
			seen[cfg.Name] = true
		}
	}
	if ac.BooleanExpr != "" {
		for i := range ac.Configs {
			if ac.Configs[i].Name == "" {
				return fmt.Errorf("auth config %q: boolean_expr requires every config to be named", ac.Name)
			}
		}
	}
	return nil
}

func (c *Config) validate() error {
	var set int
	if c.BasicAuth != nil {
		set++
		if c.BasicAuth.Apr == nil || len(c.BasicAuth.Apr.Users) == 0 {
			return fmt.Errorf("basic_auth: apr user list is required")
		}
	}
	if c.ApiKeyAuth != nil {
		set++
		if len(c.ApiKeyAuth.LabelSelector) == 0 && len(c.ApiKeyAuth.ApiKeySecretRefs) == 0 {
			return fmt.Errorf("api_key_auth: label_selector or api_key_secret_refs is required")
		}
		if len(c.ApiKeyAuth.LabelSelector) > 0 && len(c.ApiKeyAuth.ApiKeySecretRefs) > 0 {
			return fmt.Errorf("api_key_auth: label_selector and api_key_secret_refs are mutually exclusive")
		}
	}
	if c.OAuth != nil {
		set++
		if c.OAuth.ClientId == "" || c.OAuth.IssuerUrl == "" || c.OAuth.AppUrl == "" || c.OAuth.CallbackPath == "" {
			return fmt.Errorf("oauth: client_id, issuer_url, app_url and callback_path are required")
		}
	}
	if c.OAuth2 != nil {
		set++
		if err := c.OAuth2.validate(); err != nil {
			return err
		}
	}
	if c.OpaAuth != nil {
		set++
		if len(c.OpaAuth.Modules) == 0 {
			return fmt.Errorf("opa_auth: at least one module is required")
		}
		if c.OpaAuth.Query == "" {
			return fmt.Errorf("opa_auth: query is required")
		}
	}
	if c.Ldap != nil {
		set++
		if c.Ldap.Address == "" {
			return fmt.Errorf("ldap: address is required")
		}
		if !strings.Contains(c.Ldap.UserDnTemplate, "%s") {
			return fmt.Errorf("ldap: user_dn_template must contain %%s")
		}
		if !c.Ldap.DisableGroupChecks && len(c.Ldap.AllowedGroups) == 0 {
			return fmt.Errorf("ldap: allowed_groups is required unless group checks are disabled")
		}
	}
	if c.Jwt != nil {
		set++
	}
	if c.PassThrough != nil {
		set++
		if c.PassThrough.Grpc == nil || c.PassThrough.Grpc.Address == "" {
			return fmt.Errorf("pass_through_auth: grpc address is required")
		}
	}
	if c.Plugin != nil {
		set++
		if c.Plugin.Name == "" {
			return fmt.Errorf("plugin_auth: name is required")
		}
	}

	switch set {
	case 0:
		return fmt.Errorf("no auth variant set")
	case 1:
		return nil
	default:
		return fmt.Errorf("exactly one auth variant may be set, found %d", set)
	}
}

func (o *OAuth2) validate() error {
	oidc, atv := o.OidcAuthorizationCode, o.AccessTokenValidation
	if (oidc == nil) == (atv == nil) {
		return fmt.Errorf("oauth2: exactly one of oidc_authorization_code and access_token_validation must be set")
	}
	if oidc != nil {
		switch {
		case oidc.ClientId == "":
			return fmt.Errorf("oidc_authorization_code: client_id is required")
		case oidc.IssuerUrl == "":
			return fmt.Errorf("oidc_authorization_code: issuer_url is required")
		case oidc.AppUrl == "":
			return fmt.Errorf("oidc_authorization_code: app_url is required")
		case oidc.CallbackPath == "":
			return fmt.Errorf("oidc_authorization_code: callback_path is required")
		}
		if s := oidc.Session; s != nil && s.Cookie != nil && s.Redis != nil {
			return fmt.Errorf("oidc_authorization_code: session cookie and redis are mutually exclusive")
		}
		if s := oidc.Session; s != nil && s.Redis != nil {
			if s.Redis.Options == nil || s.Redis.Options.Host == "" {
				return fmt.Errorf("oidc_authorization_code: redis session requires a host")
			}
		}
		return nil
	}

	var modes int
	if atv.IntrospectionUrl != "" {
		modes++
	}
	if atv.Introspection != nil {
		modes++
		if atv.Introspection.IntrospectionUrl == "" {
			return fmt.Errorf("access_token_validation: introspection_url is required")
		}
	}
	if atv.Jwt != nil {
		modes++
		if (atv.Jwt.LocalJwks == "") == (atv.Jwt.RemoteJwks == nil) {
			return fmt.Errorf("access_token_validation: jwt requires exactly one of local_jwks and remote_jwks")
		}
	}
	if modes != 1 {
		return fmt.Errorf("access_token_validation: exactly one of introspection_url, introspection and jwt must be set, found %d", modes)
	}
	return nil
}

// Validate applies Settings defaults and bounds.
func (s *Settings) Validate() error {
	if s == nil {
		return nil
	}
	if s.StatusOnError != 0 && (s.StatusOnError < 100 || s.StatusOnError > 599) {
		return fmt.Errorf("settings: status_on_error %d is not a valid HTTP status", s.StatusOnError)
	}
	if s.HttpService != nil && s.HttpService.Url == "" {
		return fmt.Errorf("settings: http_service url is required")
	}
	return nil
}
