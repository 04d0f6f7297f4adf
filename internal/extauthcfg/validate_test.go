package extauthcfg

import (
	"strings"
	"testing"
)

func basicConfig(name string) Config {
	return Config{
		Name: name,
		BasicAuth: &BasicAuth{
			Apr: &BasicAuthAprConfig{
				Users: map[string]SaltedHashedPassword{"u": {Salt: "s", HashedPassword: "h"}},
			},
		},
	}
}

func TestAuthConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		ac      AuthConfig
		wantErr string
	}{
		{
			name:    "missing name",
			ac:      AuthConfig{Configs: []Config{basicConfig("")}},
			wantErr: "name is required",
		},
		{
			name:    "no configs",
			ac:      AuthConfig{Name: "a"},
			wantErr: "at least one config",
		},
		{
			name: "valid single config",
			ac:   AuthConfig{Name: "a", Configs: []Config{basicConfig("")}},
		},
		{
			name:    "no variant",
			ac:      AuthConfig{Name: "a", Configs: []Config{{Name: "empty"}}},
			wantErr: "no auth variant",
		},
		{
			name: "two variants in one config",
			ac: AuthConfig{Name: "a", Configs: []Config{{
				BasicAuth: basicConfig("").BasicAuth,
				Jwt:       &Jwt{},
			}}},
			wantErr: "exactly one auth variant",
		},
		{
			name:    "duplicate config names",
			ac:      AuthConfig{Name: "a", Configs: []Config{basicConfig("x"), basicConfig("x")}},
			wantErr: "duplicate config name",
		},
		{
			name: "boolean expr requires names",
			ac: AuthConfig{
				Name:        "a",
				Configs:     []Config{basicConfig("x"), basicConfig("")},
				BooleanExpr: "x",
			},
			wantErr: "requires every config to be named",
		},
		{
			name:    "api key without key source",
			ac:      AuthConfig{Name: "a", Configs: []Config{{ApiKeyAuth: &ApiKeyAuth{}}}},
			wantErr: "label_selector or api_key_secret_refs",
		},
		{
			name: "api key with both key sources",
			ac: AuthConfig{Name: "a", Configs: []Config{{ApiKeyAuth: &ApiKeyAuth{
				LabelSelector:    map[string]string{"team": "infra"},
				ApiKeySecretRefs: []ResourceRef{{Name: "k"}},
			}}}},
			wantErr: "mutually exclusive",
		},
		{
			name: "oauth2 with both modes",
			ac: AuthConfig{Name: "a", Configs: []Config{{OAuth2: &OAuth2{
				OidcAuthorizationCode: &OidcAuthorizationCode{},
				AccessTokenValidation: &AccessTokenValidation{},
			}}}},
			wantErr: "exactly one of oidc_authorization_code",
		},
		{
			name: "oidc missing app url",
			ac: AuthConfig{Name: "a", Configs: []Config{{OAuth2: &OAuth2{
				OidcAuthorizationCode: &OidcAuthorizationCode{
					ClientId: "c", IssuerUrl: "https://idp", CallbackPath: "/cb",
				},
			}}}},
			wantErr: "app_url is required",
		},
		{
			name: "access token validation without mode",
			ac: AuthConfig{Name: "a", Configs: []Config{{OAuth2: &OAuth2{
				AccessTokenValidation: &AccessTokenValidation{},
			}}}},
			wantErr: "exactly one of introspection_url",
		},
		{
			name: "jwt validation with both jwks sources",
			ac: AuthConfig{Name: "a", Configs: []Config{{OAuth2: &OAuth2{
				AccessTokenValidation: &AccessTokenValidation{
					Jwt: &JwtValidation{LocalJwks: "{}", RemoteJwks: &RemoteJwks{Url: "https://idp/jwks"}},
				},
			}}}},
			wantErr: "exactly one of local_jwks and remote_jwks",
		},
		{
			name: "ldap template without placeholder",
			ac: AuthConfig{Name: "a", Configs: []Config{{Ldap: &Ldap{
				Address:        "ldap:389",
				UserDnTemplate: "uid=admin,ou=people",
				AllowedGroups:  []string{"cn=dev"},
			}}}},
			wantErr: "must contain %s",
		},
		{
			name: "ldap without groups",
			ac: AuthConfig{Name: "a", Configs: []Config{{Ldap: &Ldap{
				Address:        "ldap:389",
				UserDnTemplate: "uid=%s,ou=people",
			}}}},
			wantErr: "allowed_groups is required",
		},
		{
			name: "deprecated oauth missing fields",
			ac: AuthConfig{Name: "a", Configs: []Config{{OAuth: &OAuth{
				ClientId: "c",
			}}}},
			wantErr: "oauth:",
		},
		{
			name:    "passthrough without address",
			ac:      AuthConfig{Name: "a", Configs: []Config{{PassThrough: &PassThroughAuth{Grpc: &PassThroughGrpc{}}}}},
			wantErr: "grpc address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ac.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSettingsValidate(t *testing.T) {
	if err := (&Settings{StatusOnError: 999}).Validate(); err == nil {
		t.Error("bad status_on_error accepted")
	}
	if err := (&Settings{HttpService: &HttpService{}}).Validate(); err == nil {
		t.Error("http_service without url accepted")
	}
	if err := (&Settings{StatusOnError: 429}).Validate(); err != nil {
		t.Errorf("valid settings rejected: %v", err)
	}
	var nilSettings *Settings
	if err := nilSettings.Validate(); err != nil {
		t.Errorf("nil settings rejected: %v", err)
	}
}
