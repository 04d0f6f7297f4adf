package extauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/edgekit/gateway/internal/extauthcfg"
	"github.com/edgekit/gateway/internal/logging"
)

const (
	defaultMembershipAttribute = "uniqueMember"
	defaultSearchFilter        = "(objectClass=*)"
	defaultLdapPoolSize        = 5
)

// ldapDialer abstracts the LDAP connection for tests.
type ldapDialer func(address string) (ldapConn, error)

type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

func dialLdap(address string) (ldapConn, error) {
	return ldap.DialURL(address)
}

// ldapService checks Basic credentials by binding against the directory and
// verifying group membership on the user's entry.
type ldapService struct {
	cfg    *extauthcfg.Ldap
	dial   ldapDialer
	pool   chan ldapConn
	groups map[string]bool

	membershipAttribute string
	searchFilter        string
}

func newLdapAuth(cfg *extauthcfg.Ldap) (*ldapService, error) {
	return newLdapAuthWithDialer(cfg, dialLdap)
}

func newLdapAuthWithDialer(cfg *extauthcfg.Ldap, dial ldapDialer) (*ldapService, error) {
	maxSize := defaultLdapPoolSize
	initial := 0
	if cfg.Pool != nil {
		if cfg.Pool.MaxSize > 0 {
			maxSize = cfg.Pool.MaxSize
		}
		initial = cfg.Pool.InitialSize
		if initial > maxSize {
			initial = maxSize
		}
	}

	s := &ldapService{
		cfg:                 cfg,
		dial:                dial,
		pool:                make(chan ldapConn, maxSize),
		groups:              make(map[string]bool, len(cfg.AllowedGroups)),
		membershipAttribute: cfg.MembershipAttributeName,
		searchFilter:        cfg.SearchFilter,
	}
	if s.membershipAttribute == "" {
		s.membershipAttribute = defaultMembershipAttribute
	}
	if s.searchFilter == "" {
		s.searchFilter = defaultSearchFilter
	}
	for _, g := range cfg.AllowedGroups {
		s.groups[normalizeDN(g)] = true
	}

	for i := 0; i < initial; i++ {
		conn, err := dial(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("ldap %s: %w", cfg.Address, err)
		}
		s.pool <- conn
	}
	return s, nil
}

func (s *ldapService) get() (ldapConn, error) {
	select {
	case conn := <-s.pool:
		return conn, nil
	default:
		return s.dial(s.cfg.Address)
	}
}

func (s *ldapService) put(conn ldapConn) {
	select {
	case s.pool <- conn:
	default:
		conn.Close()
	}
}

func (s *ldapService) Authorize(_ context.Context, r *http.Request) (*Response, error) {
	user, pass, ok := r.BasicAuth()
	if !ok || user == "" {
		return Unauthenticated(), nil
	}

	conn, err := s.get()
	if err != nil {
		return nil, fmt.Errorf("ldap connect: %w", err)
	}

	userDN := fmt.Sprintf(s.cfg.UserDnTemplate, user)
	if err := conn.Bind(userDN, pass); err != nil {
		// A failed bind poisons nothing; keep the connection.
		s.put(conn)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return Unauthenticated(), nil
		}
		return nil, fmt.Errorf("ldap bind: %w", err)
	}

	if s.cfg.DisableGroupChecks {
		s.put(conn)
		return AllowedWithUser(user), nil
	}

	res, err := conn.Search(ldap.NewSearchRequest(
		userDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0, 0, false,
		s.searchFilter,
		[]string{s.membershipAttribute},
		nil,
	))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ldap search: %w", err)
	}
	s.put(conn)

	for _, entry := range res.Entries {
		for _, group := range entry.GetAttributeValues(s.membershipAttribute) {
			if s.groups[normalizeDN(group)] {
				return AllowedWithUser(user), nil
			}
		}
	}

	logging.Debug("ldap user not in any allowed group", zap.String("user_dn", userDN))
	return Forbidden(), nil
}

// normalizeDN makes DN comparison case- and whitespace-insensitive.
func normalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ",")
}
