package extauth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"

	"github.com/edgekit/gateway/internal/extauthcfg"
)

const defaultApiKeyHeader = "api-key"

// apiKeyRecord is one provisioned key with its secret metadata.
type apiKeyRecord struct {
	userID   string
	metadata map[string]string
}

// apiKeyService authorizes requests by a key carried in a request header.
// Keys are snapshotted from the secret source at config-load time.
type apiKeyService struct {
	headerName string
	// keys is indexed by the SHA-256 of the key so a memory dump of the
	// process does not reveal valid credentials.
	keys map[[sha256.Size]byte]apiKeyRecord

	headersFromMetadata map[string]extauthcfg.SecretKey
}

func newApiKeyAuth(cfg *extauthcfg.ApiKeyAuth, secrets extauthcfg.SecretSource) (*apiKeyService, error) {
	var found []*extauthcfg.Secret
	var err error
	if len(cfg.LabelSelector) > 0 {
		found, err = secrets.ListByLabels(cfg.LabelSelector)
		if err != nil {
			return nil, fmt.Errorf("api key label selector: %w", err)
		}
	} else {
		for _, ref := range cfg.ApiKeySecretRefs {
			sec, err := secrets.Get(ref)
			if err != nil {
				return nil, fmt.Errorf("api key secret: %w", err)
			}
			found = append(found, sec)
		}
	}

	s := &apiKeyService{
		headerName:          cfg.HeaderName,
		keys:                make(map[[sha256.Size]byte]apiKeyRecord, len(found)),
		headersFromMetadata: cfg.HeadersFromMetadata,
	}
	if s.headerName == "" {
		s.headerName = defaultApiKeyHeader
	}

	for _, sec := range found {
		key := sec.Data[defaultApiKeyHeader]
		if key == "" {
			return nil, fmt.Errorf("api key secret %q: missing %q entry", sec.Ref.Key(), defaultApiKeyHeader)
		}
		meta := make(map[string]string, len(sec.Data))
		for k, v := range sec.Data {
			if k != defaultApiKeyHeader {
				meta[k] = v
			}
		}
		s.keys[sha256.Sum256([]byte(key))] = apiKeyRecord{
			userID:   sec.Ref.Name,
			metadata: meta,
		}
	}

	// Required metadata is checked up front so a bad secret rejects the
	// config instead of failing per request.
	for header, sk := range cfg.HeadersFromMetadata {
		if !sk.Required {
			continue
		}
		for _, rec := range s.keys {
			if _, ok := rec.metadata[sk.Name]; !ok {
				return nil, fmt.Errorf("api key for %q: missing required metadata %q for header %q",
					rec.userID, sk.Name, header)
			}
		}
	}

	return s, nil
}

func (s *apiKeyService) Authorize(_ context.Context, r *http.Request) (*Response, error) {
	key := r.Header.Get(s.headerName)
	if key == "" {
		return Unauthenticated(), nil
	}

	digest := sha256.Sum256([]byte(key))
	rec, ok := s.keys[digest]
	if !ok {
		return Unauthenticated(), nil
	}

	resp := AllowedWithUser(rec.userID)
	for header, sk := range s.headersFromMetadata {
		if v, ok := rec.metadata[sk.Name]; ok {
			resp.UpstreamHeaders.Set(header, v)
		}
	}
	return resp, nil
}
