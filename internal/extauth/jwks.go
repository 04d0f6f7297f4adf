package extauth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/edgekit/gateway/internal/logging"
)

// jwksKeySet holds the RSA public keys of a JWKS document, refreshed in the
// background for remote sets.
type jwksKeySet struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey

	url    string
	client *http.Client
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newLocalJwks(doc string) (*jwksKeySet, error) {
	ks := &jwksKeySet{keys: map[string]*rsa.PublicKey{}}
	if err := ks.load([]byte(doc)); err != nil {
		return nil, err
	}
	return ks, nil
}

// newRemoteJwks fetches url with retries and refreshes on the given
// interval until stop is closed.
func newRemoteJwks(url string, refresh time.Duration, stop <-chan struct{}) (*jwksKeySet, error) {
	ks := &jwksKeySet{
		keys:   map[string]*rsa.PublicKey{},
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	fetch := func() error { return ks.fetch() }
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(fetch, bo); err != nil {
		return nil, fmt.Errorf("jwks %s: %w", url, err)
	}

	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := ks.fetch(); err != nil {
					logging.Warn("jwks refresh failed", zap.String("url", url), zap.Error(err))
				}
			}
		}
	}()

	return ks, nil
}

func (ks *jwksKeySet) fetch() error {
	resp, err := ks.client.Get(ks.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return ks.load(body)
}

func (ks *jwksKeySet) load(doc []byte) error {
	var parsed jwksDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return fmt.Errorf("jwks parse: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, k := range parsed.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJwk(k)
		if err != nil {
			return fmt.Errorf("jwks key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks: no usable RSA keys")
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()
	return nil
}

func rsaKeyFromJwk(k jwksKey) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

// Keyfunc resolves the verification key for a token by kid. A token without
// a kid is accepted only when the set holds exactly one key.
func (ks *jwksKeySet) Keyfunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()

	kid, _ := t.Header["kid"].(string)
	if kid != "" {
		if key, ok := ks.keys[kid]; ok {
			return key, nil
		}
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
	if len(ks.keys) == 1 {
		for _, key := range ks.keys {
			return key, nil
		}
	}
	return nil, fmt.Errorf("token has no kid and key set is ambiguous")
}
