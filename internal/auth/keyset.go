package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// JWKS is a JSON Web Key Set document
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is one RSA signing key of a key set
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// PublicKey decodes the modulus and exponent
func (j JWK) PublicKey() (*rsa.PublicKey, error) {
	if j.Kty != "RSA" {
		return nil, fmt.Errorf("kid %q: unsupported key type %q", j.Kid, j.Kty)
	}
	n, err := decodeBigInt(j.N)
	if err != nil {
		return nil, fmt.Errorf("kid %q: modulus: %w", j.Kid, err)
	}
	e, err := decodeBigInt(j.E)
	if err != nil {
		return nil, fmt.Errorf("kid %q: exponent: %w", j.Kid, err)
	}
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("kid %q: exponent out of range", j.Kid)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func decodeBigInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty value")
	}
	return new(big.Int).SetBytes(b), nil
}

// keySet serves verification keys from a remote JWKS URL. Keys are kept for
// ttl; a token naming an unknown kid triggers an early refetch, at most once
// per minRefetch.
type keySet struct {
	url        string
	client     *http.Client
	logger     *slog.Logger
	ttl        time.Duration
	minRefetch time.Duration

	fetch singleflight.Group

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func newKeySet(url string, logger *slog.Logger) *keySet {
	return &keySet{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		ttl:        time.Hour,
		minRefetch: 30 * time.Second,
	}
}

// keyfunc resolves the token's kid to a key. Tokens without a kid are
// checked against every key in the set.
func (ks *keySet) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)

		keys, age := ks.snapshot()
		stale := keys == nil || age >= ks.ttl
		if _, known := keys[kid]; !stale && kid != "" && !known && age >= ks.minRefetch {
			stale = true
		}
		if stale {
			var err error
			if keys, err = ks.refresh(ctx); err != nil {
				return nil, err
			}
		}

		if kid == "" {
			set := jwt.VerificationKeySet{}
			for _, k := range keys {
				set.Keys = append(set.Keys, k)
			}
			return set, nil
		}
		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return key, nil
	}
}

func (ks *keySet) snapshot() (map[string]*rsa.PublicKey, time.Duration) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.keys, time.Since(ks.fetched)
}

func (ks *keySet) refresh(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	v, err, _ := ks.fetch.Do("jwks", func() (any, error) {
		keys, err := ks.download(ctx)
		if err != nil {
			return nil, err
		}
		ks.mu.Lock()
		ks.keys, ks.fetched = keys, time.Now()
		ks.mu.Unlock()
		ks.logger.Info("signing keys loaded", "url", ks.url, "keys", len(keys))
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*rsa.PublicKey), nil
}

func (ks *keySet) download(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building JWKS request: %w", err)
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching JWKS: HTTP %d", resp.StatusCode)
	}

	var doc JWKS
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pk, err := k.PublicKey()
		if err != nil {
			ks.logger.Warn("skipping signing key", "error", err)
			continue
		}
		keys[k.Kid] = pk
	}
	return keys, nil
}
