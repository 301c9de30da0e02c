// Package authn validates inbound bearer tokens against a tenant's upstream
// authorization server. It fetches RS256 verification keys from the tenant's
// JWKS endpoint, caching them through a storage.KeyStore, and enforces
// issuer and optional audience constraints.
package authn

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-auth-proxy/storage"
)

// jwksFetchTimeout bounds a single JWKS document fetch.
const jwksFetchTimeout = 5 * time.Second

// KeyFetchError indicates the JWKS document could not be retrieved or parsed.
type KeyFetchError struct {
	URL string
	Err error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("fetching JWKS from %s: %v", e.URL, e.Err)
}

func (e *KeyFetchError) Unwrap() error { return e.Err }

// KeyNotFoundError indicates the JWKS document has no entry for the kid.
type KeyNotFoundError struct {
	URL string
	Kid string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("no key with kid %q at %s", e.Kid, e.URL)
}

// jwk is the subset of RFC 7517 needed for RS256 verification keys.
type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// KeyCache resolves (jwksURL, kid) pairs to RSA public keys, caching
// results in a storage.KeyStore for storage.DefaultKeyTTL.
type KeyCache struct {
	store  storage.KeyStore
	client *http.Client
	logger *slog.Logger
}

// KeyCacheOption configures a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithHTTPClient overrides the HTTP client used for JWKS fetches.
func WithHTTPClient(client *http.Client) KeyCacheOption {
	return func(c *KeyCache) { c.client = client }
}

// WithKeyCacheLogger sets the logger.
func WithKeyCacheLogger(logger *slog.Logger) KeyCacheOption {
	return func(c *KeyCache) { c.logger = logger }
}

// NewKeyCache creates a key cache backed by the given store.
func NewKeyCache(store storage.KeyStore, opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		store:  store,
		client: &http.Client{Timeout: jwksFetchTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SigningKey returns the RSA public key for kid as published at jwksURL.
// Cache hits avoid the network entirely; misses and expired entries trigger
// a fresh fetch of the whole document.
func (c *KeyCache) SigningKey(ctx context.Context, jwksURL, kid string) (*rsa.PublicKey, error) {
	cached, err := c.store.GetSigningKey(ctx, jwksURL, kid)
	if err == nil {
		return cached.Key, nil
	}
	if !errors.Is(err, storage.ErrKeyNotFound) && !errors.Is(err, storage.ErrEntryExpired) {
		return nil, err
	}

	key, err := c.fetchKey(ctx, jwksURL, kid)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entry := &storage.SigningKey{
		JWKSURL:   jwksURL,
		Kid:       kid,
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(storage.DefaultKeyTTL),
	}
	if err := c.store.SaveSigningKey(ctx, entry); err != nil {
		c.logger.Warn("failed to cache signing key", "jwks_url", jwksURL, "kid", kid, "error", err)
	}
	return key, nil
}

func (c *KeyCache) fetchKey(ctx context.Context, jwksURL, kid string) (*rsa.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, &KeyFetchError{URL: jwksURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &KeyFetchError{URL: jwksURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &KeyFetchError{URL: jwksURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var doc jwks
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &KeyFetchError{URL: jwksURL, Err: err}
	}

	for i := range doc.Keys {
		if doc.Keys[i].Kid == kid {
			key, err := doc.Keys[i].publicKey()
			if err != nil {
				return nil, &KeyFetchError{URL: jwksURL, Err: err}
			}
			return key, nil
		}
	}
	return nil, &KeyNotFoundError{URL: jwksURL, Kid: kid}
}

// publicKey converts an RSA JWK into an *rsa.PublicKey.
func (k *jwk) publicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q for kid %q", k.Kty, k.Kid)
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus for kid %q: %w", k.Kid, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent for kid %q: %w", k.Kid, err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("invalid exponent for kid %q", k.Kid)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
