package authn

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-auth-proxy/internal/testutil"
	"github.com/giantswarm/mcp-auth-proxy/storage"
	"github.com/giantswarm/mcp-auth-proxy/storage/memory"
	"github.com/giantswarm/mcp-auth-proxy/tenant"
)

type authnFixture struct {
	key        *rsa.PrivateKey
	kid        string
	jwks       *httptest.Server
	jwksHits   atomic.Int64
	authorizer *Authorizer
	tenant     *tenant.TenantConfig
}

func newAuthnFixture(t *testing.T) *authnFixture {
	t.Helper()

	f := &authnFixture{
		key: testutil.GenerateRSAKey(t),
		kid: "test-key-1",
	}
	inner := testutil.JWKSHandler(&f.key.PublicKey, f.kid)
	f.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.jwksHits.Add(1)
		inner(w, r)
	}))
	t.Cleanup(f.jwks.Close)

	store := memory.New()
	t.Cleanup(store.Stop)

	f.tenant = &tenant.TenantConfig{
		ID:      "acme",
		Issuer:  "https://acme.okta.com",
		JWKSURL: f.jwks.URL,
	}
	f.authorizer = NewAuthorizer(NewKeyCache(store), nil)
	return f
}

func (f *authnFixture) request(t *testing.T, token string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/acme/resource", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthorizer_ValidToken(t *testing.T) {
	f := newAuthnFixture(t)

	token := testutil.SignToken(t, f.key, f.kid,
		testutil.BearerClaims(f.tenant.Issuer, "okta|user-1"))

	got, derr := f.authorizer.Authorize(context.Background(), f.tenant, f.request(t, token))
	if derr != nil {
		t.Fatalf("Authorize() error = %v", derr)
	}
	if got != token {
		t.Error("Authorize() should return the raw token string")
	}
}

func TestAuthorizer_KeyCacheAvoidsRefetch(t *testing.T) {
	f := newAuthnFixture(t)

	token := testutil.SignToken(t, f.key, f.kid,
		testutil.BearerClaims(f.tenant.Issuer, "okta|user-1"))

	for i := 0; i < 3; i++ {
		if _, derr := f.authorizer.Authorize(context.Background(), f.tenant, f.request(t, token)); derr != nil {
			t.Fatalf("Authorize() #%d error = %v", i, derr)
		}
	}
	if hits := f.jwksHits.Load(); hits != 1 {
		t.Errorf("JWKS endpoint hit %d times, want 1", hits)
	}
}

func TestAuthorizer_Denials(t *testing.T) {
	f := newAuthnFixture(t)

	expired := testutil.BearerClaims(f.tenant.Issuer, "okta|user-1")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	foreignIssuer := testutil.BearerClaims("https://evil.example.com", "okta|user-1")

	otherKey := testutil.GenerateRSAKey(t)

	tests := []struct {
		name       string
		authz      string
		wantStatus int
	}{
		{
			name:       "missing header",
			authz:      "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			authz:      "Basic dXNlcjpwYXNz",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "not a jwt",
			authz:      "Bearer not.a.token",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "issuer mismatch",
			authz:      "Bearer " + testutil.SignToken(t, f.key, f.kid, foreignIssuer),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "expired",
			authz:      "Bearer " + testutil.SignToken(t, f.key, f.kid, expired),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "signed with foreign key",
			authz: "Bearer " + testutil.SignToken(t, otherKey, f.kid,
				testutil.BearerClaims(f.tenant.Issuer, "okta|user-1")),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "unknown kid",
			authz: "Bearer " + testutil.SignToken(t, f.key, "unknown-kid",
				testutil.BearerClaims(f.tenant.Issuer, "okta|user-1")),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/acme/resource", nil)
			if tt.authz != "" {
				r.Header.Set("Authorization", tt.authz)
			}
			_, derr := f.authorizer.Authorize(context.Background(), f.tenant, r)
			if derr == nil {
				t.Fatal("Authorize() should deny")
			}
			if derr.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", derr.Status, tt.wantStatus, derr.Message)
			}
		})
	}
}

func TestAuthorizer_BearerSchemeCaseInsensitive(t *testing.T) {
	f := newAuthnFixture(t)

	token := testutil.SignToken(t, f.key, f.kid,
		testutil.BearerClaims(f.tenant.Issuer, "okta|user-1"))

	r := httptest.NewRequest(http.MethodGet, "/acme/resource", nil)
	r.Header.Set("Authorization", "bearer "+token)

	if _, derr := f.authorizer.Authorize(context.Background(), f.tenant, r); derr != nil {
		t.Errorf("Authorize() with lowercase scheme error = %v", derr)
	}
}

func TestAuthorizer_Audience(t *testing.T) {
	tests := []struct {
		name        string
		expected    string
		prefixMatch bool
		aud         any
		wantDenied  bool
	}{
		{
			name:     "exact match",
			expected: "api://default",
			aud:      "api://default",
		},
		{
			name:     "list membership",
			expected: "api://default",
			aud:      []string{"other", "api://default"},
		},
		{
			name:       "mismatch",
			expected:   "api://default",
			aud:        "api://other",
			wantDenied: true,
		},
		{
			name:       "prefix without opt-in",
			expected:   "api://default",
			aud:        "api://default/sub",
			wantDenied: true,
		},
		{
			name:        "prefix with opt-in",
			expected:    "api://default",
			prefixMatch: true,
			aud:         "api://default/sub",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthnFixture(t)
			f.authorizer.ExpectedAudience = tt.expected
			f.authorizer.AllowAudiencePrefixMatch = tt.prefixMatch

			claims := testutil.BearerClaims(f.tenant.Issuer, "okta|user-1")
			claims["aud"] = tt.aud
			token := testutil.SignToken(t, f.key, f.kid, claims)

			_, derr := f.authorizer.Authorize(context.Background(), f.tenant, f.request(t, token))
			if tt.wantDenied {
				if derr == nil || derr.Status != http.StatusForbidden {
					t.Errorf("Authorize() = %v, want 403", derr)
				}
				return
			}
			if derr != nil {
				t.Errorf("Authorize() error = %v", derr)
			}
		})
	}
}

func TestAuthorizer_ScopePolicy(t *testing.T) {
	f := newAuthnFixture(t)
	f.authorizer.CheckScope = func(method string, scopes []string) error {
		for _, s := range scopes {
			if s == "proxy:use" {
				return nil
			}
		}
		return fmt.Errorf("insufficient scope for %s", method)
	}

	claims := testutil.BearerClaims(f.tenant.Issuer, "okta|user-1")
	claims["scope"] = "openid proxy:use"
	token := testutil.SignToken(t, f.key, f.kid, claims)

	if _, derr := f.authorizer.Authorize(context.Background(), f.tenant, f.request(t, token)); derr != nil {
		t.Errorf("Authorize() with sufficient scope error = %v", derr)
	}

	claims["scope"] = "openid"
	token = testutil.SignToken(t, f.key, f.kid, claims)

	_, derr := f.authorizer.Authorize(context.Background(), f.tenant, f.request(t, token))
	if derr == nil || derr.Status != http.StatusForbidden {
		t.Errorf("Authorize() with insufficient scope = %v, want 403", derr)
	}
}

func TestKeyCache_FetchErrors(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	cache := NewKeyCache(store)

	t.Run("unreachable endpoint", func(t *testing.T) {
		_, err := cache.SigningKey(context.Background(), "http://127.0.0.1:1/keys", "kid")
		var fetchErr *KeyFetchError
		if !errors.As(err, &fetchErr) {
			t.Errorf("SigningKey() error = %T, want *KeyFetchError", err)
		}
	})

	t.Run("kid absent from document", func(t *testing.T) {
		key := testutil.GenerateRSAKey(t)
		srv := httptest.NewServer(testutil.JWKSHandler(&key.PublicKey, "published-kid"))
		defer srv.Close()

		_, err := cache.SigningKey(context.Background(), srv.URL, "other-kid")
		var notFound *KeyNotFoundError
		if !errors.As(err, &notFound) {
			t.Errorf("SigningKey() error = %T, want *KeyNotFoundError", err)
		}
	})

	t.Run("non-200 response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := cache.SigningKey(context.Background(), srv.URL, "kid")
		var fetchErr *KeyFetchError
		if !errors.As(err, &fetchErr) {
			t.Errorf("SigningKey() error = %T, want *KeyFetchError", err)
		}
	})
}

func TestKeyCache_ExpiredEntryRefetches(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	key := testutil.GenerateRSAKey(t)
	var hits atomic.Int64
	inner := testutil.JWKSHandler(&key.PublicKey, "kid-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		inner(w, r)
	}))
	defer srv.Close()

	// Seed the cache with an already-expired entry
	err := store.SaveSigningKey(context.Background(), &storage.SigningKey{
		JWKSURL:   srv.URL,
		Kid:       "kid-1",
		Key:       &key.PublicKey,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	cache := NewKeyCache(store)
	if _, err := cache.SigningKey(context.Background(), srv.URL, "kid-1"); err != nil {
		t.Fatalf("SigningKey() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("JWKS endpoint hit %d times, want 1 refetch", hits.Load())
	}
}
