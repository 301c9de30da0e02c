package memory

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-auth-proxy/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func testAuthorizeState(outboundState string, ttl time.Duration) *storage.AuthorizeState {
	now := time.Now()
	return &storage.AuthorizeState{
		OutboundState:       outboundState,
		Tenant:              "acme",
		ClientID:            "client-1",
		ClientState:         "client-state-xyz",
		RedirectURI:         "https://client.example.com/callback",
		Scope:               "openid email",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		Nonce:               "nonce-123",
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
}

func TestStore_AuthorizeStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := testAuthorizeState("outbound-1", storage.DefaultStateTTL)
	if err := s.SaveAuthorizeState(ctx, state); err != nil {
		t.Fatalf("SaveAuthorizeState() error = %v", err)
	}

	got, err := s.GetAuthorizeState(ctx, "outbound-1")
	if err != nil {
		t.Fatalf("GetAuthorizeState() error = %v", err)
	}
	if got.ClientID != "client-1" || got.ClientState != "client-state-xyz" {
		t.Errorf("GetAuthorizeState() = %+v, want saved state", got)
	}

	// Returned value is a copy; mutating it must not affect the store
	got.ClientID = "mutated"
	got2, err := s.GetAuthorizeState(ctx, "outbound-1")
	if err != nil {
		t.Fatalf("GetAuthorizeState() second read error = %v", err)
	}
	if got2.ClientID != "client-1" {
		t.Error("stored state was mutated through the returned copy")
	}

	if err := s.DeleteAuthorizeState(ctx, "outbound-1"); err != nil {
		t.Fatalf("DeleteAuthorizeState() error = %v", err)
	}
	if _, err := s.GetAuthorizeState(ctx, "outbound-1"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("GetAuthorizeState() after delete error = %v, want ErrStateNotFound", err)
	}
}

func TestStore_AuthorizeStateValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizeState(ctx, nil); err == nil {
		t.Error("SaveAuthorizeState(nil) should fail")
	}
	if err := s.SaveAuthorizeState(ctx, &storage.AuthorizeState{}); err == nil {
		t.Error("SaveAuthorizeState() with empty key should fail")
	}
}

func TestStore_AuthorizeStateExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Already past the clock skew grace period
	state := testAuthorizeState("outbound-expired", -time.Minute)
	if err := s.SaveAuthorizeState(ctx, state); err != nil {
		t.Fatalf("SaveAuthorizeState() error = %v", err)
	}

	if _, err := s.GetAuthorizeState(ctx, "outbound-expired"); !errors.Is(err, storage.ErrEntryExpired) {
		t.Errorf("GetAuthorizeState() error = %v, want ErrEntryExpired", err)
	}

	// Expired entry was evicted on read
	if _, err := s.GetAuthorizeState(ctx, "outbound-expired"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("GetAuthorizeState() after eviction error = %v, want ErrStateNotFound", err)
	}
}

func TestStore_LinkSessionTake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	session := &storage.LinkSession{
		LinkState:  "link-1",
		Tenant:     "acme",
		Subject:    "okta|user-1",
		Connection: "google-oauth2",
		AgentToken: "agent-token-value",
		ClientID:   "client-1",
		CreatedAt:  now,
		ExpiresAt:  now.Add(storage.DefaultStateTTL),
	}
	if err := s.SaveLinkSession(ctx, session); err != nil {
		t.Fatalf("SaveLinkSession() error = %v", err)
	}

	got, err := s.TakeLinkSession(ctx, "link-1")
	if err != nil {
		t.Fatalf("TakeLinkSession() error = %v", err)
	}
	if got.AgentToken != "agent-token-value" {
		t.Errorf("TakeLinkSession() AgentToken = %q, want staged token", got.AgentToken)
	}

	// Second take must fail: link callbacks are single-use
	if _, err := s.TakeLinkSession(ctx, "link-1"); !errors.Is(err, storage.ErrLinkSessionNotFound) {
		t.Errorf("second TakeLinkSession() error = %v, want ErrLinkSessionNotFound", err)
	}
}

func TestStore_LinkSessionExpiredTake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := &storage.LinkSession{
		LinkState: "link-expired",
		Tenant:    "acme",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.SaveLinkSession(ctx, session); err != nil {
		t.Fatalf("SaveLinkSession() error = %v", err)
	}

	if _, err := s.TakeLinkSession(ctx, "link-expired"); !errors.Is(err, storage.ErrEntryExpired) {
		t.Errorf("TakeLinkSession() error = %v, want ErrEntryExpired", err)
	}
	// Expired entry was consumed by the failed take
	if _, err := s.TakeLinkSession(ctx, "link-expired"); !errors.Is(err, storage.ErrLinkSessionNotFound) {
		t.Errorf("TakeLinkSession() after expiry error = %v, want ErrLinkSessionNotFound", err)
	}
}

func TestStore_ReturnCodeSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	rc := &storage.ReturnCode{
		Code:                "code-1",
		Tenant:              "acme",
		ClientID:            "client-1",
		Subject:             "okta|user-1",
		RedirectURI:         "https://client.example.com/callback",
		Scope:               "openid",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		AgentToken:          "agent-token",
		CreatedAt:           now,
		ExpiresAt:           now.Add(storage.DefaultStateTTL),
	}
	if err := s.SaveReturnCode(ctx, rc); err != nil {
		t.Fatalf("SaveReturnCode() error = %v", err)
	}

	got, err := s.TakeReturnCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("TakeReturnCode() error = %v", err)
	}
	if got.AgentToken != "agent-token" {
		t.Errorf("TakeReturnCode() AgentToken = %q", got.AgentToken)
	}

	if _, err := s.TakeReturnCode(ctx, "code-1"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("replayed TakeReturnCode() error = %v, want ErrCodeNotFound", err)
	}
}

func TestStore_ReturnCodeConcurrentTake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rc := &storage.ReturnCode{
		Code:      "code-concurrent",
		Tenant:    "acme",
		ExpiresAt: time.Now().Add(storage.DefaultStateTTL),
	}
	if err := s.SaveReturnCode(ctx, rc); err != nil {
		t.Fatalf("SaveReturnCode() error = %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TakeReturnCode(ctx, "code-concurrent"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("concurrent TakeReturnCode() successes = %d, want exactly 1", successes)
	}
}

func TestStore_SigningKeyCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}

	now := time.Now()
	key := &storage.SigningKey{
		JWKSURL:   "https://acme.okta.com/oauth2/v1/keys",
		Kid:       "key-1",
		Key:       &priv.PublicKey,
		CreatedAt: now,
		ExpiresAt: now.Add(storage.DefaultKeyTTL),
	}
	if err := s.SaveSigningKey(ctx, key); err != nil {
		t.Fatalf("SaveSigningKey() error = %v", err)
	}

	got, err := s.GetSigningKey(ctx, "https://acme.okta.com/oauth2/v1/keys", "key-1")
	if err != nil {
		t.Fatalf("GetSigningKey() error = %v", err)
	}
	if got.Key.N.Cmp(priv.PublicKey.N) != 0 {
		t.Error("GetSigningKey() returned a different key")
	}

	// Same kid under a different JWKS URL is a distinct entry
	if _, err := s.GetSigningKey(ctx, "https://other.okta.com/oauth2/v1/keys", "key-1"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("GetSigningKey() foreign URL error = %v, want ErrKeyNotFound", err)
	}
}

func TestStore_SigningKeyExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}

	key := &storage.SigningKey{
		JWKSURL:   "https://acme.okta.com/oauth2/v1/keys",
		Kid:       "stale",
		Key:       &priv.PublicKey,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.SaveSigningKey(ctx, key); err != nil {
		t.Fatalf("SaveSigningKey() error = %v", err)
	}

	if _, err := s.GetSigningKey(ctx, key.JWKSURL, "stale"); !errors.Is(err, storage.ErrEntryExpired) {
		t.Errorf("GetSigningKey() error = %v, want ErrEntryExpired", err)
	}
	if _, err := s.GetSigningKey(ctx, key.JWKSURL, "stale"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("GetSigningKey() after eviction error = %v, want ErrKeyNotFound", err)
	}
}

func TestStore_CleanupSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Minute)
	live := time.Now().Add(storage.DefaultStateTTL)

	if err := s.SaveAuthorizeState(ctx, testAuthorizeState("stale", -time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAuthorizeState(ctx, testAuthorizeState("fresh", storage.DefaultStateTTL)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveLinkSession(ctx, &storage.LinkSession{LinkState: "stale-link", ExpiresAt: expired}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReturnCode(ctx, &storage.ReturnCode{Code: "stale-code", ExpiresAt: expired}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReturnCode(ctx, &storage.ReturnCode{Code: "fresh-code", ExpiresAt: live}); err != nil {
		t.Fatal(err)
	}

	s.cleanup()

	if _, err := s.GetAuthorizeState(ctx, "stale"); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("expired state survived cleanup: %v", err)
	}
	if _, err := s.GetAuthorizeState(ctx, "fresh"); err != nil {
		t.Errorf("live state removed by cleanup: %v", err)
	}
	if _, err := s.TakeLinkSession(ctx, "stale-link"); !errors.Is(err, storage.ErrLinkSessionNotFound) {
		t.Errorf("expired link session survived cleanup: %v", err)
	}
	if _, err := s.TakeReturnCode(ctx, "stale-code"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("expired return code survived cleanup: %v", err)
	}
	if _, err := s.TakeReturnCode(ctx, "fresh-code"); err != nil {
		t.Errorf("live return code removed by cleanup: %v", err)
	}
}

func TestStore_StopIsIdempotent(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
}
