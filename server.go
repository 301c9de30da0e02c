// Package authproxy implements a multi-tenant authentication proxy. To its
// clients it is an OAuth 2.0 authorization server plus resource server;
// internally it authenticates users at an upstream OIDC provider, exchanges
// the resulting identity through an ID-JAG into an agent access token,
// brokers the user's vaulted downstream credential, and forwards requests
// to each tenant's backend.
package authproxy

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-auth-proxy/authn"
	"github.com/giantswarm/mcp-auth-proxy/idp"
	"github.com/giantswarm/mcp-auth-proxy/instrumentation"
	"github.com/giantswarm/mcp-auth-proxy/security"
	"github.com/giantswarm/mcp-auth-proxy/storage"
	"github.com/giantswarm/mcp-auth-proxy/tenant"
	"github.com/giantswarm/mcp-auth-proxy/vault"
)

// tokenTypeBearer is the token_type value the proxy issues.
const tokenTypeBearer = "Bearer"

// upstreamTimeout bounds IdP and vault calls.
const upstreamTimeout = 15 * time.Second

// Server implements the proxy logic. It coordinates the authorization flow
// across the tenant registry, the correlation store, and the IdP and vault
// clients. HTTP handling lives in Handler.
type Server struct {
	config  *Config
	tenants *tenant.Registry
	store   storage.Store

	authorizer  *authn.Authorizer
	idpClient   *idp.Client
	vaultClient *vault.Client

	auditor         *security.Auditor
	rateLimiter     *security.RateLimiter
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

// NewServer creates a proxy server.
func NewServer(config *Config, tenants *tenant.Registry, store storage.Store, logger *slog.Logger) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("config.BaseURL is required")
	}
	if tenants == nil {
		return nil, fmt.Errorf("tenant registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		if config.Logger != nil {
			logger = config.Logger
		} else {
			logger = slog.Default()
		}
	}

	applySecureDefaults(config, logger)

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: upstreamTimeout}
	}

	authorizer := authn.NewAuthorizer(authn.NewKeyCache(store, authn.WithKeyCacheLogger(logger)), logger)
	authorizer.ExpectedAudience = config.Security.ExpectedAudience
	authorizer.AllowAudiencePrefixMatch = config.Security.AllowAudiencePrefixMatch

	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("initializing instrumentation: %w", err)
	}

	s := &Server{
		config:  config,
		tenants: tenants,
		store:   store,

		authorizer:  authorizer,
		idpClient:   idp.NewClient(idp.WithHTTPClient(httpClient), idp.WithLogger(logger)),
		vaultClient: vault.NewClient(config.Vault, vault.WithHTTPClient(httpClient), vault.WithLogger(logger)),

		auditor:         security.NewAuditor(logger, config.Security.EnableAuditLogging),
		instrumentation: inst,
		logger:          logger,
	}

	if config.RateLimit.Rate > 0 {
		s.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}

	return s, nil
}

// applySecureDefaults fills zero values with secure defaults.
func applySecureDefaults(config *Config, logger *slog.Logger) {
	if config.Security.TrustedProxyCount == 0 {
		config.Security.TrustedProxyCount = 1
	}
	if config.RateLimit.Rate > 0 && config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = config.RateLimit.Rate * 2
	}
	if config.Registration.ClientID == "" {
		config.Registration.ClientID = "mcp-auth-proxy-client"
	}
	if config.Security.TrustProxy {
		logger.Warn("trusting proxy headers for client IP extraction",
			"trusted_proxy_count", config.Security.TrustedProxyCount)
	}
	if config.Security.AllowAudiencePrefixMatch {
		logger.Warn("audience prefix matching enabled; equality is the safer default")
	}
}

// SetInstrumentation installs metrics and tracing, propagating to the
// store when it supports it.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.instrumentation = inst

	type instrumentable interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.store.(instrumentable); ok {
		setter.SetInstrumentation(inst)
	}
}

// SetAuditor replaces the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	if aud != nil {
		s.auditor = aud
	}
}

// SetRateLimiter replaces the rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.rateLimiter = rl
}

// Stop releases background resources.
func (s *Server) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.instrumentation.Metrics()
}

// randomToken returns n random bytes base64url-encoded without padding.
// Used for outbound states, nonces, and return codes.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// validatePKCE checks a code_verifier against the challenge captured at
// /authorize. Only S256 is accepted.
func validatePKCE(verifier, challenge, method string) *OAuthError {
	if challenge == "" || method == "" {
		return ErrInvalidGrant("authorization request carried no PKCE challenge")
	}
	if method != "S256" {
		return ErrInvalidGrant(fmt.Sprintf("unsupported code_challenge_method %q", method))
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return ErrInvalidGrant("code_verifier length out of range")
	}
	for _, r := range verifier {
		if !isVerifierChar(r) {
			return ErrInvalidGrant("code_verifier contains invalid characters")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrInvalidGrant("code_verifier does not match code_challenge")
	}
	return nil
}

// isVerifierChar reports whether r is in the RFC 7636 unreserved set.
func isVerifierChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '.', r == '_', r == '~':
		return true
	}
	return false
}

// authenticateStaticClient verifies a confidential client secret against
// the configured bcrypt hashes. Clients not in the static list are treated
// as public and must not send a secret.
func (s *Server) authenticateStaticClient(clientID, secret string) *OAuthError {
	for _, sc := range s.config.StaticClients {
		if sc.ClientID != clientID {
			continue
		}
		if secret == "" {
			return ErrInvalidClient("client authentication required")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(sc.SecretHash), []byte(secret)); err != nil {
			return ErrInvalidClient("invalid client credentials")
		}
		return nil
	}
	if secret != "" {
		return ErrInvalidClient("unknown confidential client")
	}
	return nil
}
