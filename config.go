package authproxy

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/giantswarm/mcp-auth-proxy/idp"
	"github.com/giantswarm/mcp-auth-proxy/vault"
)

// DefaultVaultSubjectTokenType is the URI presented as subject_token_type
// on the vault's internal token-exchange leg. It must match the token type
// the vault's custom token-exchange profile is configured to accept.
const DefaultVaultSubjectTokenType = "urn:mcp-auth-proxy:params:oauth:token-type:agent-token"

// Config holds the proxy configuration
type Config struct {
	// BaseURL is the proxy's externally visible base URL, used to build
	// redirect URIs and metadata documents
	BaseURL string

	// Port the HTTP server listens on
	Port string

	// IdPDomain is the upstream identity provider's domain (e.g.
	// "acme.okta.com"). A value carrying an explicit scheme is used
	// verbatim, which lets tests point at plain-HTTP fakes.
	IdPDomain string

	// OIDC holds the client the proxy uses for the upstream login
	OIDC OIDCConfig

	// Agent identifies the proxy's agent client for the exchange legs
	Agent idp.AgentCredentials

	// Vault locates and authenticates against the token vault
	Vault vault.Config

	// TenantConfigPath is the JSON tenant file location
	TenantConfigPath string

	// Registration is the fixed record served at /register
	Registration RegistrationConfig

	// StaticClients are confidential clients that may authenticate at
	// /token with a secret
	StaticClients []StaticClient

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for upstream requests.
	// If not provided, a default with sane timeouts is used.
	HTTPClient *http.Client
}

// OIDCConfig holds the upstream OIDC login client
type OIDCConfig struct {
	// ClientID and ClientSecret of the proxy's OIDC client at the IdP
	ClientID     string
	ClientSecret string

	// Scopes requested on the login redirect. Default: openid profile.
	Scopes []string
}

// RegistrationConfig shapes the fixed RFC 7591 record served at /register
type RegistrationConfig struct {
	// ClientID returned to registering clients
	ClientID string

	// RedirectURIs preconfigured for registered clients
	RedirectURIs []string
}

// StaticClient is a confidential client known ahead of time
type StaticClient struct {
	ClientID string

	// SecretHash is the bcrypt hash of the client secret
	SecretHash string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of this server
	TrustedProxyCount int

	// ExpectedAudience, when set, must appear in inbound token aud claims
	ExpectedAudience string

	// AllowAudiencePrefixMatch additionally accepts aud values the
	// expected audience is a prefix of.
	// WARNING: laxer than equality. Only enable for upstreams that mint
	// path-suffixed audiences.
	AllowAudiencePrefixMatch bool

	// EnableAuditLogging enables security audit logging.
	// Logs flow events, link events, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// idpBaseURL derives the IdP base URL from the configured domain.
func (c *Config) idpBaseURL() string {
	if strings.Contains(c.IdPDomain, "://") {
		return strings.TrimSuffix(c.IdPDomain, "/")
	}
	return "https://" + c.IdPDomain
}

// IdPAuthorizeEndpoint is where login redirects go.
func (c *Config) IdPAuthorizeEndpoint() string {
	return c.idpBaseURL() + "/oauth2/v1/authorize"
}

// IdPTokenEndpoint is where the code exchange and the ID-JAG exchange go.
func (c *Config) IdPTokenEndpoint() string {
	return c.idpBaseURL() + "/oauth2/v1/token"
}

// CallbackURL is the redirect URI registered at the IdP.
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/callback"
}

// LinkCallbackURL is the redirect URI registered at the vault for
// connected-accounts linking.
func (c *Config) LinkCallbackURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/connected_account_callback"
}

// OIDCScopes returns the configured login scopes or the default.
func (c *Config) OIDCScopes() []string {
	if len(c.OIDC.Scopes) > 0 {
		return c.OIDC.Scopes
	}
	return []string{"openid", "profile"}
}

// LoadFromEnv builds a Config from the process environment.
func LoadFromEnv() *Config {
	return &Config{
		BaseURL:   os.Getenv("PROXY_BASE_URL"),
		Port:      envOr("PORT", "8080"),
		IdPDomain: os.Getenv("OKTA_DOMAIN"),
		OIDC: OIDCConfig{
			ClientID:     os.Getenv("VSCODE_CLIENT"),
			ClientSecret: os.Getenv("VSCODE_SECRET"),
		},
		Agent: idp.AgentCredentials{
			ClientID:       os.Getenv("AGENT_CLIENT_ID"),
			PrivateKeyPath: os.Getenv("AGENT_PRIVATE_KEY_PATH"),
			Kid:            os.Getenv("AGENT_PRIVATE_KEY_ID"),
		},
		Vault: vault.Config{
			Domain:               os.Getenv("AUTH0_DOMAIN"),
			ExchangeClientID:     os.Getenv("AUTH0_CTE_CLIENT_ID"),
			ExchangeClientSecret: os.Getenv("AUTH0_CTE_CLIENT_SECRET"),
			ClientID:             os.Getenv("AUTH0_VAULT_CLIENT_ID"),
			ClientSecret:         os.Getenv("AUTH0_VAULT_CLIENT_SECRET"),
			Audience:             os.Getenv("AUTH0_VAULT_AUDIENCE"),
			Scope:                os.Getenv("AUTH0_VAULT_SCOPE"),
			SubjectTokenType:     envOr("AUTH0_VAULT_SUBJECT_TOKEN_TYPE", DefaultVaultSubjectTokenType),
		},
		TenantConfigPath: envOr("CONFIG_PATH", "tenants.json"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
