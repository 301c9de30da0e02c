// Package vault implements the token vault client: exchanging an agent
// access token for a user's vaulted downstream credential, and driving the
// connected-accounts linking flow when the vault holds no credential yet.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-auth-proxy/tenant"
	"github.com/giantswarm/mcp-auth-proxy/upstream"
)

// Grant and token type identifiers for the federated-connection exchange.
const (
	GrantTypeFederatedConnectionTokenExchange = "urn:auth0:params:oauth:grant-type:token-exchange:federated-connection-access-token"
	GrantTypeTokenExchange                    = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeAccessToken                      = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeFederatedConnectionAccessToken   = "http://auth0.com/oauth/token-type/federated-connection-access-token"
)

// federatedRefreshTokenNotFound is the vault's error code for "no linked
// account for this connection". It is the only 401 that means the user has
// to link, not that the request was bad.
const federatedRefreshTokenNotFound = "federated_connection_refresh_token_not_found"

// connectedAccountsScope is required on the vault user token for the
// connected-accounts management endpoints.
const connectedAccountsScope = "create:me:connected_accounts read:me:connected_accounts delete:me:connected_accounts"

// ErrNeedsLinking reports that the vault has no credential for the user
// and connection; the user must complete the linking flow first.
var ErrNeedsLinking = errors.New("vault holds no credential for this connection; account linking required")

// Config locates and authenticates against the token vault.
type Config struct {
	// Domain is the vault's domain, e.g. "acme.us.auth0.com"
	Domain string

	// ExchangeClientID and ExchangeClientSecret authenticate the internal
	// token-exchange leg that turns an agent token into a vault user token
	ExchangeClientID     string
	ExchangeClientSecret string

	// ClientID and ClientSecret authenticate the federated-connection
	// grant that releases the downstream credential
	ClientID     string
	ClientSecret string

	// Audience and Scope of the vault-scoped token minted on the internal
	// exchange leg
	Audience string
	Scope    string

	// SubjectTokenType is the URI the vault expects for the agent token on
	// the internal exchange leg
	SubjectTokenType string
}

// Client talks to the token vault.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for all vault calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a vault client.
func NewClient(config Config, opts ...Option) *Client {
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// baseURL derives the vault base URL from the configured domain. A domain
// carrying an explicit scheme is used verbatim, which lets tests point at
// plain-HTTP fakes.
func (c *Client) baseURL() string {
	if strings.Contains(c.config.Domain, "://") {
		return strings.TrimSuffix(c.config.Domain, "/")
	}
	return "https://" + c.config.Domain
}

func (c *Client) tokenEndpoint() string {
	return c.baseURL() + "/oauth/token"
}

func (c *Client) meEndpoint(path string) string {
	return c.baseURL() + "/me/v1/connected-accounts/" + path
}

// Exchange trades the agent token for the user's vaulted credential for
// the tenant's connection. Returns ErrNeedsLinking when the vault has no
// credential for the user and connection.
func (c *Client) Exchange(ctx context.Context, agentToken string, tc *tenant.TenantConfig) (string, error) {
	vaultToken, err := c.userToken(ctx, agentToken, c.config.Scope, c.config.Audience)
	if err != nil {
		return "", err
	}

	values := url.Values{
		"grant_type":           {GrantTypeFederatedConnectionTokenExchange},
		"subject_token_type":   {TokenTypeAccessToken},
		"requested_token_type": {TokenTypeFederatedConnectionAccessToken},
		"subject_token":        {vaultToken},
		"connection":           {tc.VaultConnection},
		"client_id":            {c.config.ClientID},
		"client_secret":        {c.config.ClientSecret},
	}

	resp, err := upstream.PostForm(ctx, c.httpClient, c.tokenEndpoint(), values)
	if err != nil {
		var uerr *upstream.Error
		if errors.As(err, &uerr) &&
			uerr.Status == http.StatusUnauthorized &&
			uerr.Code == federatedRefreshTokenNotFound {
			c.logger.Info("vault has no credential for connection",
				"tenant", tc.ID, "connection", tc.VaultConnection)
			return "", ErrNeedsLinking
		}
		return "", err
	}
	if resp.AccessToken == "" {
		return "", &upstream.Error{
			Status:      http.StatusBadGateway,
			Code:        "invalid_response",
			Description: "vault exchange carried no token",
		}
	}
	return resp.AccessToken, nil
}

// LinkSessionInfo is what BeginLink returns: where to send the user, the
// vault's session handle, and the state to correlate the callback with.
type LinkSessionInfo struct {
	LinkURL     string
	AuthSession string
	State       string
}

// connectRequest is the connected-accounts connect call body.
type connectRequest struct {
	Connection  string   `json:"connection"`
	RedirectURI string   `json:"redirect_uri"`
	State       string   `json:"state"`
	Scopes      []string `json:"scopes,omitempty"`
}

type connectResponse struct {
	AuthSession   string `json:"auth_session"`
	ConnectURI    string `json:"connect_uri"`
	ConnectParams struct {
		Ticket string `json:"ticket"`
	} `json:"connect_params"`
}

// BeginLink starts a connected-accounts linking flow for the tenant's
// connection. It mints a connected-accounts user token, generates a fresh
// link state, and asks the vault for a connect ticket.
func (c *Client) BeginLink(ctx context.Context, agentToken string, tc *tenant.TenantConfig, redirectURI string) (*LinkSessionInfo, error) {
	userToken, err := c.userToken(ctx, agentToken, connectedAccountsScope, c.baseURL()+"/me/")
	if err != nil {
		return nil, err
	}

	linkState := oauth2.GenerateVerifier()

	req := connectRequest{
		Connection:  tc.VaultConnection,
		RedirectURI: redirectURI,
		State:       linkState,
		Scopes:      rewriteScopes(tc.ExternalScopes),
	}
	var resp connectResponse
	if err := upstream.PostJSON(ctx, c.httpClient, c.meEndpoint("connect"), userToken, req, &resp); err != nil {
		c.logger.Warn("connected-accounts connect failed",
			"tenant", tc.ID, "connection", tc.VaultConnection, "error", err)
		return nil, err
	}
	if resp.ConnectURI == "" || resp.ConnectParams.Ticket == "" {
		return nil, &upstream.Error{
			Status:      http.StatusBadGateway,
			Code:        "invalid_response",
			Description: "connect response carried no ticket",
		}
	}

	return &LinkSessionInfo{
		LinkURL:     resp.ConnectURI + "?ticket=" + url.QueryEscape(resp.ConnectParams.Ticket),
		AuthSession: resp.AuthSession,
		State:       linkState,
	}, nil
}

// completeRequest is the connected-accounts complete call body.
type completeRequest struct {
	AuthSession string `json:"auth_session"`
	ConnectCode string `json:"connect_code"`
	RedirectURI string `json:"redirect_uri"`
}

// CompleteLink finishes a linking flow with the code the link provider
// returned through the callback.
func (c *Client) CompleteLink(ctx context.Context, agentToken, authSession, connectCode, redirectURI string) error {
	userToken, err := c.userToken(ctx, agentToken, connectedAccountsScope, c.baseURL()+"/me/")
	if err != nil {
		return err
	}

	req := completeRequest{
		AuthSession: authSession,
		ConnectCode: connectCode,
		RedirectURI: redirectURI,
	}
	if err := upstream.PostJSON(ctx, c.httpClient, c.meEndpoint("complete"), userToken, req, nil); err != nil {
		c.logger.Warn("connected-accounts complete failed", "error", err)
		return err
	}
	return nil
}

// userToken performs the internal token exchange that turns the agent
// token into a vault user token with the given scope and audience.
func (c *Client) userToken(ctx context.Context, agentToken, scope, audience string) (string, error) {
	values := url.Values{
		"grant_type":         {GrantTypeTokenExchange},
		"subject_token":      {agentToken},
		"subject_token_type": {c.config.SubjectTokenType},
		"audience":           {audience},
		"scope":              {scope},
		"client_id":          {c.config.ExchangeClientID},
		"client_secret":      {c.config.ExchangeClientSecret},
	}

	resp, err := upstream.PostForm(ctx, c.httpClient, c.tokenEndpoint(), values)
	if err != nil {
		return "", fmt.Errorf("vault token exchange: %w", err)
	}
	if resp.AccessToken == "" {
		return "", &upstream.Error{
			Status:      http.StatusBadGateway,
			Code:        "invalid_response",
			Description: "vault token exchange carried no token",
		}
	}
	return resp.AccessToken, nil
}

// rewriteScopes substitutes the refresh_token placeholder with the
// offline_access scope the vault understands.
func rewriteScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	out := make([]string, len(scopes))
	for i, s := range scopes {
		if strings.EqualFold(s, "refresh_token") {
			out[i] = "offline_access"
			continue
		}
		out[i] = s
	}
	return out
}
