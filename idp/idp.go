// Package idp implements the proxy's exchanges with the upstream identity
// provider: completing the OIDC login, trading the ID token for an ID-JAG
// via RFC 8693 token exchange, and trading the ID-JAG for the agent access
// token via the RFC 7523 JWT-bearer grant. Both exchange legs authenticate
// with a private-key JWT client assertion.
package idp

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-auth-proxy/tenant"
	"github.com/giantswarm/mcp-auth-proxy/upstream"
)

// Grant type and token type identifiers used on the exchange legs.
const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	GrantTypeJWTBearer     = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	TokenTypeIDJAG   = "urn:ietf:params:oauth:token-type:id-jag"
	TokenTypeIDToken = "urn:ietf:params:oauth:token-type:id_token"

	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// clientAssertionLifetime is the validity window of a private-key JWT
// client assertion.
const clientAssertionLifetime = 5 * time.Minute

// AgentCredentials identifies the proxy's agent client at the upstream
// authorization server.
type AgentCredentials struct {
	ClientID       string
	PrivateKeyPath string
	Kid            string
}

// Client talks to the upstream identity provider.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for all IdP calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates an IdP client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompleteOIDCLogin redeems the authorization code from the IdP callback
// and returns the ID token. The client secret travels in the form body.
func (c *Client) CompleteOIDCLogin(ctx context.Context, tokenEndpoint, code, redirectURI string, scopes []string, clientID, clientSecret string) (string, error) {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return "", wrapOAuth2Error(err)
	}

	idToken, ok := token.Extra("id_token").(string)
	if !ok || idToken == "" {
		return "", &upstream.Error{
			Status:      http.StatusBadGateway,
			Code:        "invalid_response",
			Description: "token response carried no id_token",
		}
	}
	return idToken, nil
}

// IDTokenToIDJAG performs the RFC 8693 token exchange that turns the
// user's ID token into an identity-assertion JWT authorization grant
// audienced at the tenant's authorization server.
func (c *Client) IDTokenToIDJAG(ctx context.Context, tokenEndpoint string, tc *tenant.TenantConfig, idToken string, agent AgentCredentials) (string, error) {
	assertion, err := BuildClientAssertion(agent.ClientID, tokenEndpoint, agent.PrivateKeyPath, agent.Kid)
	if err != nil {
		return "", err
	}

	values := url.Values{
		"grant_type":            {GrantTypeTokenExchange},
		"requested_token_type":  {TokenTypeIDJAG},
		"audience":              {tc.Issuer},
		"scope":                 {tc.ExternalScope()},
		"subject_token_type":    {TokenTypeIDToken},
		"subject_token":         {idToken},
		"client_assertion_type": {ClientAssertionTypeJWTBearer},
		"client_assertion":      {assertion},
	}

	resp, err := upstream.PostForm(ctx, c.httpClient, tokenEndpoint, values)
	if err != nil {
		c.logger.Warn("id-jag exchange failed", "tenant", tc.ID, "error", err)
		return "", err
	}
	if resp.AccessToken == "" {
		return "", &upstream.Error{
			Status:      http.StatusBadGateway,
			Code:        "invalid_response",
			Description: "exchange response carried no token",
		}
	}
	return resp.AccessToken, nil
}

// IDJAGToAccessToken redeems the ID-JAG at the tenant's own token endpoint
// with the RFC 7523 JWT-bearer grant, yielding the agent access token.
func (c *Client) IDJAGToAccessToken(ctx context.Context, tc *tenant.TenantConfig, idJAG string, agent AgentCredentials) (*upstream.TokenResponse, error) {
	tokenEndpoint := strings.TrimSuffix(tc.Issuer, "/") + "/v1/token"

	assertion, err := BuildClientAssertion(agent.ClientID, tokenEndpoint, agent.PrivateKeyPath, agent.Kid)
	if err != nil {
		return nil, err
	}

	values := url.Values{
		"grant_type":            {GrantTypeJWTBearer},
		"assertion":             {idJAG},
		"client_assertion_type": {ClientAssertionTypeJWTBearer},
		"client_assertion":      {assertion},
	}

	resp, err := upstream.PostForm(ctx, c.httpClient, tokenEndpoint, values)
	if err != nil {
		c.logger.Warn("jwt-bearer grant failed", "tenant", tc.ID, "error", err)
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &upstream.Error{
			Status:      http.StatusBadGateway,
			Code:        "invalid_response",
			Description: "grant response carried no access token",
		}
	}
	return resp, nil
}

// BuildClientAssertion signs a private-key JWT client assertion: RS256,
// iss = sub = clientID, aud = tokenEndpoint, five minute lifetime, random
// jti, kid in the header.
func BuildClientAssertion(clientID, tokenEndpoint, privateKeyPath, kid string) (string, error) {
	key, err := loadPrivateKey(privateKeyPath)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{tokenEndpoint},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientAssertionLifetime)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return signed, nil
}

// loadPrivateKey reads an RSA private key in PKCS#8 or PKCS#1 PEM form.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key in %s is not RSA", path)
		}
		return rsaKey, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key format in %s", path)
}

// wrapOAuth2Error converts an oauth2 retrieve failure into the shared
// upstream error type, preserving the OAuth error body when present.
func wrapOAuth2Error(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := http.StatusBadGateway
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &upstream.Error{
			Status:      status,
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
		}
	}
	return err
}
