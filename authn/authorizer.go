package authn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-auth-proxy/tenant"
)

// DeniedError reports a rejected bearer token with the HTTP status the
// caller should return. 401 covers parse, verification, and key-retrieval
// failures; 403 covers semantic mismatches against the tenant.
type DeniedError struct {
	Status  int
	Message string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied (%d): %s", e.Status, e.Message)
}

func unauthorized(message string) *DeniedError {
	return &DeniedError{Status: http.StatusUnauthorized, Message: message}
}

func forbidden(message string) *DeniedError {
	return &DeniedError{Status: http.StatusForbidden, Message: message}
}

// ScopePolicy decides whether a token's scopes suffice for an HTTP method.
// A nil return allows the request.
type ScopePolicy func(method string, scopes []string) error

// Authorizer validates inbound bearer tokens against a tenant's issuer.
type Authorizer struct {
	keys *KeyCache

	// ExpectedAudience, when set, must appear in the token's aud claim.
	ExpectedAudience string

	// AllowAudiencePrefixMatch additionally accepts aud values that the
	// expected audience is a prefix of. Off unless explicitly enabled.
	AllowAudiencePrefixMatch bool

	// CheckScope is consulted after signature verification. Nil allows
	// all scopes.
	CheckScope ScopePolicy

	logger *slog.Logger
}

// NewAuthorizer creates an authorizer using the given key cache.
func NewAuthorizer(keys *KeyCache, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{keys: keys, logger: logger}
}

// Authorize validates the Authorization header of r for the given tenant
// and returns the raw token string on success.
func (a *Authorizer) Authorize(ctx context.Context, tc *tenant.TenantConfig, r *http.Request) (string, *DeniedError) {
	raw, derr := extractBearer(r.Header.Get("Authorization"))
	if derr != nil {
		return "", derr
	}

	kid, iss, derr := peekHeader(raw)
	if derr != nil {
		return "", derr
	}

	if iss != tc.Issuer {
		a.logger.Warn("inbound token issuer mismatch",
			"tenant", tc.ID, "token_issuer", iss)
		return "", forbidden("token issuer does not match tenant")
	}

	key, err := a.keys.SigningKey(ctx, tc.JWKSURL, kid)
	if err != nil {
		a.logger.Warn("signing key retrieval failed",
			"tenant", tc.ID, "kid", kid, "error", err)
		return "", unauthorized("unable to verify token signature")
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return "", unauthorized("invalid token")
	}

	if a.ExpectedAudience != "" {
		aud, _ := claims.GetAudience()
		if !a.audienceMatches(aud) {
			a.logger.Warn("inbound token audience mismatch",
				"tenant", tc.ID, "expected", a.ExpectedAudience)
			return "", forbidden("token audience does not match")
		}
	}

	if a.CheckScope != nil {
		if err := a.CheckScope(r.Method, tokenScopes(claims)); err != nil {
			return "", forbidden(err.Error())
		}
	}

	return raw, nil
}

// extractBearer parses an Authorization header value. The scheme is
// matched case-insensitively per RFC 9110.
func extractBearer(header string) (string, *DeniedError) {
	if header == "" {
		return "", unauthorized("missing Authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", unauthorized("malformed Authorization header")
	}
	return parts[1], nil
}

// peekHeader decodes the token's header and claims without verification to
// extract kid and iss. Both are required to pick the verification key and
// the tenant check before any cryptography happens.
func peekHeader(raw string) (kid, iss string, derr *DeniedError) {
	claims := jwt.MapClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return "", "", unauthorized("malformed token")
	}

	kid, _ = token.Header["kid"].(string)
	if kid == "" {
		return "", "", unauthorized("token has no kid")
	}

	iss, err = claims.GetIssuer()
	if err != nil || iss == "" {
		return "", "", unauthorized("token has no issuer")
	}
	return kid, iss, nil
}

func (a *Authorizer) audienceMatches(aud jwt.ClaimStrings) bool {
	for _, value := range aud {
		if value == a.ExpectedAudience {
			return true
		}
		if a.AllowAudiencePrefixMatch && strings.HasPrefix(value, a.ExpectedAudience) {
			return true
		}
	}
	return false
}

// tokenScopes extracts the scope claim as a list. Both the space-separated
// "scope" string and the array-valued "scp" form are understood.
func tokenScopes(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	if list, ok := claims["scp"].([]any); ok {
		scopes := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}
