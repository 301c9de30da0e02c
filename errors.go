package authproxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/mcp-auth-proxy/upstream"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidState         = "invalid_state"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeLinkingRequired      = "linking_required"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the return code is invalid, expired, or replayed
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidState indicates the correlation state is absent or expired
	ErrInvalidState = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidState, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the upstream or vault refused the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrTenantNotFound indicates the tenant id resolves to nothing
	ErrTenantNotFound = func(tenantID string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, fmt.Sprintf("unknown tenant %q", tenantID), http.StatusNotFound)
	}
)

// mapUpstreamError converts a failed upstream call into the OAuth error the
// proxy answers with: the upstream's own status and code when it responded,
// 504 on timeout, 502 when unreachable, 500 otherwise.
func mapUpstreamError(err error) *OAuthError {
	status := upstream.GatewayStatus(err)
	code := ErrorCodeServerError
	description := "upstream request failed"

	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		if uerr.Code != "" {
			code = uerr.Code
		}
		if uerr.Description != "" {
			description = uerr.Description
		}
	} else if status == http.StatusBadGateway || status == http.StatusGatewayTimeout {
		description = "upstream unreachable"
	}

	return NewOAuthError(code, description, status)
}
