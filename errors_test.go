package authproxy

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/mcp-auth-proxy/upstream"
)

func TestOAuthError(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidGrant, "code already used", http.StatusBadRequest)
	if got, want := err.Error(), "invalid_grant: code already used"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid grant", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid state", ErrInvalidState("x"), ErrorCodeInvalidState, http.StatusBadRequest},
		{"unsupported grant", ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"server error", ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
		{"access denied", ErrAccessDenied("x"), ErrorCodeAccessDenied, http.StatusForbidden},
		{"tenant not found", ErrTenantNotFound("gh"), ErrorCodeInvalidRequest, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
		})
	}
}

func TestMapUpstreamError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "oauth error passes through",
			err:        &upstream.Error{Status: http.StatusBadRequest, Code: "invalid_grant", Description: "bad code"},
			wantCode:   "invalid_grant",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrapped oauth error unwraps",
			err:        fmt.Errorf("token exchange: %w", &upstream.Error{Status: http.StatusUnauthorized, Code: "invalid_client"}),
			wantCode:   "invalid_client",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "timeout maps to 504",
			err:        context.DeadlineExceeded,
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "unknown error maps to 500",
			err:        fmt.Errorf("boom"),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapUpstreamError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}
