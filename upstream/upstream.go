// Package upstream holds the plumbing shared by the proxy's outbound
// clients: the typed error for IdP and vault failures, gateway status
// mapping, and token endpoint request helpers.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Error reports a failed call to an upstream authorization server or the
// token vault. Code and Description carry the OAuth error body when the
// upstream sent one.
type Error struct {
	Status      int
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s (%s)", e.Status, e.Code, e.Description)
}

// GatewayStatus maps an outbound failure to the status the proxy should
// answer with: the upstream's own status when it responded, 504 on
// timeout, 502 when it was unreachable.
func GatewayStatus(err error) int {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return http.StatusGatewayTimeout
	}
	if errors.As(err, new(*url.Error)) || errors.As(err, new(*net.OpError)) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// TokenResponse is the common shape of OAuth token endpoint responses.
// Exchange-style responses put the issued token in access_token regardless
// of its actual type.
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
	TokenType       string `json:"token_type,omitempty"`
	Scope           string `json:"scope,omitempty"`
	ExpiresIn       int64  `json:"expires_in,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
}

// oauthErrorBody is the RFC 6749 error response shape.
type oauthErrorBody struct {
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// maxErrorBody caps how much of an upstream error response gets read.
const maxErrorBody = 64 * 1024

// PostForm sends a form-urlencoded POST to endpoint and decodes the token
// response. Non-2xx responses become a *Error carrying the upstream's
// OAuth error body when it could be parsed.
func PostForm(ctx context.Context, client *http.Client, endpoint string, values url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return do(client, req)
}

// PostJSON sends a JSON POST to endpoint, optionally with a bearer token,
// and decodes the response into out. Non-2xx responses become a *Error.
func PostJSON(ctx context.Context, client *http.Client, endpoint, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}
	return nil
}

func do(client *http.Client, req *http.Request) (*TokenResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorFromResponse(resp)
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", req.URL, err)
	}
	return &tr, nil
}

func errorFromResponse(resp *http.Response) error {
	uerr := &Error{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil {
		var body oauthErrorBody
		if json.Unmarshal(data, &body) == nil {
			uerr.Code = body.ErrorCode
			uerr.Description = body.ErrorDescription
		}
	}
	return uerr
}
