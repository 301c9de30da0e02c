package authproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/mcp-auth-proxy/instrumentation"
	"github.com/giantswarm/mcp-auth-proxy/security"
	"github.com/giantswarm/mcp-auth-proxy/tenant"
	"github.com/giantswarm/mcp-auth-proxy/upstream"
	"github.com/giantswarm/mcp-auth-proxy/vault"
)

// forwardTimeout bounds the whole backend round trip, including any vault
// exchange preceding it.
const forwardTimeout = 30 * time.Second

// Response headers relayed from the backend. Everything else is dropped so
// backend hop-by-hop and auth headers never leak to the client.
var forwardedResponseHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

// methodsWithBody lists the methods whose request body is streamed to the
// backend.
var methodsWithBody = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// ServeProxy authenticates a tenant request, brokers the downstream
// credential when the tenant has a vault connection, and relays the request
// to the tenant backend.
func (h *Handler) ServeProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()
	ctx, span := h.tracer.Start(ctx, "http.forward")
	defer span.End()

	tenantID := r.PathValue("tenant")
	tc := h.server.tenants.Lookup(tenantID)
	if tc == nil {
		h.writeProxyError(w, http.StatusNotFound, "not_found",
			fmt.Sprintf("unknown tenant %q", tenantID), "")
		h.server.metrics().RecordForwardedRequest(ctx, tenantID, http.StatusNotFound, float64(time.Since(start).Milliseconds()))
		return
	}
	instrumentation.AddFlowAttributes(span, tc.ID, "", "")

	agentToken, denied := h.server.authorizer.Authorize(ctx, tc, r)
	if denied != nil {
		instrumentation.SetSpanError(span, denied.Message)
		h.server.auditor.LogAuthFailure(tc.ID, h.clientIP(r), denied.Message)
		h.writeProxyError(w, denied.Status, deniedCode(denied.Status), denied.Message, tc.ID)
		h.server.metrics().RecordForwardedRequest(ctx, tc.ID, denied.Status, float64(time.Since(start).Milliseconds()))
		return
	}

	bearer := agentToken
	if tc.VaultConnection != "" {
		downstream, err := h.server.vaultClient.Exchange(ctx, agentToken, tc)
		switch {
		case err == nil:
			bearer = downstream
		case errors.Is(err, vault.ErrNeedsLinking):
			instrumentation.SetSpanError(span, "linking_required")
			h.writeProxyError(w, http.StatusUnauthorized, ErrorCodeLinkingRequired,
				"Account linking required", tc.ID)
			h.server.metrics().RecordForwardedRequest(ctx, tc.ID, http.StatusUnauthorized, float64(time.Since(start).Milliseconds()))
			return
		default:
			h.logger.Error("vault exchange failed", "tenant", tc.ID, "error", err)
			instrumentation.SetSpanError(span, "vault_exchange_failed")
			h.writeProxyError(w, http.StatusForbidden, ErrorCodeAccessDenied,
				"failed to obtain downstream credentials", tc.ID)
			h.server.metrics().RecordForwardedRequest(ctx, tc.ID, http.StatusForbidden, float64(time.Since(start).Milliseconds()))
			return
		}
	}

	status := h.relay(ctx, w, r, tc, bearer)
	if status < http.StatusBadRequest {
		instrumentation.SetSpanSuccess(span)
	}
	h.server.metrics().RecordForwardedRequest(ctx, tc.ID, status, float64(time.Since(start).Milliseconds()))
}

// relay performs the backend round trip and writes the response. Returns the
// status written to the client.
func (h *Handler) relay(ctx context.Context, w http.ResponseWriter, r *http.Request, tc *tenant.TenantConfig, bearer string) int {
	outURL := strings.TrimSuffix(tc.BackendURL, "/") + "/" + r.PathValue("path")
	if raw := r.URL.RawQuery; raw != "" {
		outURL += "?" + raw
	}

	var body io.Reader
	if methodsWithBody[r.Method] {
		body = r.Body
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, outURL, body)
	if err != nil {
		h.writeProxyError(w, http.StatusInternalServerError, "server_error",
			"failed to build backend request", tc.ID)
		return http.StatusInternalServerError
	}

	// Only content negotiation headers cross the boundary. The inbound
	// Authorization header never reaches the backend.
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := h.forwardClient().Do(req)
	if err != nil {
		status := upstream.GatewayStatus(err)
		h.logger.Error("backend request failed", "tenant", tc.ID, "url", outURL, "error", err)
		switch status {
		case http.StatusGatewayTimeout:
			h.writeProxyError(w, status, "gateway_timeout", "backend request timed out", tc.ID)
		case http.StatusBadGateway:
			h.writeProxyError(w, status, "bad_gateway", "backend is unreachable", tc.ID)
		default:
			h.writeProxyError(w, http.StatusInternalServerError, "server_error", "backend request failed", tc.ID)
			status = http.StatusInternalServerError
		}
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	for _, name := range forwardedResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return resp.StatusCode
}

func (h *Handler) forwardClient() *http.Client {
	if h.server.config.HTTPClient != nil {
		return h.server.config.HTTPClient
	}
	return &http.Client{Timeout: forwardTimeout}
}

// deniedCode maps an authorizer status to a bearer challenge error code.
func deniedCode(status int) string {
	if status == http.StatusForbidden {
		return "insufficient_scope"
	}
	return ErrorCodeInvalidToken
}

// writeProxyError writes a forwarder error as {error, message} JSON. 401
// responses carry a WWW-Authenticate challenge scoped to the tenant.
func (h *Handler) writeProxyError(w http.ResponseWriter, status int, code, message, tenantID string) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(tenantID, code, message))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
