package authproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-auth-proxy/instrumentation"
	"github.com/giantswarm/mcp-auth-proxy/security"
	"github.com/giantswarm/mcp-auth-proxy/tenant"
)

// Handler is a thin HTTP adapter for the proxy Server. It parses requests,
// delegates to the Server for the flow logic, and shapes responses.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
		tracer: server.instrumentation.Tracer("http"),
	}
}

// RegisterRoutes attaches all proxy routes to mux. The tenant catch-all
// comes last; literal routes take precedence over it.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/{tenant}", h.ServeProtectedResourceMetadata)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/{tenant}/{path...}", h.ServeProtectedResourceMetadata)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server/{tenant}", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server/{tenant}/{path...}", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("GET /.well-known/openid-configuration/{tenant}", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("POST /register", h.ServeClientRegistration)
	mux.HandleFunc("GET /authorize/{tenant}", h.ServeAuthorization)
	mux.HandleFunc("GET /callback", h.ServeCallback)
	mux.HandleFunc("GET /connected_account_callback", h.ServeLinkCallback)
	mux.HandleFunc("POST /token", h.ServeToken)
	mux.HandleFunc("/{tenant}", h.ServeProxy)
	mux.HandleFunc("/{tenant}/{path...}", h.ServeProxy)
}

// clientIP extracts the request's client IP honoring the proxy trust
// configuration.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.config.Security.TrustProxy, h.server.config.Security.TrustedProxyCount)
}

// requestLogger returns the handler logger with the request ID attached
// when the middleware put one in the context.
func (h *Handler) requestLogger(ctx context.Context) *slog.Logger {
	if id := security.GetRequestID(ctx); id != "" {
		return h.logger.With("request_id", id)
	}
	return h.logger
}

// checkRateLimit applies the per-IP limiter. Returns true when the request
// was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.server.rateLimiter == nil {
		return false
	}
	ip := h.clientIP(r)
	if h.server.rateLimiter.Allow(ip) {
		return false
	}
	h.server.metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	h.server.auditor.LogRateLimitExceeded(ip, endpoint)
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, start time.Time) {
	h.server.metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, float64(time.Since(start).Milliseconds()))
}

// resolveTenant looks up the {tenant} path value, writing a 404 when it
// does not resolve.
func (h *Handler) resolveTenant(w http.ResponseWriter, r *http.Request) *tenant.TenantConfig {
	tenantID := r.PathValue("tenant")
	tc := h.server.tenants.Lookup(tenantID)
	if tc == nil {
		oerr := ErrTenantNotFound(tenantID)
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		return nil
	}
	return tc
}

// ServeProtectedResourceMetadata serves the RFC 9728 document for a tenant.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tc := h.resolveTenant(w, r)
	if tc == nil {
		h.recordHTTPMetrics(r, "protected_resource_metadata", http.StatusNotFound, start)
		return
	}

	base := strings.TrimSuffix(h.server.config.BaseURL, "/")
	doc := ProtectedResourceMetadata{
		Resource:             base + "/" + tc.ID,
		AuthorizationServers: []string{base},
		ResourceName:         tc.Name,
	}
	h.writeJSON(w, http.StatusOK, doc)
	h.recordHTTPMetrics(r, "protected_resource_metadata", http.StatusOK, start)
}

// ServeAuthorizationServerMetadata serves the RFC 8414 document for a
// tenant. The openid-configuration alias serves the same document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tc := h.resolveTenant(w, r)
	if tc == nil {
		h.recordHTTPMetrics(r, "authorization_server_metadata", http.StatusNotFound, start)
		return
	}

	base := strings.TrimSuffix(h.server.config.BaseURL, "/")
	doc := AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/authorize/" + tc.ID,
		TokenEndpoint:                     base + "/token",
		JWKSURI:                           tc.JWKSURL,
		RegistrationEndpoint:              base + "/register",
		ScopesSupported:                   append([]string{"openid", "profile"}, tc.ExternalScopes...),
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ProtectedResources:                []string{base + "/" + tc.ID},
	}
	h.writeJSON(w, http.StatusOK, doc)
	h.recordHTTPMetrics(r, "authorization_server_metadata", http.StatusOK, start)
}

// registrationRequest is the accepted subset of an RFC 7591 request.
type registrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name"`
}

// ServeClientRegistration serves the registration stub: every caller gets
// the same preconfigured public-client record back.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.checkRateLimit(w, r, "register") {
		h.recordHTTPMetrics(r, "register", http.StatusTooManyRequests, start)
		return
	}

	var req registrationRequest
	if r.Body != nil {
		// Tolerant decode: a missing or malformed body still yields the
		// fixed record
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req)
	}

	redirectURIs := req.RedirectURIs
	if len(redirectURIs) == 0 {
		redirectURIs = h.server.config.Registration.RedirectURIs
	}

	resp := ClientRegistrationResponse{
		ClientID:                h.server.config.Registration.ClientID,
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              req.ClientName,
	}
	h.writeJSON(w, http.StatusCreated, resp)
	h.recordHTTPMetrics(r, "register", http.StatusCreated, start)
}

// ServeAuthorization starts the authorization flow and redirects to the IdP.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.authorize")
	defer span.End()

	if h.checkRateLimit(w, r, "authorize") {
		h.recordHTTPMetrics(r, "authorize", http.StatusTooManyRequests, start)
		return
	}

	tenantID := r.PathValue("tenant")
	query := r.URL.Query()
	instrumentation.AddFlowAttributes(span, tenantID, query.Get("client_id"), query.Get("scope"))

	redirect, oerr := h.server.StartAuthorizationFlow(ctx, tenantID, query, h.clientIP(r))
	if oerr != nil {
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		h.recordHTTPMetrics(r, "authorize", oerr.Status, start)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirect, http.StatusFound)
	h.recordHTTPMetrics(r, "authorize", http.StatusFound, start)
}

// ServeCallback handles the IdP redirect back to the proxy.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.callback")
	defer span.End()

	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		desc := query.Get("error_description")
		if desc == "" {
			desc = "authorization was denied upstream"
		}
		instrumentation.SetSpanError(span, errCode)
		h.writeError(w, errCode, desc, http.StatusBadRequest)
		h.recordHTTPMetrics(r, "callback", http.StatusBadRequest, start)
		return
	}

	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "state and code are required", http.StatusBadRequest)
		h.recordHTTPMetrics(r, "callback", http.StatusBadRequest, start)
		return
	}

	redirect, oerr := h.server.HandleIdPCallback(ctx, state, code, h.clientIP(r))
	if oerr != nil {
		h.requestLogger(ctx).Warn("idp callback failed", "error_code", oerr.Code)
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		h.recordHTTPMetrics(r, "callback", oerr.Status, start)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirect, http.StatusFound)
	h.recordHTTPMetrics(r, "callback", http.StatusFound, start)
}

// ServeLinkCallback handles the vault's redirect after account linking.
func (h *Handler) ServeLinkCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.link_callback")
	defer span.End()

	query := r.URL.Query()
	state := query.Get("state")
	connectCode := query.Get("connect_code")
	if state == "" || connectCode == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "state and connect_code are required", http.StatusBadRequest)
		h.recordHTTPMetrics(r, "link_callback", http.StatusBadRequest, start)
		return
	}

	redirect, oerr := h.server.HandleLinkCallback(ctx, state, connectCode, h.clientIP(r))
	if oerr != nil {
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		h.recordHTTPMetrics(r, "link_callback", oerr.Status, start)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirect, http.StatusFound)
	h.recordHTTPMetrics(r, "link_callback", http.StatusFound, start)
}

// ServeToken redeems a return code for the agent access token. Both
// form-urlencoded and JSON bodies are accepted; confidential clients may
// authenticate via Basic auth or body secret.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.token")
	defer span.End()

	if h.checkRateLimit(w, r, "token") {
		h.recordHTTPMetrics(r, "token", http.StatusTooManyRequests, start)
		return
	}

	req, oerr := h.parseTokenRequest(r)
	if oerr != nil {
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		h.recordHTTPMetrics(r, "token", oerr.Status, start)
		return
	}

	instrumentation.AddFlowAttributes(span, "", req.ClientID, "")
	resp, oerr := h.server.ExchangeReturnCode(ctx, req, h.clientIP(r))
	if oerr != nil {
		h.requestLogger(ctx).Info("token request rejected", "error_code", oerr.Code, "client_id", req.ClientID)
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
		h.recordHTTPMetrics(r, "token", oerr.Status, start)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
	h.recordHTTPMetrics(r, "token", http.StatusOK, start)
}

// parseTokenRequest reads a token request from form or JSON body plus
// optional Basic auth.
func (h *Handler) parseTokenRequest(r *http.Request) (*TokenRequest, *OAuthError) {
	req := &TokenRequest{}

	contentType := r.Header.Get("Content-Type")
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}

	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64*1024)).Decode(req); err != nil {
			return nil, ErrInvalidRequest("failed to parse JSON body")
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, ErrInvalidRequest("failed to parse form body")
		}
		req.GrantType = r.PostFormValue("grant_type")
		req.Code = r.PostFormValue("code")
		req.ClientID = r.PostFormValue("client_id")
		req.ClientSecret = r.PostFormValue("client_secret")
		req.CodeVerifier = r.PostFormValue("code_verifier")
		req.RedirectURI = r.PostFormValue("redirect_uri")
	}

	// Basic auth wins over body credentials
	if user, pass, ok := r.BasicAuth(); ok {
		req.ClientID = user
		req.ClientSecret = pass
	}
	return req, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an OAuth error response body. 401 responses carry a
// WWW-Authenticate challenge pointing at the protected-resource metadata.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.config.BaseURL)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// formatWWWAuthenticate builds a Bearer challenge per RFC 6750 and RFC
// 9728, with resource_metadata pointing at this proxy's metadata.
// tenantID may be empty when the failing request carried no usable tenant.
func (h *Handler) formatWWWAuthenticate(tenantID, errCode, errorDesc string) string {
	base := strings.TrimSuffix(h.server.config.BaseURL, "/")
	metadataURL := base + "/.well-known/oauth-protected-resource"
	if tenantID != "" {
		metadataURL += "/" + tenantID
	}

	params := []string{fmt.Sprintf(`resource_metadata="%s"`, metadataURL)}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, escapeHeaderValue(errCode)))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeHeaderValue(errorDesc)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// escapeHeaderValue escapes quoted-string specials. Backslashes first.
func escapeHeaderValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}
