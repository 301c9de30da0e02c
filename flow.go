package authproxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-auth-proxy/storage"
	"github.com/giantswarm/mcp-auth-proxy/tenant"
	"github.com/giantswarm/mcp-auth-proxy/upstream"
	"github.com/giantswarm/mcp-auth-proxy/vault"
)

// StartAuthorizationFlow handles GET /authorize/{tenant}: it captures the
// client's request, persists the correlation entry, and returns the IdP
// authorize URL to redirect to.
func (s *Server) StartAuthorizationFlow(ctx context.Context, tenantID string, query url.Values, clientIP string) (string, *OAuthError) {
	tc := s.tenants.Lookup(tenantID)
	if tc == nil {
		return "", ErrTenantNotFound(tenantID)
	}

	clientState := query.Get("state")
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	codeChallenge := query.Get("code_challenge")
	codeChallengeMethod := query.Get("code_challenge_method")

	if clientState == "" {
		return "", ErrInvalidRequest("state parameter is required")
	}
	if clientID == "" {
		return "", ErrInvalidRequest("client_id is required")
	}
	if redirectURI == "" {
		return "", ErrInvalidRequest("redirect_uri is required")
	}
	if _, err := url.Parse(redirectURI); err != nil {
		return "", ErrInvalidRequest("redirect_uri is not a valid URL")
	}
	if codeChallenge == "" || codeChallengeMethod == "" {
		return "", ErrInvalidRequest("PKCE is required: code_challenge and code_challenge_method are mandatory")
	}
	if codeChallengeMethod != "S256" {
		return "", ErrInvalidRequest("only the S256 code_challenge_method is supported")
	}

	outboundState := randomToken(32)
	nonce := randomToken(32)

	now := time.Now()
	state := &storage.AuthorizeState{
		OutboundState:       outboundState,
		Tenant:              tc.ID,
		ClientID:            clientID,
		ClientState:         clientState,
		RedirectURI:         redirectURI,
		Scope:               query.Get("scope"),
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Nonce:               nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(storage.DefaultStateTTL),
	}
	if err := s.store.SaveAuthorizeState(ctx, state); err != nil {
		s.logger.Error("failed to persist authorize state", "tenant", tc.ID, "error", err)
		return "", ErrServerError("failed to start authorization flow")
	}

	conf := &oauth2.Config{
		ClientID:    s.config.OIDC.ClientID,
		RedirectURL: s.config.CallbackURL(),
		Scopes:      s.config.OIDCScopes(),
		Endpoint:    oauth2.Endpoint{AuthURL: s.config.IdPAuthorizeEndpoint()},
	}
	authURL := conf.AuthCodeURL(outboundState, oauth2.SetAuthURLParam("nonce", nonce))

	s.metrics().RecordFlowStarted(ctx, tc.ID)
	s.auditor.LogFlowStarted(clientID, tc.ID, clientIP)
	s.logger.Info("authorization flow started", "tenant", tc.ID, "client_id", clientID)

	return authURL, nil
}

// HandleIdPCallback handles GET /callback: it completes the OIDC login,
// runs the exchange chain to the agent access token, consults the vault,
// and returns the next redirect — either back to the client with a return
// code, or to the vault's link URL.
func (s *Server) HandleIdPCallback(ctx context.Context, state, code, clientIP string) (string, *OAuthError) {
	entry, err := s.store.GetAuthorizeState(ctx, state)
	if err != nil {
		s.auditor.LogAuthFailure("", clientIP, "unknown or expired callback state")
		return "", ErrInvalidState("unknown or expired state")
	}

	tc := s.tenants.Lookup(entry.Tenant)
	if tc == nil {
		s.evictFlow(ctx, entry)
		return "", ErrInvalidRequest("tenant no longer configured")
	}

	agent, oerr := s.runExchangeChain(ctx, tc, code)
	if oerr != nil {
		s.evictFlow(ctx, entry)
		s.metrics().RecordCallbackProcessed(ctx, tc.ID, false)
		return "", oerr
	}

	if tc.VaultConnection == "" {
		redirect, oerr := s.issueReturnCode(ctx, entry, agent, clientIP)
		if oerr != nil {
			s.evictFlow(ctx, entry)
			return "", oerr
		}
		s.metrics().RecordCallbackProcessed(ctx, tc.ID, true)
		s.auditor.LogIdPCallback(agent.subject, tc.ID, clientIP, false)
		return redirect, nil
	}

	_, err = s.vaultClient.Exchange(ctx, agent.token, tc)
	switch {
	case err == nil:
		redirect, oerr := s.issueReturnCode(ctx, entry, agent, clientIP)
		if oerr != nil {
			s.evictFlow(ctx, entry)
			return "", oerr
		}
		s.metrics().RecordVaultExchange(ctx, tc.VaultConnection, "ok")
		s.metrics().RecordCallbackProcessed(ctx, tc.ID, true)
		s.auditor.LogIdPCallback(agent.subject, tc.ID, clientIP, true)
		return redirect, nil

	case errors.Is(err, vault.ErrNeedsLinking):
		s.metrics().RecordVaultExchange(ctx, tc.VaultConnection, "needs_linking")
		redirect, oerr := s.startLinkFlow(ctx, tc, entry, agent, clientIP)
		if oerr != nil {
			s.evictFlow(ctx, entry)
			return "", oerr
		}
		s.metrics().RecordCallbackProcessed(ctx, tc.ID, true)
		return redirect, nil

	default:
		s.evictFlow(ctx, entry)
		s.metrics().RecordVaultExchange(ctx, tc.VaultConnection, "error")
		s.metrics().RecordCallbackProcessed(ctx, tc.ID, false)
		s.logger.Warn("vault exchange failed during callback", "tenant", tc.ID, "error", err)
		return "", ErrAccessDenied("credential exchange failed")
	}
}

// agentToken is the material minted by the exchange chain.
type agentToken struct {
	token     string
	scope     string
	expiresIn int64
	idToken   string
	subject   string
}

// runExchangeChain executes code → ID token → ID-JAG → agent access token.
func (s *Server) runExchangeChain(ctx context.Context, tc *tenant.TenantConfig, code string) (*agentToken, *OAuthError) {
	tokenEndpoint := s.config.IdPTokenEndpoint()

	start := time.Now()
	idToken, err := s.idpClient.CompleteOIDCLogin(ctx, tokenEndpoint, code,
		s.config.CallbackURL(), s.config.OIDCScopes(), s.config.OIDC.ClientID, s.config.OIDC.ClientSecret)
	s.recordIdPExchange(ctx, "oidc_login", err, start)
	if err != nil {
		s.logger.Warn("oidc login completion failed", "tenant", tc.ID, "error", err)
		return nil, mapUpstreamError(err)
	}

	start = time.Now()
	idJAG, err := s.idpClient.IDTokenToIDJAG(ctx, tokenEndpoint, tc, idToken, s.config.Agent)
	s.recordIdPExchange(ctx, "id_jag", err, start)
	if err != nil {
		return nil, mapUpstreamError(err)
	}

	start = time.Now()
	resp, err := s.idpClient.IDJAGToAccessToken(ctx, tc, idJAG, s.config.Agent)
	s.recordIdPExchange(ctx, "jwt_bearer", err, start)
	if err != nil {
		return nil, mapUpstreamError(err)
	}

	return &agentToken{
		token:     resp.AccessToken,
		scope:     resp.Scope,
		expiresIn: resp.ExpiresIn,
		idToken:   idToken,
		subject:   subjectFromIDToken(idToken),
	}, nil
}

// subjectFromIDToken peeks the sub claim for audit logging. The ID token
// was already accepted by the upstream exchange; no local verification is
// needed for a log field.
func subjectFromIDToken(idToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

func (s *Server) recordIdPExchange(ctx context.Context, operation string, err error, start time.Time) {
	status := http.StatusOK
	if err != nil {
		status = upstream.GatewayStatus(err)
	}
	s.metrics().RecordIdPExchange(ctx, operation, status, float64(time.Since(start).Milliseconds()))
}

// issueReturnCode mints a one-time code bound to the originating request
// and returns the client redirect carrying it.
func (s *Server) issueReturnCode(ctx context.Context, entry *storage.AuthorizeState, agent *agentToken, clientIP string) (string, *OAuthError) {
	redirect, oerr := s.mintReturnCode(ctx, returnCodeInput{
		tenant:              entry.Tenant,
		clientID:            entry.ClientID,
		clientState:         entry.ClientState,
		redirectURI:         entry.RedirectURI,
		codeChallenge:       entry.CodeChallenge,
		codeChallengeMethod: entry.CodeChallengeMethod,
	}, agent, clientIP)
	if oerr != nil {
		return "", oerr
	}
	if err := s.store.DeleteAuthorizeState(ctx, entry.OutboundState); err != nil {
		s.logger.Warn("failed to delete consumed authorize state", "error", err)
	}
	return redirect, nil
}

type returnCodeInput struct {
	tenant              string
	clientID            string
	clientState         string
	redirectURI         string
	codeChallenge       string
	codeChallengeMethod string
}

// mintReturnCode writes the ReturnCode entry and builds the final client
// redirect `{redirect_uri}?code=...&state=...`.
func (s *Server) mintReturnCode(ctx context.Context, in returnCodeInput, agent *agentToken, clientIP string) (string, *OAuthError) {
	code := randomToken(32)
	now := time.Now()

	rc := &storage.ReturnCode{
		Code:                code,
		Tenant:              in.tenant,
		ClientID:            in.clientID,
		Subject:             agent.subject,
		RedirectURI:         in.redirectURI,
		CodeChallenge:       in.codeChallenge,
		CodeChallengeMethod: in.codeChallengeMethod,
		AgentToken:          agent.token,
		Scope:               agent.scope,
		ExpiresIn:           agent.expiresIn,
		IDToken:             agent.idToken,
		CreatedAt:           now,
		ExpiresAt:           now.Add(storage.DefaultStateTTL),
	}
	if err := s.store.SaveReturnCode(ctx, rc); err != nil {
		s.logger.Error("failed to persist return code", "tenant", in.tenant, "error", err)
		return "", ErrServerError("failed to issue authorization code")
	}

	target, err := url.Parse(in.redirectURI)
	if err != nil {
		return "", ErrInvalidRequest("stored redirect_uri is not a valid URL")
	}
	q := target.Query()
	q.Set("code", code)
	q.Set("state", in.clientState)
	target.RawQuery = q.Encode()

	s.auditor.LogReturnCodeIssued(in.clientID, in.tenant, clientIP)
	return target.String(), nil
}

// startLinkFlow begins account linking: it asks the vault for a connect
// ticket, stages the agent token in a LinkSession, and returns the link
// URL. The session is persisted before the redirect is returned so the
// link callback always observes the staged token.
func (s *Server) startLinkFlow(ctx context.Context, tc *tenant.TenantConfig, entry *storage.AuthorizeState, agent *agentToken, clientIP string) (string, *OAuthError) {
	info, err := s.vaultClient.BeginLink(ctx, agent.token, tc, s.config.LinkCallbackURL())
	if err != nil {
		s.logger.Warn("link initiation failed", "tenant", tc.ID, "error", err)
		return "", ErrAccessDenied("account linking could not be started")
	}

	now := time.Now()
	session := &storage.LinkSession{
		LinkState:  info.State,
		Tenant:     tc.ID,
		Subject:    agent.subject,
		Connection: tc.VaultConnection,

		AgentToken:     agent.token,
		AgentScope:     agent.scope,
		AgentExpiresIn: agent.expiresIn,
		IDToken:        agent.idToken,
		AuthSession:    info.AuthSession,

		ClientID:            entry.ClientID,
		ClientState:         entry.ClientState,
		RedirectURI:         entry.RedirectURI,
		Scope:               entry.Scope,
		CodeChallenge:       entry.CodeChallenge,
		CodeChallengeMethod: entry.CodeChallengeMethod,

		CreatedAt: now,
		ExpiresAt: now.Add(storage.DefaultStateTTL),
	}
	if err := s.store.SaveLinkSession(ctx, session); err != nil {
		s.logger.Error("failed to persist link session", "tenant", tc.ID, "error", err)
		return "", ErrServerError("failed to start account linking")
	}

	// The authorize state is consumed; the link session owns the flow now
	if err := s.store.DeleteAuthorizeState(ctx, entry.OutboundState); err != nil {
		s.logger.Warn("failed to delete authorize state after link start", "error", err)
	}

	s.metrics().RecordLinkStarted(ctx, tc.ID, tc.VaultConnection)
	s.auditor.LogLinkStarted(agent.subject, tc.ID, tc.VaultConnection, clientIP)
	return info.LinkURL, nil
}

// HandleLinkCallback handles GET /connected_account_callback: it completes
// the link at the vault and releases the staged agent token through a
// fresh return code.
func (s *Server) HandleLinkCallback(ctx context.Context, linkState, connectCode, clientIP string) (string, *OAuthError) {
	session, err := s.store.TakeLinkSession(ctx, linkState)
	if err != nil {
		s.auditor.LogAuthFailure("", clientIP, "unknown or expired link state")
		return "", ErrInvalidState("unknown or expired link state")
	}

	if s.tenants.Lookup(session.Tenant) == nil {
		return "", ErrInvalidRequest("tenant no longer configured")
	}

	if err := s.vaultClient.CompleteLink(ctx, session.AgentToken, session.AuthSession, connectCode, s.config.LinkCallbackURL()); err != nil {
		s.logger.Warn("link completion failed", "tenant", session.Tenant, "error", err)
		return "", mapUpstreamError(err)
	}

	agent := &agentToken{
		token:     session.AgentToken,
		scope:     session.AgentScope,
		expiresIn: session.AgentExpiresIn,
		idToken:   session.IDToken,
		subject:   session.Subject,
	}
	redirect, oerr := s.mintReturnCode(ctx, returnCodeInput{
		tenant:              session.Tenant,
		clientID:            session.ClientID,
		clientState:         session.ClientState,
		redirectURI:         session.RedirectURI,
		codeChallenge:       session.CodeChallenge,
		codeChallengeMethod: session.CodeChallengeMethod,
	}, agent, clientIP)
	if oerr != nil {
		return "", oerr
	}

	s.metrics().RecordLinkCompleted(ctx, session.Tenant, session.Connection)
	s.auditor.LogLinkCompleted(session.Subject, session.Tenant, session.Connection, clientIP)
	return redirect, nil
}

// ExchangeReturnCode handles POST /token: single-use code redemption with
// mandatory S256 PKCE verification and client binding.
func (s *Server) ExchangeReturnCode(ctx context.Context, req *TokenRequest, clientIP string) (*TokenResponse, *OAuthError) {
	if req.GrantType != "authorization_code" {
		return nil, ErrUnsupportedGrantType("only the authorization_code grant is supported")
	}
	if req.Code == "" || req.ClientID == "" || req.CodeVerifier == "" || req.RedirectURI == "" {
		return nil, ErrInvalidRequest("code, client_id, code_verifier, and redirect_uri are required")
	}

	if oerr := s.authenticateStaticClient(req.ClientID, req.ClientSecret); oerr != nil {
		s.auditor.LogAuthFailure("", clientIP, "client authentication failed")
		s.metrics().RecordAuthFailure(ctx, "", "invalid_client")
		return nil, oerr
	}

	rc, err := s.store.TakeReturnCode(ctx, req.Code)
	if err != nil {
		s.auditor.LogAuthFailure("", clientIP, "unknown, expired, or replayed code")
		return nil, ErrInvalidGrant("authorization code is invalid, expired, or already used")
	}

	// The code is consumed at this point; every failure below is final
	if s.tenants.Lookup(rc.Tenant) == nil {
		return nil, ErrInvalidRequest("tenant no longer configured")
	}
	if rc.ClientID != req.ClientID {
		s.metrics().RecordCodeExchange(ctx, rc.Tenant, false)
		s.auditor.LogAuthFailure(rc.Tenant, clientIP, "client_id mismatch at token endpoint")
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}
	if rc.RedirectURI != req.RedirectURI {
		s.metrics().RecordCodeExchange(ctx, rc.Tenant, false)
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if oerr := validatePKCE(req.CodeVerifier, rc.CodeChallenge, rc.CodeChallengeMethod); oerr != nil {
		s.metrics().RecordPKCEValidationFailed(ctx)
		s.auditor.LogPKCEFailure(req.ClientID, rc.Tenant, clientIP)
		return nil, oerr
	}

	s.metrics().RecordCodeExchange(ctx, rc.Tenant, true)
	s.auditor.LogReturnCodeConsumed(req.ClientID, rc.Tenant, clientIP)

	return &TokenResponse{
		AccessToken: rc.AgentToken,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   rc.ExpiresIn,
		Scope:       rc.Scope,
		IDToken:     rc.IDToken,
	}, nil
}

// evictFlow removes every correlation entry owned by a failed flow.
func (s *Server) evictFlow(ctx context.Context, entry *storage.AuthorizeState) {
	if err := s.store.DeleteAuthorizeState(ctx, entry.OutboundState); err != nil {
		s.logger.Warn("failed to evict authorize state", "error", err)
	}
}
