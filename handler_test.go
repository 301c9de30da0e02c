package authproxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-auth-proxy/internal/testutil"
)

func getJSON(t *testing.T, rawURL string, out any) int {
	t.Helper()
	resp, err := http.Get(rawURL)
	testutil.AssertNoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < http.StatusBadRequest {
		testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestProtectedResourceMetadata(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})

	var doc ProtectedResourceMetadata
	status := getJSON(t, f.proxy.URL+"/.well-known/oauth-protected-resource/github", &doc)
	testutil.AssertEqual(t, status, http.StatusOK)

	testutil.AssertEqual(t, doc.Resource, f.proxy.URL+"/github")
	testutil.AssertEqual(t, doc.ResourceName, "GitHub Tools")
	if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != f.proxy.URL {
		t.Errorf("authorization_servers = %v, want [%s]", doc.AuthorizationServers, f.proxy.URL)
	}
}

func TestProtectedResourceMetadata_PathSuffix(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})

	// Clients derive the metadata URL by prefixing the full resource path
	var doc ProtectedResourceMetadata
	status := getJSON(t, f.proxy.URL+"/.well-known/oauth-protected-resource/github/mcp", &doc)
	testutil.AssertEqual(t, status, http.StatusOK)
	testutil.AssertEqual(t, doc.Resource, f.proxy.URL+"/github")
}

func TestProtectedResourceMetadata_UnknownTenant(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})
	status := getJSON(t, f.proxy.URL+"/.well-known/oauth-protected-resource/nope", nil)
	testutil.AssertEqual(t, status, http.StatusNotFound)
}

func TestAuthorizationServerMetadata(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})

	var doc AuthorizationServerMetadata
	status := getJSON(t, f.proxy.URL+"/.well-known/oauth-authorization-server/github", &doc)
	testutil.AssertEqual(t, status, http.StatusOK)

	testutil.AssertEqual(t, doc.Issuer, f.proxy.URL)
	testutil.AssertEqual(t, doc.AuthorizationEndpoint, f.proxy.URL+"/authorize/github")
	testutil.AssertEqual(t, doc.TokenEndpoint, f.proxy.URL+"/token")
	testutil.AssertEqual(t, doc.RegistrationEndpoint, f.proxy.URL+"/register")
	if len(doc.ResponseTypesSupported) != 1 || doc.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v, want [code]", doc.ResponseTypesSupported)
	}
	if len(doc.CodeChallengeMethodsSupported) != 1 || doc.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", doc.CodeChallengeMethodsSupported)
	}
	if len(doc.GrantTypesSupported) != 1 || doc.GrantTypesSupported[0] != "authorization_code" {
		t.Errorf("grant_types_supported = %v, want [authorization_code]", doc.GrantTypesSupported)
	}
}

func TestOpenIDConfigurationAlias(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})

	var asDoc, oidcDoc AuthorizationServerMetadata
	testutil.AssertEqual(t, getJSON(t, f.proxy.URL+"/.well-known/oauth-authorization-server/internal", &asDoc), http.StatusOK)
	testutil.AssertEqual(t, getJSON(t, f.proxy.URL+"/.well-known/openid-configuration/internal", &oidcDoc), http.StatusOK)

	testutil.AssertEqual(t, oidcDoc.Issuer, asDoc.Issuer)
	testutil.AssertEqual(t, oidcDoc.TokenEndpoint, asDoc.TokenEndpoint)
	testutil.AssertEqual(t, oidcDoc.AuthorizationEndpoint, asDoc.AuthorizationEndpoint)
}

func TestClientRegistration(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})

	body := `{"redirect_uris":["http://127.0.0.1:33418/callback"],"client_name":"Test MCP Client"}`
	resp, err := http.Post(f.proxy.URL+"/register", "application/json", strings.NewReader(body))
	testutil.AssertNoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	testutil.AssertEqual(t, resp.StatusCode, http.StatusCreated)

	var reg ClientRegistrationResponse
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	testutil.AssertEqual(t, reg.ClientID, testClientID)
	testutil.AssertEqual(t, reg.TokenEndpointAuthMethod, "none")
	testutil.AssertEqual(t, reg.ClientName, "Test MCP Client")
	if len(reg.RedirectURIs) != 1 || reg.RedirectURIs[0] != "http://127.0.0.1:33418/callback" {
		t.Errorf("redirect_uris = %v, want the requested URI echoed", reg.RedirectURIs)
	}
}

func TestClientRegistration_EmptyBody(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})

	resp, err := http.Post(f.proxy.URL+"/register", "application/json", nil)
	testutil.AssertNoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	testutil.AssertEqual(t, resp.StatusCode, http.StatusCreated)

	var reg ClientRegistrationResponse
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	testutil.AssertEqual(t, reg.ClientID, testClientID)
}

func TestToken_JSONBody(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})
	challenge, verifier := testutil.GeneratePKCEPair()

	outbound := f.authorize(t, "internal", "s", challenge)
	code := f.callback(t, outbound).Query().Get("code")

	reqBody, _ := json.Marshal(TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		ClientID:     testClientID,
		CodeVerifier: verifier,
		RedirectURI:  testRedirectURI,
	})
	resp, err := http.Post(f.proxy.URL+"/token", "application/json", bytes.NewReader(reqBody))
	testutil.AssertNoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	testutil.AssertEqual(t, resp.StatusCode, http.StatusOK)

	var tr TokenResponse
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	testutil.AssertEqual(t, tr.AccessToken, testAgentAccess)
}

func TestToken_BasicAuthClient(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{staticClients: []StaticClient{
		{ClientID: testClientID, SecretHash: mustHash(t, "hunter2")},
	}})
	challenge, verifier := testutil.GeneratePKCEPair()

	outbound := f.authorize(t, "internal", "s", challenge)
	code := f.callback(t, outbound).Query().Get("code")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testRedirectURI},
	}
	req, err := http.NewRequest(http.MethodPost, f.proxy.URL+"/token", strings.NewReader(form.Encode()))
	testutil.AssertNoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, "hunter2")

	resp, err := http.DefaultClient.Do(req)
	testutil.AssertNoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	testutil.AssertEqual(t, resp.StatusCode, http.StatusOK)
}

func TestToken_BasicAuthBadSecret(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{staticClients: []StaticClient{
		{ClientID: testClientID, SecretHash: mustHash(t, "hunter2")},
	}})
	challenge, verifier := testutil.GeneratePKCEPair()

	outbound := f.authorize(t, "internal", "s", challenge)
	code := f.callback(t, outbound).Query().Get("code")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {testClientID},
		"code_verifier": {verifier},
		"redirect_uri":  {testRedirectURI},
	}
	req, err := http.NewRequest(http.MethodPost, f.proxy.URL+"/token", strings.NewReader(form.Encode()))
	testutil.AssertNoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, "wrong")

	resp, err := http.DefaultClient.Do(req)
	testutil.AssertNoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	testutil.AssertEqual(t, resp.StatusCode, http.StatusUnauthorized)

	if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer ") {
		t.Errorf("WWW-Authenticate = %q, want a Bearer challenge", got)
	}
}

func TestRateLimit_TokenEndpoint(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{rateLimit: RateLimitConfig{Rate: 1, Burst: 2}})

	form := url.Values{"grant_type": {"authorization_code"}}
	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.PostForm(f.proxy.URL+"/token", form)
		testutil.AssertNoError(t, err)
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected 429 after exhausting the burst")
	}
}

func TestSecurityHeaders(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})

	resp, err := http.Get(f.proxy.URL + "/.well-known/oauth-protected-resource/github")
	testutil.AssertNoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestFormatWWWAuthenticate(t *testing.T) {
	f := newProxyFixture(t, fixtureOptions{})
	h := NewHandler(f.server, nil)

	got := h.formatWWWAuthenticate("github", "invalid_token", `token "x" rejected`)
	want := `Bearer resource_metadata="` + f.proxy.URL + `/.well-known/oauth-protected-resource/github", ` +
		`error="invalid_token", error_description="token \"x\" rejected"`
	testutil.AssertEqual(t, got, want)
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	testutil.AssertNoError(t, err)
	return string(hash)
}
