package storage

import (
	"context"
	"crypto/rsa"
	"errors"
	"time"
)

// Default lifetimes for correlation entries. Flows abandoned longer than
// this are unrecoverable by design; clients restart from /authorize.
const (
	// DefaultStateTTL bounds authorize states, link sessions, and return codes.
	DefaultStateTTL = 15 * time.Minute

	// DefaultKeyTTL bounds cached JWKS signing keys.
	DefaultKeyTTL = time.Hour
)

// Typed errors returned by store implementations. Callers distinguish
// not-found (replay, expiry sweep) from transient backend failures.
var (
	ErrStateNotFound       = errors.New("authorize state not found")
	ErrLinkSessionNotFound = errors.New("link session not found")
	ErrCodeNotFound        = errors.New("return code not found")
	ErrKeyNotFound         = errors.New("signing key not found")
	ErrEntryExpired        = errors.New("entry expired")
)

// AuthorizeState is the pending state of an authorization flow between the
// initial /authorize redirect and the upstream IdP callback. It is keyed by
// OutboundState, the state value the proxy sends to the IdP.
type AuthorizeState struct {
	OutboundState string // key; state parameter sent to the upstream IdP

	Tenant      string
	ClientID    string
	ClientState string // client's own state, echoed back on the final redirect
	RedirectURI string
	Scope       string

	// Client-to-proxy PKCE, verified later at the token endpoint
	CodeChallenge       string
	CodeChallengeMethod string

	// Nonce sent to the IdP inside the authorize request
	Nonce string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// LinkSession is the pending state of a connected-accounts linking flow,
// keyed by LinkState, the state value embedded in the link callback URL.
// It stages the already-minted agent access token plus everything needed to
// issue the client's return code once linking completes.
type LinkSession struct {
	LinkState string // key

	Tenant     string
	Subject    string
	Connection string

	// Staged agent token material, minted before the link redirect was
	// sent. Released through the ReturnCode once linking completes.
	AgentToken     string
	AgentScope     string
	AgentExpiresIn int64
	IDToken        string

	// AuthSession is the vault's handle for the pending link
	AuthSession string

	// Carried over from the originating AuthorizeState
	ClientID            string
	ClientState         string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// ReturnCode is a one-time authorization code issued to the client after the
// upstream flow (and any account linking) completed, redeemable exactly once
// at the token endpoint.
type ReturnCode struct {
	Code string // key

	Tenant   string
	ClientID string
	Subject  string

	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string

	// Agent token material released on redemption
	AgentToken string
	Scope      string
	ExpiresIn  int64
	IDToken    string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// SigningKey is a cached RS256 verification key fetched from a tenant's
// JWKS endpoint, keyed by (JWKSURL, Kid).
type SigningKey struct {
	JWKSURL string
	Kid     string
	Key     *rsa.PublicKey

	CreatedAt time.Time
	ExpiresAt time.Time
}

// StateStore manages pending authorize states.
// All methods accept context.Context for tracing and cancellation.
type StateStore interface {
	// SaveAuthorizeState stores a pending flow keyed by its outbound state
	SaveAuthorizeState(ctx context.Context, state *AuthorizeState) error

	// GetAuthorizeState retrieves a pending flow by outbound state.
	// Expired entries are evicted on read and reported as not found.
	GetAuthorizeState(ctx context.Context, outboundState string) (*AuthorizeState, error)

	// DeleteAuthorizeState removes a pending flow
	DeleteAuthorizeState(ctx context.Context, outboundState string) error
}

// LinkStore manages pending account link sessions.
type LinkStore interface {
	// SaveLinkSession stores a pending link flow keyed by its link state
	SaveLinkSession(ctx context.Context, session *LinkSession) error

	// TakeLinkSession atomically retrieves and deletes a link session.
	// Only one concurrent caller can succeed; all others observe not found.
	// This makes link callbacks single-use.
	TakeLinkSession(ctx context.Context, linkState string) (*LinkSession, error)

	// DeleteLinkSession removes a pending link flow
	DeleteLinkSession(ctx context.Context, linkState string) error
}

// CodeStore manages one-time return codes.
type CodeStore interface {
	// SaveReturnCode stores a freshly issued return code
	SaveReturnCode(ctx context.Context, code *ReturnCode) error

	// TakeReturnCode atomically retrieves and deletes a return code.
	// Only one concurrent redemption can succeed; replays observe not
	// found. This MUST be atomic to keep codes single-use under
	// concurrent token requests.
	TakeReturnCode(ctx context.Context, code string) (*ReturnCode, error)
}

// Store combines all four namespaces. The memory implementation satisfies
// it; split interfaces stay available for narrower dependencies.
type Store interface {
	StateStore
	LinkStore
	CodeStore
	KeyStore
}

// KeyStore caches JWKS signing keys.
type KeyStore interface {
	// SaveSigningKey caches a verification key under (jwksURL, kid)
	SaveSigningKey(ctx context.Context, key *SigningKey) error

	// GetSigningKey retrieves a cached key, evicting it when expired
	GetSigningKey(ctx context.Context, jwksURL, kid string) (*SigningKey, error)
}
