// Package storage provides the interfaces and shared types for the proxy's
// correlation state.
//
// Four namespaces are defined, each with its own entry type and lifetime:
//   - StateStore: pending authorize states, keyed by outbound IdP state
//   - LinkStore: pending account link sessions, keyed by link state
//   - CodeStore: one-time return codes, keyed by code value
//   - KeyStore: cached JWKS signing keys, keyed by (jwksURL, kid)
//
// Link sessions and return codes are single-use: their Take operations
// atomically read and delete, so exactly one concurrent caller succeeds.
//
// The storage/memory subpackage provides the in-memory implementation.
// Correlation state is deliberately ephemeral; a restart invalidates all
// in-flight flows and clients recover by starting over at /authorize.
package storage
