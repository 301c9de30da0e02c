// Package testutil provides test fixtures for the auth proxy: RSA key and
// JWKS helpers, signed JWT minting, PKCE pairs, and small assertion helpers
// for table-driven tests.
package testutil
