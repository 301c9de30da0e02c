// Package security provides the cross-cutting security utilities used by the
// auth proxy: audit logging with PII hashing, per-identifier rate limiting
// with LRU eviction, security response headers, client IP extraction behind
// proxies, and request ID generation and propagation.
//
// The rate limiter tracks at most a configurable number of identifiers
// (default 10,000) and evicts the least recently used entry when full, so a
// distributed attack cannot grow its memory without bound. GetStats exposes
// entry counts and eviction totals for monitoring.
package security
