// Package instrumentation provides OpenTelemetry instrumentation for the
// auth proxy: metric instruments for HTTP traffic, flow orchestration,
// upstream IdP and vault exchanges, forwarded requests and the correlation
// store, plus named tracers for span creation in handlers.
//
// When instrumentation is disabled (or left unconfigured) no-op providers
// are installed, so every Record* and span call is safe to make
// unconditionally with zero overhead.
//
// Available metrics:
//
// HTTP layer:
//   - authproxy.http.requests.total{method, endpoint, status}
//   - authproxy.http.request.duration{endpoint}
//
// Flow orchestration:
//   - authproxy.flow.started{tenant}
//   - authproxy.flow.callback.processed{tenant, success}
//   - authproxy.flow.code.exchanged{tenant, success}
//   - authproxy.flow.link.started{tenant, connection}
//   - authproxy.flow.link.completed{tenant, connection}
//
// Upstream exchanges:
//   - authproxy.idp.exchanges.total{operation, status}
//   - authproxy.idp.exchange.duration{operation}
//   - authproxy.vault.exchanges.total{connection, result}
//   - authproxy.vault.needs_linking{connection}
//
// Forwarding:
//   - authproxy.forwarded.requests.total{tenant, status}
//   - authproxy.forwarded.request.duration{tenant}
//
// Security:
//   - authproxy.rate_limit.exceeded{endpoint}
//   - authproxy.pkce.validation_failed
//   - authproxy.auth.failures.total{tenant, reason}
//
// Correlation store:
//   - authproxy.storage.operation.total{operation, result}
//   - authproxy.storage.operation.duration{operation}
//   - authproxy.storage.{states,links,codes,keys}.count gauges
//
// Never record actual credential values in traces or metrics; only metadata
// (tenants, operations, statuses, durations) belongs in observability data.
// Client IP addresses can be PII; gate them behind ShouldLogClientIPs.
package instrumentation
