package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never record actual credential values (access tokens, ID tokens, ID-JAGs,
// return codes, client secrets) in traces or metrics. Traces are persisted,
// replicated, and readable by wider audiences than the proxy itself; only
// metadata such as token types, tenants, and validation results belongs here.
const (
	// Flow attributes
	AttrTenant           = "authproxy.tenant"
	AttrClientID         = "authproxy.client_id"
	AttrSubject          = "authproxy.subject"
	AttrScope            = "authproxy.scope"
	AttrGrantType        = "authproxy.grant_type"
	AttrFlowState        = "authproxy.flow_state"
	AttrConnection       = "authproxy.connection"
	AttrNeedsLinking     = "authproxy.needs_linking"
	AttrError            = "authproxy.error"
	AttrErrorDescription = "authproxy.error_description"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageNamespace = "storage.namespace"

	// Upstream attributes
	AttrUpstreamName      = "upstream.name"
	AttrUpstreamOperation = "upstream.operation"
	AttrUpstreamStatus    = "upstream.status"

	// Security attributes
	AttrClientIP       = "security.client_ip"
	AttrAuditEventType = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, tenant, clientID, scope string) {
	if tenant != "" {
		SetSpanAttributes(span, attribute.String(AttrTenant, tenant))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, namespace string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageNamespace, namespace),
	)
}

// AddUpstreamAttributes adds upstream call attributes to a span (nil-safe)
func AddUpstreamAttributes(span trace.Span, upstream, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrUpstreamName, upstream),
		attribute.String(AttrUpstreamOperation, operation),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security attributes to a span (nil-safe).
// Check ShouldLogClientIPs before calling; client IPs can be PII.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
