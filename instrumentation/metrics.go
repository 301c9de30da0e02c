package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the auth proxy
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow orchestration
	FlowStarted       metric.Int64Counter
	CallbackProcessed metric.Int64Counter
	CodeExchanged     metric.Int64Counter
	LinkStarted       metric.Int64Counter
	LinkCompleted     metric.Int64Counter

	// Upstream exchanges
	IdPExchangesTotal   metric.Int64Counter
	IdPExchangeDuration metric.Float64Histogram
	VaultExchangesTotal metric.Int64Counter
	VaultNeedsLinking   metric.Int64Counter

	// Forwarding
	ForwardedRequestsTotal   metric.Int64Counter
	ForwardedRequestDuration metric.Float64Histogram

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	AuthFailuresTotal    metric.Int64Counter

	// Correlation store
	StoreOperationTotal    metric.Int64Counter
	StoreOperationDuration metric.Float64Histogram
	StoreStatesCount       metric.Int64ObservableGauge
	StoreLinksCount        metric.Int64ObservableGauge
	StoreCodesCount        metric.Int64ObservableGauge
	StoreKeysCount         metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	flowMeter := inst.Meter("flow")
	idpMeter := inst.Meter("idp")
	vaultMeter := inst.Meter("vault")
	proxyMeter := inst.Meter("proxy")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"authproxy.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"authproxy.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.FlowStarted, err = flowMeter.Int64Counter(
		"authproxy.flow.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.started counter: %w", err)
	}

	m.CallbackProcessed, err = flowMeter.Int64Counter(
		"authproxy.flow.callback.processed",
		metric.WithDescription("Number of upstream IdP callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.callback.processed counter: %w", err)
	}

	m.CodeExchanged, err = flowMeter.Int64Counter(
		"authproxy.flow.code.exchanged",
		metric.WithDescription("Number of return codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.code.exchanged counter: %w", err)
	}

	m.LinkStarted, err = flowMeter.Int64Counter(
		"authproxy.flow.link.started",
		metric.WithDescription("Number of connected-account link flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.link.started counter: %w", err)
	}

	m.LinkCompleted, err = flowMeter.Int64Counter(
		"authproxy.flow.link.completed",
		metric.WithDescription("Number of connected-account link flows completed"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.link.completed counter: %w", err)
	}

	m.IdPExchangesTotal, err = idpMeter.Int64Counter(
		"authproxy.idp.exchanges.total",
		metric.WithDescription("Total number of upstream IdP token operations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idp.exchanges.total counter: %w", err)
	}

	m.IdPExchangeDuration, err = idpMeter.Float64Histogram(
		"authproxy.idp.exchange.duration",
		metric.WithDescription("Upstream IdP token operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idp.exchange.duration histogram: %w", err)
	}

	m.VaultExchangesTotal, err = vaultMeter.Int64Counter(
		"authproxy.vault.exchanges.total",
		metric.WithDescription("Total number of token vault exchanges"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault.exchanges.total counter: %w", err)
	}

	m.VaultNeedsLinking, err = vaultMeter.Int64Counter(
		"authproxy.vault.needs_linking",
		metric.WithDescription("Number of vault exchanges that required account linking"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault.needs_linking counter: %w", err)
	}

	m.ForwardedRequestsTotal, err = proxyMeter.Int64Counter(
		"authproxy.forwarded.requests.total",
		metric.WithDescription("Total number of requests forwarded to backends"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarded.requests.total counter: %w", err)
	}

	m.ForwardedRequestDuration, err = proxyMeter.Float64Histogram(
		"authproxy.forwarded.request.duration",
		metric.WithDescription("Forwarded request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarded.request.duration histogram: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"authproxy.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"authproxy.pkce.validation_failed",
		metric.WithDescription("Number of PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.AuthFailuresTotal, err = securityMeter.Int64Counter(
		"authproxy.auth.failures.total",
		metric.WithDescription("Number of inbound bearer authentication failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.failures.total counter: %w", err)
	}

	m.StoreOperationTotal, err = storageMeter.Int64Counter(
		"authproxy.storage.operation.total",
		metric.WithDescription("Total number of correlation store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StoreOperationDuration, err = storageMeter.Float64Histogram(
		"authproxy.storage.operation.duration",
		metric.WithDescription("Correlation store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StoreStatesCount, err = storageMeter.Int64ObservableGauge(
		"authproxy.storage.states.count",
		metric.WithDescription("Current number of pending authorize states"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.states.count gauge: %w", err)
	}

	m.StoreLinksCount, err = storageMeter.Int64ObservableGauge(
		"authproxy.storage.links.count",
		metric.WithDescription("Current number of pending link sessions"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.links.count gauge: %w", err)
	}

	m.StoreCodesCount, err = storageMeter.Int64ObservableGauge(
		"authproxy.storage.codes.count",
		metric.WithDescription("Current number of outstanding return codes"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StoreKeysCount, err = storageMeter.Int64ObservableGauge(
		"authproxy.storage.keys.count",
		metric.WithDescription("Current number of cached signing keys"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.keys.count gauge: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordFlowStarted records an authorization flow start
func (m *Metrics) RecordFlowStarted(ctx context.Context, tenant string) {
	m.FlowStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
	))
}

// RecordCallbackProcessed records an upstream IdP callback
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, tenant string, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Bool("success", success),
	))
}

// RecordCodeExchange records a return code exchange at the token endpoint
func (m *Metrics) RecordCodeExchange(ctx context.Context, tenant string, success bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Bool("success", success),
	))
}

// RecordLinkStarted records the start of an account linking flow
func (m *Metrics) RecordLinkStarted(ctx context.Context, tenant, connection string) {
	m.LinkStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("connection", connection),
	))
}

// RecordLinkCompleted records the completion of an account linking flow
func (m *Metrics) RecordLinkCompleted(ctx context.Context, tenant, connection string) {
	m.LinkCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("connection", connection),
	))
}

// RecordIdPExchange records an upstream IdP token operation
func (m *Metrics) RecordIdPExchange(ctx context.Context, operation string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	}

	m.IdPExchangesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.IdPExchangeDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordVaultExchange records a token vault exchange
func (m *Metrics) RecordVaultExchange(ctx context.Context, connection, result string) {
	m.VaultExchangesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("connection", connection),
		attribute.String("result", result),
	))
	if result == "needs_linking" {
		m.VaultNeedsLinking.Add(ctx, 1, metric.WithAttributes(
			attribute.String("connection", connection),
		))
	}
}

// RecordForwardedRequest records a request forwarded to a backend
func (m *Metrics) RecordForwardedRequest(ctx context.Context, tenant string, statusCode int, durationMs float64) {
	m.ForwardedRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Int("status", statusCode),
	))
	m.ForwardedRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("tenant", tenant),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context) {
	m.PKCEValidationFailed.Add(ctx, 1)
}

// RecordAuthFailure records an inbound bearer authentication failure
func (m *Metrics) RecordAuthFailure(ctx context.Context, tenant, reason string) {
	m.AuthFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("reason", reason),
	))
}

// RecordStoreOperation records a correlation store operation
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StoreOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StoreOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
