package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestSpanHelpers(t *testing.T) {
	inst := newTestInstrumentation(t, true)

	ctx := context.Background()
	_, span := inst.Tracer("flow").Start(ctx, "test-span")
	defer span.End()

	RecordError(span, errors.New("test error"))
	SetSpanSuccess(span)
	SetSpanError(span, "test error message")
	SetSpanAttributes(span,
		attribute.String("key1", "value1"),
		attribute.Int("key2", 42),
	)

	AddFlowAttributes(span, "acme", "client-1", "openid email")
	AddFlowAttributes(span, "", "", "")
	AddStorageAttributes(span, "save_state", "states")
	AddUpstreamAttributes(span, "okta", "id_jag")
	AddHTTPAttributes(span, "POST", "/token", 200)
	AddSecurityAttributes(span, "192.168.1.1")
	AddSecurityAttributes(span, "")
}

func TestShouldLogClientIPs(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{
			name:   "enabled explicitly",
			config: Config{Enabled: true, LogClientIPs: true},
			want:   true,
		},
		{
			name:   "disabled explicitly",
			config: Config{Enabled: true, LogClientIPs: false},
			want:   false,
		},
		{
			name:   "not set defaults to false for privacy",
			config: Config{Enabled: true},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if got := inst.ShouldLogClientIPs(); got != tt.want {
				t.Errorf("ShouldLogClientIPs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpanNesting(t *testing.T) {
	inst := newTestInstrumentation(t, true)

	ctx := context.Background()

	ctx, span1 := inst.Tracer("http").Start(ctx, "http.request")
	AddHTTPAttributes(span1, "POST", "/token", 200)

	ctx, span2 := inst.Tracer("flow").Start(ctx, "flow.exchange_code")
	AddFlowAttributes(span2, "acme", "client-1", "openid")

	_, span3 := inst.Tracer("storage").Start(ctx, "storage.take_code")
	AddStorageAttributes(span3, "take_code", "codes")
	SetSpanSuccess(span3)
	span3.End()

	SetSpanSuccess(span2)
	span2.End()

	SetSpanSuccess(span1)
	span1.End()
}

func TestNoOpSpans(t *testing.T) {
	inst := newTestInstrumentation(t, false)

	ctx := context.Background()

	_, span := inst.Tracer("flow").Start(ctx, "test-span")
	AddFlowAttributes(span, "acme", "client-1", "scope")
	AddHTTPAttributes(span, "GET", "/test", 200)
	AddStorageAttributes(span, "save_state", "states")
	AddUpstreamAttributes(span, "auth0", "vault_exchange")
	AddSecurityAttributes(span, "192.168.1.1")
	RecordError(span, errors.New("test"))
	SetSpanSuccess(span)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	SetSpanError(nil, "error")
	SetSpanAttributes(nil, attribute.String("key", "value"))
	RecordError(nil, errors.New("test"))
	SetSpanSuccess(nil)
	AddFlowAttributes(nil, "acme", "client", "scope")
	AddStorageAttributes(nil, "save_state", "states")
	AddUpstreamAttributes(nil, "okta", "oidc_login")
	AddHTTPAttributes(nil, "GET", "/test", 200)
	AddSecurityAttributes(nil, "192.168.1.1")
}
