package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
var (
	AttrTenantID    = attribute.Key("auditchain.tenant.id")
	AttrEventType   = attribute.Key("auditchain.event.type")
	AttrSequence    = attribute.Key("auditchain.event.sequence")
	AttrValid       = attribute.Key("auditchain.verify.valid")
	AttrBrokenLinks = attribute.Key("auditchain.verify.broken_links")
	AttrFormat      = attribute.Key("auditchain.export.format")
	AttrRoute       = attribute.Key("http.route")
	AttrMethod      = attribute.Key("http.request.method")
)

// TenantOperation returns the attributes shared by every tenant-scoped call.
func TenantOperation(tenantID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrTenantID.String(tenantID)}
}

// VerifyOutcome returns attributes describing a verification result.
func VerifyOutcome(tenantID string, valid bool, brokenLinks int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrValid.Bool(valid),
		AttrBrokenLinks.Int(brokenLinks),
	}
}

// HTTPRoute returns the attributes for one routed request.
func HTTPRoute(method, route string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMethod.String(method),
		AttrRoute.String(route),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the span in ctx failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
