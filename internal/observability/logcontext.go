package observability

import "context"

type logKey int

const (
	requestIDKey logKey = iota
	traceIDKey
	spanIDKey
	tenantIDKey
	apiIDKey
)

// contextFieldNames lists, in output order, the values WithContext reports.
var contextFieldNames = [...]struct {
	key  logKey
	name string
}{
	{requestIDKey, "request_id"},
	{tenantIDKey, "tenant_id"},
	{apiIDKey, "api_id"},
	{traceIDKey, "trace_id"},
	{spanIDKey, "span_id"},
}

func contextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}
	var fields []Field
	for _, f := range contextFieldNames {
		if v := stringValue(ctx, f.key); v != "" {
			fields = append(fields, String(f.name, v))
		}
	}
	return fields
}

func stringValue(ctx context.Context, key logKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, traceIDKey)
}

func ContextWithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

// ContextWithTenant records the resolved tenant and, when known, the API
// being called so that downstream log lines can be attributed.
func ContextWithTenant(ctx context.Context, tenantID, apiID string) context.Context {
	if tenantID != "" {
		ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	}
	if apiID != "" {
		ctx = context.WithValue(ctx, apiIDKey, apiID)
	}
	return ctx
}
