package tracing

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tenantvault/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "tenantvault/http"

// GinMiddleware opens one server span per request. The span is renamed to the
// matched route once the handlers ran and carries the tenant and backup ids
// they placed on the request context.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(httpTracerName)
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = withRequestBaggage(ctx)

		ctx, span := tracer.Start(ctx, c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		if route := c.FullPath(); route != "" {
			span.SetName(c.Request.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		span.SetAttributes(attribute.String("http.request.method", c.Request.Method))
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		span.SetAttributes(SafeAttributes(correlationAttributes(c.Request.Context())...)...)

		if status < http.StatusInternalServerError {
			return
		}
		if last := c.Errors.Last(); last != nil {
			span.RecordError(SafeError(last.Err))
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// withRequestBaggage forwards the request id to downstream services.
func withRequestBaggage(ctx context.Context) context.Context {
	id := obscontext.RequestIDFromContext(ctx)
	if id == "" {
		return ctx
	}
	member, err := baggage.NewMember("request_id", id)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

var correlationAttributeKeys = map[string]attribute.Key{
	"request_id": "request_id",
	"org_id":     "tenant.org_id",
	"product_id": "tenant.product_id",
	"backup_id":  "backup.id",
}

func correlationAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, f := range obscontext.Fields(ctx) {
		if key, ok := correlationAttributeKeys[f.Key]; ok {
			attrs = append(attrs, key.String(f.Value))
		}
	}
	return attrs
}
