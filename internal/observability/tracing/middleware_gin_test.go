package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tenantvault/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestCorrelationAttributesMapsTenantFields(t *testing.T) {
	ctx := obscontext.WithOrgID(context.Background(), "10")
	ctx = obscontext.WithBackupID(ctx, "77")
	ctx = obscontext.WithActor(ctx, "user", "u-1")

	attrs := correlationAttributes(ctx)
	assert.ElementsMatch(t, []attribute.KeyValue{
		attribute.String("tenant.org_id", "10"),
		attribute.String("backup.id", "77"),
	}, attrs)
}

func TestGinMiddlewareNamesSpanAfterRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/api/backups/:id", func(c *gin.Context) {
		c.Request = c.Request.WithContext(obscontext.WithBackupID(c.Request.Context(), c.Param("id")))
		c.Status(http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/backups/42", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "GET /api/backups/:id", span.Name())
	assert.Contains(t, span.Attributes(), attribute.String("backup.id", "42"))
	assert.Contains(t, span.Attributes(), attribute.Int("http.response.status_code", http.StatusInternalServerError))
	assert.Equal(t, "Error", span.Status().Code.String())
}
