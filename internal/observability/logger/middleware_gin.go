package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/tenantvault/internal/auditcontext"
	obscontext "github.com/smallbiznis/tenantvault/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps the last handler error to (error_type, error_code).
	ErrorClassifier func(err error) (string, string)
	// SlowThreshold raises successful requests slower than this to warn.
	// Zero disables it.
	SlowThreshold time.Duration
	// QuietRoutes are logged at debug level.
	QuietRoutes []string
}

func (cfg MiddlewareConfig) quiet(route string) bool {
	if len(cfg.QuietRoutes) == 0 {
		return route == "/health" || route == "/metrics"
	}
	for _, r := range cfg.QuietRoutes {
		if r == route {
			return true
		}
	}
	return false
}

// GinMiddleware assigns a request id, seeds the request context with the
// audit and correlation values and writes one access line per request. The
// line is built from the context as it stands after the handlers ran, so
// tenant and backup ids set further down the chain show up in it.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		reqID := requestID(c)

		ctx := obscontext.WithRequestID(c.Request.Context(), reqID)
		ctx = auditcontext.WithRequestID(ctx, reqID)
		ctx = auditcontext.WithIPAddress(ctx, c.ClientIP())
		ctx = auditcontext.WithUserAgent(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(started)
		status := c.Writer.Status()

		fields := make([]zap.Field, 0, 12)
		fields = append(fields,
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		)

		var errType string
		if last := c.Errors.Last(); last != nil {
			var code string
			if cfg.ErrorClassifier != nil {
				errType, code = cfg.ErrorClassifier(last.Err)
			}
			fields = append(fields, zap.String("error_type", errType), zap.String("error_code", code))
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		level := accessLevel(cfg, route, status, errType, elapsed)
		if ce := FromContext(c.Request.Context()).Check(level, "http request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func accessLevel(cfg MiddlewareConfig, route string, status int, errType string, elapsed time.Duration) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case errType == "tenant_lifecycle_restricted", errType == "rate_limited":
		return zapcore.WarnLevel
	case cfg.quiet(route):
		return zapcore.DebugLevel
	case cfg.SlowThreshold > 0 && elapsed > cfg.SlowThreshold:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// requestID honours an inbound X-Request-Id and mints a ULID otherwise.
func requestID(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if id == "" {
		id = ulid.Make().String()
	}
	c.Set("request_id", id)
	c.Header(requestIDHeader, id)
	return id
}
