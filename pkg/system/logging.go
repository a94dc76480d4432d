package system

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ReqLoggerKey is the context key used to store request-scoped logger in gin context.
const ReqLoggerKey = "reqLogger"

// NewLogger builds the process logger. Debug selects the development
// encoder; both modes disable automatic stacktraces for non-fatal levels and
// emit RFC3339 UTC timestamps under "ts".
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// GetReqLogger returns the request-scoped sugared logger from gin.Context if present,
// otherwise returns the fallback.
func GetReqLogger(c *gin.Context, fallback *zap.SugaredLogger) *zap.SugaredLogger {
	if c == nil {
		return fallback
	}
	if v, ok := c.Get(ReqLoggerKey); ok {
		if l, ok2 := v.(*zap.SugaredLogger); ok2 {
			return l
		}
	}
	return fallback
}

// JobFields returns key/value pairs identifying a directory sync job, suitable
// for SugaredLogger.With or Infow calls.
func JobFields(server, kind string) []interface{} {
	return []interface{}{"server", server, "kind", kind}
}

// ArtifactFields returns key/value pairs identifying a rendered artifact. The
// service is omitted when empty.
func ArtifactFields(id, service string) []interface{} {
	if service == "" {
		return []interface{}{"artifact", id}
	}
	return []interface{}{"artifact", id, "service", service}
}
