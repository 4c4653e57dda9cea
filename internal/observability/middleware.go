package observability

import (
	"time"

	"github.com/danmuck/ymsgd/internal/ids"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const RequestIDHeader = "X-Request-ID"

// quietPaths are polled by orchestrators and log at debug level.
var quietPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// AdminMiddleware tags each admin request with an id, then logs it and
// records its metrics once the handler chain returns.
func AdminMiddleware(node string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = ids.New()
		}
		c.Header(RequestIDHeader, reqID)
		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start)
		route := routeLabel(c)
		RecordHTTPRequest(node, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quietPaths[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		event.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("admin_request")
	}
}

// routeLabel keeps metric cardinality bounded: unmatched paths collapse
// into one label.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
