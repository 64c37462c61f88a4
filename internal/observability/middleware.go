package observability

import (
	"time"

	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UnmatchedRoute labels admin requests no route matched, so arbitrary paths
// never become metric labels.
const UnmatchedRoute = "unmatched"

// polledRoutes are polled by health checkers and scrapers; they log at debug.
var polledRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

func adminRoute(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return UnmatchedRoute
}

// RequestLogger logs one line per admin request, tagged with the serving
// node. A :peer route param is logged with its entity type and a :conn
// param as the connection id.
func RequestLogger(logger zerolog.Logger, node string) gin.HandlerFunc {
	logger = logger.With().Str("node", node).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := adminRoute(c)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case polledRoutes[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}

		if raw := c.Param("peer"); raw != "" {
			event = event.Str("peer", raw)
			if name, err := protocol.ParseEntityName(raw); err == nil {
				event = event.Str("peer_type", name.Type.String())
			}
		}
		if conn := c.Param("conn"); conn != "" {
			event = event.Str("conn", conn)
		}
		if len(c.Errors) > 0 {
			event = event.Strs("errors", c.Errors.Errors())
		}

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("admin: request")
	}
}

// RequestMetricsMiddleware counts admin requests per node and route template.
func RequestMetricsMiddleware(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(node, c.Request.Method, adminRoute(c), c.Writer.Status(), time.Since(start))
	}
}
