package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/Admiral9633/fragebogen/internal/platform/auth"
)

// Logger writes one line per request. Session tokens are credentials, so
// the route pattern is logged instead of the raw path, plus the first
// characters of a :token parameter.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			evt := logger.Info()
			switch {
			case status >= http.StatusInternalServerError:
				evt = logger.Error().Err(err)
			case status >= http.StatusBadRequest:
				evt = logger.Warn()
			}

			evt = evt.
				Str("request_id", RequestIDFrom(c)).
				Str("method", req.Method).
				Str("route", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())
			if token := c.Param("token"); token != "" {
				evt = evt.Str("token_prefix", prefix(token))
			}
			if sub := auth.SubjectFromContext(c.Request().Context()); sub != "" {
				evt = evt.Str("subject", sub)
			}
			evt.Msg("request")

			return err
		}
	}
}

func prefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
