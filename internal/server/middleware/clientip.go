package middleware

import "github.com/labstack/echo/v4"

// ClientIPContext copies echo's resolved client IP into the request context so
// services can read it without depending on echo.
func ClientIPContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(WithClientIP(req.Context(), c.RealIP())))
			return next(c)
		}
	}
}
