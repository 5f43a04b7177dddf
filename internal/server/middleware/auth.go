package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const bearerPrefix = "bearer "

// Authenticator verifies an access token and returns the user ID it was issued to.
type Authenticator interface {
	AuthenticateRequest(ctx context.Context, accessToken string) (string, error)
}

// BearerAuth requires an access token in the Authorization header and stores the
// verified user ID in the request context. A missing header is answered with 401,
// an unverifiable token with 403.
func BearerAuth(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" {
				return c.JSON(http.StatusUnauthorized, errorBody("Authentication required"))
			}
			req := c.Request()
			userID, err := auth.AuthenticateRequest(req.Context(), token)
			if err != nil {
				return c.JSON(http.StatusForbidden, errorBody("Invalid Request"))
			}
			c.SetRequest(req.WithContext(WithUserID(req.Context(), userID)))
			return next(c)
		}
	}
}

// BearerToken returns the token from an Authorization header value, or "" if
// missing or not a Bearer credential.
func BearerToken(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
