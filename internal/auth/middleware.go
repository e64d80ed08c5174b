package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ctfarena/ctfarena/internal/metrics"
)

type contextKey string

const (
	// ContextKeyUserID is the echo context key for the authenticated user.
	ContextKeyUserID contextKey = "user_id"
	// ContextKeyAdmin marks requests authenticated with admin rights.
	ContextKeyAdmin contextKey = "admin"
)

// SetUser stores the authenticated identity in the echo context.
func SetUser(c echo.Context, userID int64, admin bool) {
	c.Set(string(ContextKeyUserID), userID)
	c.Set(string(ContextKeyAdmin), admin)
}

// GetUserID retrieves the authenticated user from the echo context.
func GetUserID(c echo.Context) (int64, bool) {
	v := c.Get(string(ContextKeyUserID))
	if v == nil {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// IsAdmin reports whether the request carries admin rights.
func IsAdmin(c echo.Context) bool {
	v, ok := c.Get(string(ContextKeyAdmin)).(bool)
	return ok && v
}

// UserJWTMiddleware authenticates users via Bearer token.
func UserJWTMiddleware(issuer *JWTIssuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				metrics.AuthAttemptsTotal.WithLabelValues("jwt", "missing").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing or invalid Authorization header",
				})
			}

			claims, err := issuer.ValidateUserToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				metrics.AuthAttemptsTotal.WithLabelValues("jwt", "invalid").Inc()
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid token: " + err.Error(),
				})
			}

			metrics.AuthAttemptsTotal.WithLabelValues("jwt", "ok").Inc()
			SetUser(c, claims.UserID, claims.Admin)
			return next(c)
		}
	}
}

// AdminMiddleware restricts a route to admins. It accepts either the
// operator API key in X-API-Key or a user token whose claims carry the
// admin flag. An empty configured key disables the key path.
func AdminMiddleware(issuer *JWTIssuer, apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey != "" {
				provided := c.Request().Header.Get("X-API-Key")
				if provided != "" {
					if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) == 1 {
						metrics.AuthAttemptsTotal.WithLabelValues("api_key", "ok").Inc()
						SetUser(c, 0, true)
						return next(c)
					}
					metrics.AuthAttemptsTotal.WithLabelValues("api_key", "invalid").Inc()
					return c.JSON(http.StatusForbidden, map[string]string{
						"error": "invalid API key",
					})
				}
			}

			// Fall through to user tokens with the admin claim.
			return UserJWTMiddleware(issuer)(func(c echo.Context) error {
				if !IsAdmin(c) {
					return c.JSON(http.StatusForbidden, map[string]string{
						"error": "admin access required",
					})
				}
				return next(c)
			})(c)
		}
	}
}
