package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	authCookieName = "token"
	userIDKey      = "userID"
	roleKey        = "role"

	// RoleAdmin may read purchases across all users.
	RoleAdmin = "admin"
)

var errMissingToken = errors.New("missing token")

// AuthMiddleware validates the session JWT (cookie "token" or Bearer header)
// and stores the caller's user id on the gin context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw, err := tokenFromRequest(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		userID, role, err := validateToken(raw, key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(userIDKey, userID)
		c.Set(roleKey, role)
		c.Next()
	}
}

// RequireRole rejects callers whose token does not carry role. It must run
// after AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(roleKey) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}
		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) (string, error) {
	if cookie, err := c.Cookie(authCookieName); err == nil && cookie != "" {
		return cookie, nil
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != "" {
		return parts[1], nil
	}
	return "", errMissingToken
}

func validateToken(raw string, key []byte) (userID, role string, err error) {
	if len(key) == 0 {
		return "", "", errors.New("jwt secret not configured")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return "", "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("unexpected claims type")
	}

	role, _ = claims["role"].(string)
	if id, ok := claims["userId"].(string); ok && id != "" {
		return id, role, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, role, nil
	}
	return "", "", fmt.Errorf("token has no user id")
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
