package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"relaybox/internal/transport/httpdto"
	relaybox_errors "relaybox/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const AdminRole = "outbox-admin"

type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey string

const operatorKey ctxKey = "operator"

// IssueAdminToken signs an HS256 operator token for the admin API.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 || subject == "" {
		return "", relaybox_errors.ErrInvalidInput
	}
	now := time.Now()
	claims := AdminClaims{
		Role: AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseAdminToken validates signature, expiry and role.
func ParseAdminToken(secret []byte, tokenString string) (AdminClaims, error) {
	if tokenString == "" {
		return AdminClaims{}, relaybox_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, relaybox_errors.ErrUnauthorized
		}
		return secret, nil
	})
	if err != nil {
		return AdminClaims{}, fmt.Errorf("%w: %v", relaybox_errors.ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid || claims.Role != AdminRole {
		return AdminClaims{}, relaybox_errors.ErrUnauthorized
	}
	return *claims, nil
}

func AdminAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := ParseAdminToken(secret, extractBearer(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), operatorKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OperatorFromContext returns the subject of the authenticated admin token.
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operatorKey).(string)
	return op, ok
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
