package middleware

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"worker_server/pkg/response"
)

// operatorClaims is deliberately minimal: the operator API has no end-user
// session model (every mutating call already names its userId explicitly),
// so the only thing worth asserting is "this bearer token was signed by us
// for operator use", not a full identity/session claim set.
type operatorClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

const operatorScope = "operator"

// IssueOperatorToken signs a long-lived operator-scope bearer token. Meant
// for out-of-band provisioning (ops tooling, CI secrets), not an HTTP route.
func IssueOperatorToken(secret string, ttl time.Duration) (string, error) {
	claims := operatorClaims{
		Scope: operatorScope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// OperatorAuth rejects any operator-API request without a valid bearer
// token signed for the operator scope.
func OperatorAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return response.Unauthorized(c, "missing bearer token")
		}

		claims := &operatorClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			return response.Unauthorized(c, "invalid bearer token")
		}
		if subtle.ConstantTimeCompare([]byte(claims.Scope), []byte(operatorScope)) != 1 {
			return response.Error(c, fiber.StatusForbidden, "FORBIDDEN", "token lacks operator scope")
		}

		return c.Next()
	}
}
