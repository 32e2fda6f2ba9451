package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyClaims = "auth_claims"
	roleStaff        = "staff"
)

// SessionClaims is the JWT payload the façade accepts.
type SessionClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (claims *SessionClaims) UserID() string {
	return claims.Subject
}

// IsStaff reports whether the token carries the staff role.
func (claims *SessionClaims) IsStaff() bool {
	for _, role := range claims.Roles {
		if role == roleStaff {
			return true
		}
	}
	return false
}

// sessionMiddleware validates the Bearer token and stashes its claims on the
// request context.
func sessionMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, "Bearer ")
		claims := &SessionClaims{}
		token, err := parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
			return signingKey, nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session token"))
			return
		}
		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}

// staffOnly rejects requests whose session lacks the staff role.
func staffOnly() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.IsStaff() {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "staff role required"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *SessionClaims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*SessionClaims)
	return claims
}
