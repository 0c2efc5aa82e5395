// Package auth verifies player tokens. Tokens are issued elsewhere; the hub
// only checks the HS256 signature and reads the principal from the sub claim.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const principalKey = "principal"

// Verifier resolves a token to the principal it was issued for.
type Verifier interface {
	Verify(token string) (string, error)
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify returns the sub claim of a valid token.
func (v *JWTVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("missing token: %w", errs.ErrUnauthorized)
	}
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token without subject: %w", errs.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the token query parameter browsers use for WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token and stores the principal
// in the gin context.
func Middleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := v.Verify(TokenFromRequest(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": errs.Code(errs.ErrUnauthorized)})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// Principal returns the principal stored by Middleware.
func Principal(c *gin.Context) string {
	return c.GetString(principalKey)
}

// ErrSubjectMismatch is returned when a token belongs to another player than the one named in the path.
var ErrSubjectMismatch = errors.New("token subject does not match username")

// VerifyFor checks that token was issued for username.
func VerifyFor(v Verifier, token, username string) error {
	principal, err := v.Verify(token)
	if err != nil {
		return err
	}
	if principal != username {
		return fmt.Errorf("%w: %w", errs.ErrUnauthorized, ErrSubjectMismatch)
	}
	return nil
}
