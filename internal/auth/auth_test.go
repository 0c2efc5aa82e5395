package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func validToken(t *testing.T, sub string) string {
	return sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier(secret)

	sub, err := v.Verify(validToken(t, "alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	cases := map[string]string{
		"empty":      "",
		"garbage":    "not-a-token",
		"wrong key":  sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.RegisteredClaims{Subject: "alice"}),
		"no subject": sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{}),
		"expired": sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}),
		"wrong alg": sign(t, jwt.SigningMethodHS512, []byte(secret), jwt.RegisteredClaims{Subject: "alice"}),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, errs.ErrUnauthorized)
		})
	}
}

func TestVerifyFor(t *testing.T) {
	v := NewJWTVerifier(secret)
	require.NoError(t, VerifyFor(v, validToken(t, "alice"), "alice"))

	err := VerifyFor(v, validToken(t, "alice"), "bob")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.ErrorIs(t, err, ErrSubjectMismatch)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/alice?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware(NewJWTVerifier(secret)), func(c *gin.Context) {
		c.String(http.StatusOK, Principal(c))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+validToken(t, "carol"))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthorized","code":"unauthorized"}`, w.Body.String())
}
