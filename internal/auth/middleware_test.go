package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", mw, func(c *gin.Context) {
		user, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, user)
	})
	return r
}

func do(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestJWTMiddleware(t *testing.T) {
	valid := jwt.RegisteredClaims{
		Subject:   "user-123",
		Audience:  jwt.ClaimStrings{"deepfake-check"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noSubject := valid
	noSubject.Subject = ""

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer  ", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), valid), http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + signToken(t, jwt.SigningMethodHS512, []byte(testSecret), valid), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), http.StatusUnauthorized},
		{"no subject", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noSubject), http.StatusUnauthorized},
	}

	r := newRouter(JWTMiddleware(testSecret, "deepfake-check"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(r, tt.header)
			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, resp.Code, resp.Body.String())
			}
			if tt.status == http.StatusOK && resp.Body.String() != "user-123" {
				t.Fatalf("expected subject in context, got %q", resp.Body.String())
			}
		})
	}
}

func TestJWTMiddlewareRejectsWrongAudience(t *testing.T) {
	claims := jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"someone-else"}}
	r := newRouter(JWTMiddleware(testSecret, "deepfake-check"))

	resp := do(r, "Bearer "+signToken(t, jwt.SigningMethodHS256, []byte(testSecret), claims))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestOptionalWithoutSecretPassesThrough(t *testing.T) {
	r := newRouter(Optional("", "", zap.NewNop()))

	resp := do(r, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Body.String() != "" {
		t.Fatalf("expected anonymous request, got subject %q", resp.Body.String())
	}
}

func TestOptionalWithSecretEnforcesTokens(t *testing.T) {
	r := newRouter(Optional(testSecret, "", zap.NewNop()))
	if resp := do(r, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
