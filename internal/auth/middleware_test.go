package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("test-secret")
	policy := NewDefaultPolicy([]string{"/healthz"}, []string{"/metrics"})
	mw := NewMiddleware(secret, policy)

	var subject string
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		code   int
	}{
		{name: "no token", method: http.MethodGet, path: "/api/v1/commands/c1", code: http.StatusUnauthorized},
		{name: "garbage token", method: http.MethodGet, path: "/api/v1/commands/c1", token: "abc", code: http.StatusUnauthorized},
		{name: "wrong secret", method: http.MethodGet, path: "/api/v1/commands/c1", token: mustToken(t, []byte("other"), "viewer", time.Hour), code: http.StatusUnauthorized},
		{name: "expired", method: http.MethodGet, path: "/api/v1/commands/c1", token: mustToken(t, secret, "viewer", -time.Minute), code: http.StatusUnauthorized},
		{name: "viewer reads", method: http.MethodGet, path: "/api/v1/commands/c1", token: mustToken(t, secret, "viewer", time.Hour), code: http.StatusOK},
		{name: "viewer submit", method: http.MethodPost, path: "/api/v1/commands", token: mustToken(t, secret, "viewer", time.Hour), code: http.StatusForbidden},
		{name: "viewer rollback", method: http.MethodPost, path: "/api/v1/commands/c1/rollback", token: mustToken(t, secret, "viewer", time.Hour), code: http.StatusForbidden},
		{name: "operator submit", method: http.MethodPost, path: "/api/v1/commands", token: mustToken(t, secret, "operator", time.Hour), code: http.StatusOK},
		{name: "operator status callback", method: http.MethodPost, path: "/api/v1/commands/c1/status", token: mustToken(t, secret, "operator", time.Hour), code: http.StatusOK},
		{name: "operator admin", method: http.MethodPost, path: "/api/v1/admin/breaker", token: mustToken(t, secret, "operator", time.Hour), code: http.StatusForbidden},
		{name: "exempt path", method: http.MethodGet, path: "/healthz", code: http.StatusOK},
		{name: "exempt prefix", method: http.MethodGet, path: "/metrics", code: http.StatusOK},
		{name: "non api", method: http.MethodGet, path: "/", code: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)
			if resp.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, resp.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", nil)
	req.Header.Set("Authorization", "Bearer "+mustToken(t, secret, "operator", time.Hour))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if subject != "user-1" {
		t.Fatalf("expected subject in context, got %q", subject)
	}
}

func TestParseJWTRejectsMissingSubject(t *testing.T) {
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "operator"})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT(signed, secret); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func mustToken(t *testing.T, secret []byte, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
