package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func protected(t *testing.T) (http.Handler, *Admin) {
	t.Helper()
	var seen Admin
	h := RequireAdmin(testSecret, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := AdminFromContext(r.Context())
		if !ok {
			t.Error("admin missing from context")
		}
		seen = a
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func TestRequireAdminAcceptsIssuedToken(t *testing.T) {
	token, exp, err := IssueAdminToken(testSecret, "ops", "tok-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueAdminToken() error: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Errorf("expiry = %s", exp)
	}

	h, seen := protected(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/extensions/3000/audit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if seen.Subject != "ops" || seen.TokenID != "tok-1" {
		t.Errorf("admin = %+v", *seen)
	}
}

func TestRequireAdminRejects(t *testing.T) {
	sign := func(claims AdminClaims, secret []byte) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return s
	}
	valid := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	foreign := valid
	foreign.Issuer = "someone-else"

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + sign(AdminClaims{Role: roleAdmin, RegisteredClaims: valid}, []byte("other-secret")), http.StatusUnauthorized},
		{"expired", "Bearer " + sign(AdminClaims{Role: roleAdmin, RegisteredClaims: expired}, testSecret), http.StatusUnauthorized},
		{"foreign issuer", "Bearer " + sign(AdminClaims{Role: roleAdmin, RegisteredClaims: foreign}, testSecret), http.StatusUnauthorized},
		{"user role", "Bearer " + sign(AdminClaims{Role: "user", RegisteredClaims: valid}, testSecret), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RequireAdmin(testSecret, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler reached")
			}))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/provision", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestIssueAdminTokenRequiresSubject(t *testing.T) {
	if _, _, err := IssueAdminToken(testSecret, "", "", time.Hour); err == nil {
		t.Error("token issued without subject")
	}
}
