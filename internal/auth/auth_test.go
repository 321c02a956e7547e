package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asan-idp/approvalgate/internal/models"
)

var fixedNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestService(now *time.Time) *Service {
	return NewService(Config{JWTSecret: "test-secret"}, WithClock(func() time.Time { return *now }))
}

func TestIssueAndValidate(t *testing.T) {
	now := fixedNow
	s := newTestService(&now)

	token, exp, err := s.IssueToken("mgr.park", RoleApprover, models.ApproverManager)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if !exp.Equal(fixedNow.Add(15 * time.Minute)) {
		t.Errorf("expected 15m expiry, got %v", exp)
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID() != "mgr.park" || claims.Role != RoleApprover || claims.ApproverLevel != models.ApproverManager {
		t.Errorf("unexpected claims %+v", claims)
	}

	now = fixedNow.Add(16 * time.Minute)
	if _, err := s.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	now := fixedNow
	s := newTestService(&now)
	token, _, _ := s.IssueToken("dr.kim", RoleRequester, "")

	other := NewService(Config{JWTSecret: "other"}, WithClock(func() time.Time { return now }))
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "approvalgate"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := s.ValidateToken(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for alg none, got %v", err)
	}
}

func TestIssueToken_Validation(t *testing.T) {
	now := fixedNow
	s := newTestService(&now)
	tests := []struct {
		name  string
		user  string
		role  Role
		level models.ApproverLevel
	}{
		{"missing user", "", RoleApprover, ""},
		{"unknown role", "a", "janitor", ""},
		{"unknown level", "a", RoleApprover, "intern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.IssueToken(tt.user, tt.role, tt.level); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLevelAtLeast(t *testing.T) {
	tests := []struct {
		have, need models.ApproverLevel
		want       bool
	}{
		{models.ApproverChiefOfficer, models.ApproverSeniorManager, true},
		{models.ApproverManager, models.ApproverManager, true},
		{models.ApproverSupervisor, models.ApproverManager, false},
		{"", models.ApproverSupervisor, false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := LevelAtLeast(tt.have, tt.need); got != tt.want {
			t.Errorf("LevelAtLeast(%q, %q) = %v, expected %v", tt.have, tt.need, got, tt.want)
		}
	}
}

func TestMiddlewareAndRequireRole(t *testing.T) {
	now := fixedNow
	s := newTestService(&now)
	requester, _, _ := s.IssueToken("dr.kim", RoleRequester, "")
	approver, _, _ := s.IssueToken("mgr.park", RoleApprover, models.ApproverManager)
	admin, _, _ := s.IssueToken("ops", RoleAdmin, "")

	var seen *Claims
	h := s.Middleware(s.RequireRole(RoleApprover)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetClaims(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"wrong role", "Bearer " + requester, http.StatusForbidden},
		{"approver", "Bearer " + approver, http.StatusNoContent},
		{"admin bypass", "Bearer " + admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
	if seen == nil || seen.UserID() != "ops" {
		t.Errorf("expected claims in context, got %+v", seen)
	}
}

func TestMiddleware_CustomErrorWriter(t *testing.T) {
	var code string
	s := NewService(Config{JWTSecret: "k"}, WithErrorWriter(func(w http.ResponseWriter, status int, c, msg string) {
		code = c
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	s.Middleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized || code != "unauthorized" {
		t.Errorf("expected unauthorized via writer, got %d %q", rec.Code, code)
	}
}
