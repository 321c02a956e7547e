package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asan-idp/approvalgate/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleApprover  Role = "approver"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleApprover, RoleAdmin:
		return true
	}
	return false
}

type Claims struct {
	Role          Role                 `json:"role"`
	ApproverLevel models.ApproverLevel `json:"approver_level,omitempty"`
	jwt.RegisteredClaims
}

// UserID is the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

type Config struct {
	JWTSecret         string
	AccessTokenExpiry time.Duration
	Issuer            string
}

// ErrorWriter renders middleware rejections.
type ErrorWriter func(w http.ResponseWriter, status int, code, message string)

func plainError(w http.ResponseWriter, status int, _ string, message string) {
	http.Error(w, message, status)
}

type Service struct {
	config   Config
	now      func() time.Time
	writeErr ErrorWriter
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithErrorWriter(ew ErrorWriter) Option {
	return func(s *Service) { s.writeErr = ew }
}

func NewService(config Config, opts ...Option) *Service {
	if config.AccessTokenExpiry == 0 {
		config.AccessTokenExpiry = 15 * time.Minute
	}
	if config.Issuer == "" {
		config.Issuer = "approvalgate"
	}

	s := &Service{config: config, now: time.Now, writeErr: plainError}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueToken signs an access token for the given identity.
func (s *Service) IssueToken(userID string, role Role, level models.ApproverLevel) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}
	if level != "" && level.Rank() == 0 {
		return "", time.Time{}, fmt.Errorf("unknown approver level %q", level)
	}

	now := s.now()
	expiresAt := now.Add(s.config.AccessTokenExpiry)
	claims := &Claims{
		Role:          role,
		ApproverLevel: level,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.config.Issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.config.Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// LevelAtLeast reports whether have is as senior as need. Unknown levels
// never satisfy a known requirement.
func LevelAtLeast(have, need models.ApproverLevel) bool {
	if need.Rank() == 0 {
		return true
	}
	return have.Rank() >= need.Rank()
}

type contextKey string

const UserContextKey contextKey = "user"

func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// WithClaims stores claims in a context, as Middleware does.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, c)
}

func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeErr(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeErr(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header format")
			return
		}

		claims, err := s.ValidateToken(parts[1])
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				s.writeErr(w, http.StatusUnauthorized, "token_expired", "token expired")
				return
			}
			s.writeErr(w, http.StatusUnauthorized, "invalid_token", "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole allows the listed roles. Admin is always allowed.
func (s *Service) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaims(r.Context())
			if !ok {
				s.writeErr(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}

			if claims.Role == RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			s.writeErr(w, http.StatusForbidden, "forbidden", "forbidden")
		})
	}
}
