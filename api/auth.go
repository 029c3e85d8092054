/*
auth.go - Bearer token authentication for staff routes

TOKENS:
  HS256 JWTs carrying a "role" claim. Librarians and admins may mutate
  circulation state; reads are public.

USAGE:
  tokens := api.NewTokenService(secret, "circulation")
  tok, _ := tokens.Issue("desk-1", api.RoleLibrarian, 8*time.Hour)
  r.With(api.RequireRole(tokens, log, api.RoleLibrarian, api.RoleAdmin)).Post(...)

When no TokenService is configured the router skips this middleware.
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleLibrarian = "librarian"
	RoleAdmin     = "admin"
)

var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
)

// Claims are the JWT claims of a staff token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type TokenService struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

func NewTokenService(signingKey, issuer string) *TokenService {
	return &TokenService{signingKey: []byte(signingKey), issuer: issuer, now: time.Now}
}

// Issue signs a token for subject with the given role.
func (s *TokenService) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return tok.SignedString(s.signingKey)
}

func (s *TokenService) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

type contextKeyClaims struct{}

// ClaimsFrom returns the authenticated claims, or nil on public routes.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(contextKeyClaims{}).(*Claims)
	return c
}

// RequireRole rejects requests without a valid bearer token whose role is
// one of roles.
func RequireRole(tokens *TokenService, log *slog.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				log.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", middleware.GetReqID(ctx), "path", r.URL.Path)
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing or invalid Authorization header", Code: "unauthorized"})
				return
			}
			claims, err := tokens.Validate(raw)
			if err != nil {
				log.WarnContext(ctx, "unauthorized access - invalid token",
					"request_id", middleware.GetReqID(ctx), "error", err)
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "unauthorized"})
				return
			}
			if !slices.Contains(roles, claims.Role) {
				log.WarnContext(ctx, "forbidden - role not allowed",
					"request_id", middleware.GetReqID(ctx), "subject", claims.Subject, "role", claims.Role)
				writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "role not allowed", Code: "forbidden"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, contextKeyClaims{}, claims)))
		})
	}
}
