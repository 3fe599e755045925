package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	domainErrors "github.com/rideworks/ride-negotiation-backend/internal/domain/errors"
	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Claims is the JWT payload issued by the identity service. The roles
// claim carries "driver" and/or "passenger".
type Claims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"user_id"`
	Roles  []string  `json:"roles"`
}

// AuthMiddleware validates bearer tokens and stashes the resolved
// identity on the request context.
type AuthMiddleware struct {
	secret []byte
}

func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

func (m *AuthMiddleware) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errorBody{
					Type: "unauthorized", Code: "MISSING_TOKEN", Message: "bearer token required",
				}})
				return
			}

			ident, err := m.parse(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errorBody{
					Type: "unauthorized", Code: "INVALID_TOKEN", Message: "invalid or expired token",
				}})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
		})
	}
}

func (m *AuthMiddleware) parse(token string) (negotiation.Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return negotiation.Identity{}, err
	}
	if !parsed.Valid || claims.UserID == uuid.Nil {
		return negotiation.Identity{}, fmt.Errorf("invalid claims")
	}

	ident := negotiation.Identity{ID: claims.UserID}
	for _, role := range claims.Roles {
		switch role {
		case "driver":
			ident.IsDriver = true
		case "passenger":
			ident.IsPassenger = true
		}
	}
	return ident, nil
}

// IssueToken mints a token for the given identity; used by tests and
// local tooling, signing with the same shared secret.
func (m *AuthMiddleware) IssueToken(ident negotiation.Identity, ttl time.Duration) (string, error) {
	var roles []string
	if ident.IsDriver {
		roles = append(roles, "driver")
	}
	if ident.IsPassenger {
		roles = append(roles, "passenger")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID: ident.ID,
		Roles:  roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, ident negotiation.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, ident)
}

// IdentityFromContext extracts the authenticated identity.
func IdentityFromContext(ctx context.Context) (negotiation.Identity, error) {
	ident, ok := ctx.Value(identityContextKey).(negotiation.Identity)
	if !ok {
		return negotiation.Identity{}, domainErrors.NewUnauthorizedError("no authenticated user")
	}
	return ident, nil
}

// ContextIdentityResolver satisfies negotiation.IdentityResolver from
// the JWT identity the auth middleware placed on the context. The engine
// only ever asks about the acting user, so a mismatch means the caller
// tried to act on behalf of someone else.
type ContextIdentityResolver struct{}

func (ContextIdentityResolver) Resolve(ctx context.Context, userID uuid.UUID) (negotiation.Identity, error) {
	ident, err := IdentityFromContext(ctx)
	if err != nil {
		return negotiation.Identity{}, negotiation.ErrNotFound
	}
	if ident.ID != userID {
		return negotiation.Identity{}, negotiation.ErrNotFound
	}
	return ident, nil
}
