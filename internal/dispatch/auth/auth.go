package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

// Roles carried in access tokens.
const (
	RolePartner = "partner"
	RoleClient  = "client"
	RoleAdmin   = "admin"
)

var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("authorization header missing or invalid")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrForbidden is returned when the role is not allowed.
	ErrForbidden = errors.New("forbidden")
)

// Claims are the access token claims.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

// Manager signs and verifies HS256 access tokens.
type Manager struct {
	signingKey []byte
	now        func() time.Time
}

// NewManager creates a token manager.
func NewManager(signingKey string) (*Manager, error) {
	if signingKey == "" {
		return nil, errors.New("empty signing key")
	}
	return &Manager{signingKey: []byte(signingKey), now: time.Now}, nil
}

// NewJWT issues an access token.
func (m *Manager) NewJWT(userID, role string, ttl time.Duration) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: userID,
		Role:   role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(ttl).Unix(),
			IssuedAt:  now.Unix(),
			Subject:   userID,
		},
	})
	return token.SignedString(m.signingKey)
}

// Parse verifies an access token and returns its identity.
func (m *Manager) Parse(accessToken string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(accessToken, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: no user", ErrInvalidToken)
	}
	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// FromRequest verifies the bearer token of r. WebSocket clients that cannot
// set headers may pass the token in the "token" query parameter.
func (m *Manager) FromRequest(r *http.Request) (Identity, error) {
	var raw string
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return Identity{}, ErrMissingToken
	}
	return m.Parse(raw)
}

// Allowed reports whether role may call endpoints guarded by required.
// Admins pass every check.
func Allowed(role, required string) bool {
	return required == "" || role == required || role == RoleAdmin
}

type ctxKey struct{}

// WithIdentity stores the identity in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid token for role.
func (m *Manager) Middleware(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := m.FromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if !Allowed(id.Role, role) {
				http.Error(w, fmt.Sprintf("%v: only %s role allowed", ErrForbidden, role), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// PartnerIdentity resolves the partner of a WebSocket upgrade request.
func (m *Manager) PartnerIdentity(r *http.Request) (string, error) {
	id, err := m.FromRequest(r)
	if err != nil {
		return "", err
	}
	if !Allowed(id.Role, RolePartner) {
		return "", ErrForbidden
	}
	return id.UserID, nil
}
