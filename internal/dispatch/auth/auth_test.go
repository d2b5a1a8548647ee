package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
)

func TestTokenRoundTrip(t *testing.T) {
	m, err := NewManager("secret")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, err := m.NewJWT("d1", RolePartner, time.Hour)
	if err != nil {
		t.Fatalf("NewJWT: %v", err)
	}
	id, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.UserID != "d1" || id.Role != RolePartner {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestParseRejectsExpiredAndForeignTokens(t *testing.T) {
	m, _ := NewManager("secret")
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := m.NewJWT("d1", RolePartner, time.Hour)
	if err != nil {
		t.Fatalf("NewJWT: %v", err)
	}
	m.now = time.Now
	if _, err := m.Parse(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	other, _ := NewManager("other")
	foreign, _ := other.NewJWT("d1", RolePartner, time.Hour)
	if _, err := m.Parse(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign key, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "d1", Role: RoleAdmin})
	raw, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := m.Parse(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unsigned token, got %v", err)
	}
}

func TestMiddlewareRoles(t *testing.T) {
	m, _ := NewManager("secret")
	var seen Identity
	h := m.Middleware(RolePartner)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	cases := []struct {
		name   string
		role   string
		header bool
		want   int
	}{
		{"partner", RolePartner, true, http.StatusOK},
		{"admin", RoleAdmin, true, http.StatusOK},
		{"client", RoleClient, true, http.StatusForbidden},
		{"missing", "", false, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/partner/ride/state", nil)
			if tc.header {
				token, _ := m.NewJWT("u-"+tc.role, tc.role, time.Hour)
				r.Header.Set("Authorization", "Bearer "+token)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
	if seen.UserID != "u-admin" {
		t.Fatalf("expected last allowed identity u-admin, got %+v", seen)
	}
}

func TestPartnerIdentityFromQuery(t *testing.T) {
	m, _ := NewManager("secret")
	token, _ := m.NewJWT("h1", RolePartner, time.Hour)
	r := httptest.NewRequest(http.MethodGet, "/ws/partner?domain=emergency&token="+token, nil)
	id, err := m.PartnerIdentity(r)
	if err != nil || id != "h1" {
		t.Fatalf("expected h1, got %q %v", id, err)
	}
}
