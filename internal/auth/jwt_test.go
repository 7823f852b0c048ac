package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/auth"
	"fleetwatch/internal/session"
)

const secret = "test-secret-key-that-is-long-enough-123"

func TestJWTRoundTrip(t *testing.T) {
	svc := auth.NewJWTService(secret, "fleetwatch", 1)
	want := session.Identity{Role: session.RoleCompanyAdmin, UserID: 10, CompanyID: 3}

	token, err := svc.GenerateToken(want)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	got, err := claims.Identity()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestJWTRejects(t *testing.T) {
	svc := auth.NewJWTService(secret, "fleetwatch", 1)

	t.Run("other secret", func(t *testing.T) {
		other := auth.NewJWTService("another-secret-key-that-is-long-enough", "fleetwatch", 1)
		token, err := other.GenerateToken(session.Identity{Role: session.RoleSystemAdmin})
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("other issuer", func(t *testing.T) {
		other := auth.NewJWTService(secret, "someone-else", 1)
		token, err := other.GenerateToken(session.Identity{Role: session.RoleSystemAdmin})
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "1", Issuer: "fleetwatch"},
			Role:             "superuser",
		})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)

		claims, err := svc.ValidateToken(signed)
		require.NoError(t, err)
		_, err = claims.Identity()
		assert.Error(t, err)
	})

	t.Run("invalid identity is not signed", func(t *testing.T) {
		_, err := svc.GenerateToken(session.Identity{Role: session.RoleUser})
		assert.Error(t, err)
	})
}

func TestRequireAuth(t *testing.T) {
	svc := auth.NewJWTService(secret, "fleetwatch", 1)
	token, err := svc.GenerateToken(session.Identity{Role: session.RoleUser, UserID: 5, CompanyID: 1})
	require.NoError(t, err)

	handler := svc.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, int64(5), id.UserID)
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("query parameter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
