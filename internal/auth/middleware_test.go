package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gallery-paywall/internal/auth"
	"github.com/noah-isme/gallery-paywall/internal/common"
)

const testSecret = "buyer-token-secret"

func signToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	token, err := jwt.NewBuilder().
		Subject(subject).
		Issuer("marketplace-api").
		Audience([]string{"gallery-paywall"}).
		IssuedAt(time.Now()).
		Expiration(expiresAt).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func newService(t *testing.T) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(auth.Config{
		Secret:   testSecret,
		Issuer:   "marketplace-api",
		Audience: "gallery-paywall",
	})
	require.NoError(t, err)
	return svc
}

func TestRequireAuth(t *testing.T) {
	svc := newService(t)
	mw := auth.Middleware{Service: svc}

	var seenBuyer string
	handler := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenBuyer, _ = common.BuyerID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "buyer-42", time.Now().Add(time.Hour)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.Equal(t, "buyer-42", seenBuyer)
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "buyer-42", time.Now().Add(-2*time.Minute)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		token, err := jwt.NewBuilder().
			Subject("buyer-42").
			Issuer("marketplace-api").
			Audience([]string{"gallery-paywall"}).
			Expiration(time.Now().Add(time.Hour)).
			Build()
		require.NoError(t, err)
		signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("other-secret")))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+string(signed))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
