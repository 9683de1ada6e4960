package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "s3cret", Issuer: "run-tracker"}

func TestIssueAndParse(t *testing.T) {
	token, err := Issue(testConfig, "bot", "guild-1", []string{ScopeTrackedRead, ScopeTrackedWrite}, time.Hour)
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "bot", claims.Subject)
	require.Equal(t, "guild-1", claims.TenantID)
	require.True(t, claims.HasScope(ScopeTrackedWrite))
	require.False(t, claims.HasScope(ScopeAdmin))
}

func TestParseRejects(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testConfig.Issuer, "sub": "bot", "tenant_id": "g", "exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)

	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testConfig.Issuer, "sub": "bot", "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)

	wrongIssuer, err := Issue(Config{Secret: testConfig.Secret, Issuer: "other"}, "bot", "g", nil, time.Minute)
	require.NoError(t, err)

	wrongSecret, err := Issue(Config{Secret: "nope", Issuer: testConfig.Issuer}, "bot", "g", nil, time.Minute)
	require.NoError(t, err)

	_, err = Parse("", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)

	for name, token := range map[string]string{"expired": expired, "no tenant": noTenant, "issuer": wrongIssuer, "secret": wrongSecret} {
		_, err := Parse(token, testConfig)
		require.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestNormalizeScopesFromString(t *testing.T) {
	scopes := normalizeScopes("tracked:read  admin")
	require.Len(t, scopes, 2)
	require.Contains(t, scopes, ScopeAdmin)
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	handler := NewMiddleware(testConfig).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tracked", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"type":"unauthorized","detail":"missing bearer token"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/v1/tracked", nil)
	req.Header.Set("Authorization", "Basic Ym90OnB3")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := Issue(testConfig, "bot", "guild-1", []string{ScopeTrackedRead}, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/tracked", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "guild-1", seen.TenantID)
}
