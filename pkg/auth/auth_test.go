package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return log
}

func tokenHash(t *testing.T, token string) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)

	return string(hash)
}

func newTestService(t *testing.T) Service {
	t.Helper()

	svc, err := NewService(newTestLogger(), config.AuthConfig{
		Admins: []config.AdminConfig{
			{Name: "ops", TokenHash: tokenHash(t, "ops-token")},
			{Name: "release", TokenHash: tokenHash(t, "release-token")},
		},
	})
	require.NoError(t, err)

	return svc
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)
	assert.True(t, svc.Enabled())

	admin, err := svc.Authenticate("release-token")
	require.NoError(t, err)
	assert.Equal(t, "release", admin.Name)

	// Served from the verified cache the second time.
	admin, err = svc.Authenticate("release-token")
	require.NoError(t, err)
	assert.Equal(t, "release", admin.Name)

	_, err = svc.Authenticate("wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Authenticate("")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewServiceRejectsPlaintextTokens(t *testing.T) {
	_, err := NewService(newTestLogger(), config.AuthConfig{
		Admins: []config.AdminConfig{{Name: "ops", TokenHash: "ops-token"}},
	})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	var seen *Admin

	handler := Middleware(newTestService(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AdminFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
		admin  string
	}{
		{name: "bearer", header: "Bearer ops-token", status: http.StatusNoContent, admin: "ops"},
		{name: "raw", header: "release-token", status: http.StatusNoContent, admin: "release"},
		{name: "wrong", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "missing", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)

			if tt.admin != "" {
				require.NotNil(t, seen)
				assert.Equal(t, tt.admin, seen.Name)
			}
		})
	}
}

func TestMiddlewareOpenWithoutAdmins(t *testing.T) {
	svc, err := NewService(newTestLogger(), config.AuthConfig{})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	handler := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Nil(t, AdminFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
