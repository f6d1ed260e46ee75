package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkpad/server/internal/audit"
	"github.com/inkpad/server/internal/auth"
	"github.com/inkpad/server/internal/auth/authtest"
	httphandler "github.com/inkpad/server/internal/http"
	"github.com/inkpad/server/internal/http/handlers"
	"github.com/inkpad/server/internal/middleware"
)

type testServer struct {
	env    *authtest.Env
	router *chi.Mux
}

func newTestServer(t *testing.T, limits httphandler.RateLimits) *testServer {
	t.Helper()
	env := authtest.New(t)
	authn := middleware.NewAuthenticator(env.JWT, env.Registry, env.Users, audit.NewLogger(nil, env.Audit))
	limiter := middleware.NewMemoryLimiter(0)
	t.Cleanup(limiter.Close)

	router := httphandler.NewRouter(
		handlers.NewAuthHandler(env.Service, handlers.NewCookieConfig(false, env.Settings.RefreshTTL)),
		handlers.NewHealthHandler(map[string]handlers.Check{
			"redis": func(ctx context.Context) error { return env.Client.Ping(ctx).Err() },
		}),
		authn,
		limiter,
		limits,
	)
	return &testServer{env: env, router: router}
}

func generousLimits() httphandler.RateLimits {
	p := func(name string) middleware.Policy {
		return middleware.Policy{Name: name, Limit: 1000, Window: time.Minute}
	}
	return httphandler.RateLimits{Login: p("login"), Refresh: p("refresh"), Code: p("code")}
}

type requestOpt func(r *http.Request)

func withBearer(token string) requestOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withRefresh(c *http.Cookie) requestOpt {
	return func(r *http.Request) {
		if c != nil {
			r.AddCookie(c)
		}
	}
}

func (s *testServer) call(t *testing.T, method, path string, body any, opts ...requestOpt) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func refreshCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == handlers.RefreshCookieName {
			return c
		}
	}
	return nil
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, code, body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestRegisterVerifyMeRefreshLogout(t *testing.T) {
	s := newTestServer(t, generousLimits())

	rec := s.call(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "New@Example.com", "password": "long-enough-pw", "name": "Ada",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, auth.DevCode, body["dev_code"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "new@example.com", user["email"])
	assert.Equal(t, false, user["email_verified"])

	rec = s.call(t, http.MethodPost, "/auth/verify_code", map[string]string{"email": "new@example.com", "code": auth.DevCode})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	access := body["access_token"].(string)
	assert.Equal(t, "bearer", body["token_type"])
	assert.NotEmpty(t, body["expires_at"])
	assert.Equal(t, true, body["user"].(map[string]any)["email_verified"])

	cookie := refreshCookie(rec)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.False(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, int((30 * 24 * time.Hour).Seconds()), cookie.MaxAge)

	rec = s.call(t, http.MethodGet, "/me", nil, withBearer(access))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.Equal(t, "new@example.com", body["email"])
	assert.Equal(t, "Ada", body["name"])
	assert.NotEmpty(t, body["device_id"])

	// Rotation returns a new cookie; the old one is dead.
	rec = s.call(t, http.MethodPost, "/auth/refresh", nil, withRefresh(cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := refreshCookie(rec)
	require.NotNil(t, rotated)
	assert.NotEqual(t, cookie.Value, rotated.Value)
	newAccess := decodeBody(t, rec)["access_token"].(string)
	assert.NotEqual(t, access, newAccess)

	rec = s.call(t, http.MethodPost, "/auth/refresh", nil, withRefresh(cookie))
	assertErrorCode(t, rec, http.StatusUnauthorized, handlers.CodeRefreshInvalid)
	cleared := refreshCookie(rec)
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)

	rec = s.call(t, http.MethodPost, "/auth/logout", nil, withBearer(newAccess), withRefresh(rotated))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cleared = refreshCookie(rec)
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)

	rec = s.call(t, http.MethodGet, "/me", nil, withBearer(newAccess))
	assertErrorCode(t, rec, http.StatusUnauthorized, string(middleware.ReasonRevokedOrUnknownSession))

	rec = s.call(t, http.MethodPost, "/auth/refresh", nil, withRefresh(rotated))
	assertErrorCode(t, rec, http.StatusUnauthorized, handlers.CodeRefreshInvalid)
}

func TestLoginErrors(t *testing.T) {
	s := newTestServer(t, generousLimits())
	s.env.AddUser(t, "ok@x.com", "correct-password", true, false)
	s.env.AddUser(t, "pending@x.com", "correct-password", false, false)
	s.env.AddUser(t, "blocked@x.com", "correct-password", true, true)

	tests := []struct {
		name   string
		body   map[string]string
		status int
		code   string
	}{
		{"invalid email", map[string]string{"email": "nope", "password": "x"}, http.StatusBadRequest, handlers.CodeValidationFailed},
		{"missing password", map[string]string{"email": "ok@x.com"}, http.StatusBadRequest, handlers.CodeValidationFailed},
		{"wrong password", map[string]string{"email": "ok@x.com", "password": "wrong"}, http.StatusUnauthorized, handlers.CodeInvalidCredentials},
		{"unknown user", map[string]string{"email": "ghost@x.com", "password": "correct-password"}, http.StatusUnauthorized, handlers.CodeInvalidCredentials},
		{"unverified", map[string]string{"email": "pending@x.com", "password": "wrong"}, http.StatusForbidden, handlers.CodeEmailNotVerified},
		{"blocked", map[string]string{"email": "blocked@x.com", "password": "correct-password"}, http.StatusForbidden, handlers.CodeUserDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.call(t, http.MethodPost, "/auth/login", tt.body)
			assertErrorCode(t, rec, tt.status, tt.code)
			assert.Nil(t, refreshCookie(rec))
		})
	}

	rec := s.call(t, http.MethodPost, "/auth/login", map[string]string{"email": "OK@x.com", "password": "correct-password"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, refreshCookie(rec))
}

func TestLogin_MalformedBody(t *testing.T) {
	s := newTestServer(t, generousLimits())
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assertErrorCode(t, rec, http.StatusBadRequest, handlers.CodeValidationFailed)
}

func TestRegister_DuplicateVerifiedEmail(t *testing.T) {
	s := newTestServer(t, generousLimits())
	s.env.AddUser(t, "taken@x.com", "correct-password", true, false)

	rec := s.call(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "taken@x.com", "password": "long-enough-pw", "name": "Bob",
	})
	assertErrorCode(t, rec, http.StatusConflict, handlers.CodeEmailTaken)

	rec = s.call(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "short@x.com", "password": "short", "name": "Bob",
	})
	assertErrorCode(t, rec, http.StatusBadRequest, handlers.CodeValidationFailed)
	assert.Contains(t, decodeBody(t, rec)["error"], "password must be at least 8 characters long")
}

func TestPassword_LimitCountsBytes(t *testing.T) {
	s := newTestServer(t, generousLimits())
	s.env.AddUser(t, "ok@x.com", "old-password", true, false)
	long := strings.Repeat("é", 40)

	rec := s.call(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "multi@x.com", "password": long, "name": "Zoé",
	})
	assertErrorCode(t, rec, http.StatusBadRequest, handlers.CodeValidationFailed)
	assert.Contains(t, decodeBody(t, rec)["error"], "password must be at most 72 bytes long")

	rec = s.call(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "multi@x.com", "password": strings.Repeat("é", 36), "name": "Zoé",
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.call(t, http.MethodPost, "/auth/forgot_password_link", map[string]string{"email": "ok@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeBody(t, rec)["dev_token"].(string)

	rec = s.call(t, http.MethodPost, "/auth/reset_password_token", map[string]string{"token": token, "password": long})
	assertErrorCode(t, rec, http.StatusBadRequest, handlers.CodeValidationFailed)

	rec = s.call(t, http.MethodPost, "/auth/forgot_password", map[string]string{"email": "ok@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.call(t, http.MethodPost, "/auth/reset_password", map[string]string{
		"email": "ok@x.com", "code": auth.DevCode, "password": long,
	})
	assertErrorCode(t, rec, http.StatusBadRequest, handlers.CodeValidationFailed)

	// The rejected request did not consume the link.
	rec = s.call(t, http.MethodPost, "/auth/reset_password_token", map[string]string{"token": token, "password": "brand-new-password"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRegister_AgainKeepsFirstPassword(t *testing.T) {
	s := newTestServer(t, generousLimits())

	rec := s.call(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "pending@x.com", "password": "owner-password", "name": "Owner",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.call(t, http.MethodPost, "/auth/register", map[string]string{
		"email": "pending@x.com", "password": "other-password", "name": "Other",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Owner", decodeBody(t, rec)["user"].(map[string]any)["name"])

	rec = s.call(t, http.MethodPost, "/auth/verify_code", map[string]string{"email": "pending@x.com", "code": auth.DevCode})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.call(t, http.MethodPost, "/auth/login", map[string]string{"email": "pending@x.com", "password": "other-password"})
	assertErrorCode(t, rec, http.StatusUnauthorized, handlers.CodeInvalidCredentials)
	rec = s.call(t, http.MethodPost, "/auth/login", map[string]string{"email": "pending@x.com", "password": "owner-password"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifyCode_Wrong(t *testing.T) {
	s := newTestServer(t, generousLimits())
	s.env.AddUser(t, "pending@x.com", "correct-password", false, false)

	rec := s.call(t, http.MethodPost, "/auth/resend_code", map[string]string{"email": "pending@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.call(t, http.MethodPost, "/auth/verify_code", map[string]string{"email": "pending@x.com", "code": "000000"})
	assertErrorCode(t, rec, http.StatusUnauthorized, handlers.CodeInvalidCode)

	rec = s.call(t, http.MethodPost, "/auth/verify_code", map[string]string{"email": "pending@x.com", "code": auth.DevCode})
	assertErrorCode(t, rec, http.StatusTooManyRequests, handlers.CodeTooManyAttempts)

	rec = s.call(t, http.MethodPost, "/auth/verify_code", map[string]string{"email": "pending@x.com", "code": "12ab56"})
	assertErrorCode(t, rec, http.StatusBadRequest, handlers.CodeValidationFailed)
}

func TestRefresh_WithoutCookie(t *testing.T) {
	s := newTestServer(t, generousLimits())
	rec := s.call(t, http.MethodPost, "/auth/refresh", nil)
	assertErrorCode(t, rec, http.StatusUnauthorized, handlers.CodeRefreshInvalid)
}

func TestLogout_RequiresAccessToken(t *testing.T) {
	s := newTestServer(t, generousLimits())
	rec := s.call(t, http.MethodPost, "/auth/logout", nil)
	assertErrorCode(t, rec, http.StatusUnauthorized, string(middleware.ReasonMissingToken))
}

func TestLogout_WithoutCookieStillSucceeds(t *testing.T) {
	s := newTestServer(t, generousLimits())
	s.env.AddUser(t, "ok@x.com", "correct-password", true, false)
	rec := s.call(t, http.MethodPost, "/auth/login", map[string]string{"email": "ok@x.com", "password": "correct-password"})
	require.Equal(t, http.StatusOK, rec.Code)
	access := decodeBody(t, rec)["access_token"].(string)

	rec = s.call(t, http.MethodPost, "/auth/logout", nil, withBearer(access))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForgotPasswordLinkAndReset(t *testing.T) {
	s := newTestServer(t, generousLimits())
	s.env.AddUser(t, "ok@x.com", "old-password", true, false)

	rec := s.call(t, http.MethodPost, "/auth/login", map[string]string{"email": "ok@x.com", "password": "old-password"})
	require.Equal(t, http.StatusOK, rec.Code)
	oldAccess := decodeBody(t, rec)["access_token"].(string)

	rec = s.call(t, http.MethodPost, "/auth/forgot_password_link", map[string]string{"email": "ok@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeBody(t, rec)["dev_token"].(string)
	require.NotEmpty(t, token)

	rec = s.call(t, http.MethodPost, "/auth/reset_password_token", map[string]string{"token": token, "password": "brand-new-password"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.call(t, http.MethodPost, "/auth/reset_password_token", map[string]string{"token": token, "password": "another-password"})
	assertErrorCode(t, rec, http.StatusUnauthorized, handlers.CodeInvalidResetToken)

	rec = s.call(t, http.MethodGet, "/me", nil, withBearer(oldAccess))
	assertErrorCode(t, rec, http.StatusUnauthorized, string(middleware.ReasonRevokedOrUnknownSession))

	rec = s.call(t, http.MethodPost, "/auth/login", map[string]string{"email": "ok@x.com", "password": "brand-new-password"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForgotPasswordCodeAndReset(t *testing.T) {
	s := newTestServer(t, generousLimits())
	s.env.AddUser(t, "ok@x.com", "old-password", true, false)

	rec := s.call(t, http.MethodPost, "/auth/forgot_password", map[string]string{"email": "ok@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auth.DevCode, decodeBody(t, rec)["dev_code"])

	rec = s.call(t, http.MethodPost, "/auth/reset_password", map[string]string{
		"email": "ok@x.com", "code": auth.DevCode, "password": "brand-new-password",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.call(t, http.MethodPost, "/auth/login", map[string]string{"email": "ok@x.com", "password": "brand-new-password"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unknown addresses look the same as known ones, minus the code.
	rec = s.call(t, http.MethodPost, "/auth/forgot_password", map[string]string{"email": "ghost@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decodeBody(t, rec), "dev_code")
}

func TestRateLimitOnLogin(t *testing.T) {
	limits := generousLimits()
	limits.Login = middleware.Policy{Name: "login", Limit: 2, Window: 15 * time.Minute}
	s := newTestServer(t, limits)

	body := map[string]string{"email": "ghost@x.com", "password": "whatever"}
	for i := 0; i < 2; i++ {
		rec := s.call(t, http.MethodPost, "/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := s.call(t, http.MethodPost, "/auth/login", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Refresh has its own budget.
	rec = s.call(t, http.MethodPost, "/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, generousLimits())

	rec := s.call(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])

	s.env.Redis.SetError("down")
	rec = s.call(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "down", body["checks"].(map[string]any)["redis"])
}

func TestHealth_FailingCheck(t *testing.T) {
	h := handlers.NewHealthHandler(map[string]handlers.Check{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
		"redis":    func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"ok":false,"checks":{"postgres":"down","redis":"up"}}`, rec.Body.String())
}
