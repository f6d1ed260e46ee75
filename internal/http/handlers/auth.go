package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/inkpad/server/internal/auth"
	"github.com/inkpad/server/internal/logx"
	"github.com/inkpad/server/internal/middleware"
	"github.com/inkpad/server/internal/model"
	"github.com/inkpad/server/internal/reqmeta"
)

const maxBodyBytes = 1 << 20

// Error codes returned in the "code" field of error responses.
const (
	CodeValidationFailed   = "ValidationFailed"
	CodeInvalidCredentials = "InvalidCredentials"
	CodeEmailNotVerified   = "EmailNotVerified"
	CodeUserDisabled       = "UserNotFoundOrDisabled"
	CodeEmailTaken         = "EmailTaken"
	CodeRefreshInvalid     = "RefreshSessionNotFoundOrExpired"
	CodeInvalidCode        = "InvalidCode"
	CodeTooManyAttempts    = "TooManyAttempts"
	CodeInvalidResetToken  = "InvalidResetToken"
	CodeUnauthorized       = "Unauthorized"
	CodeInternal           = "InternalError"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *auth.AuthService
	validate    *validator.Validate
	cookies     CookieConfig
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.AuthService, cookies CookieConfig) *AuthHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("maxbytes", maxBytes); err != nil {
		panic(fmt.Sprintf("register maxbytes validation: %v", err))
	}
	return &AuthHandler{
		authService: authService,
		validate:    v,
		cookies:     cookies,
	}
}

// maxBytes limits the encoded length of a string. The stock max tag counts
// runes.
func maxBytes(fl validator.FieldLevel) bool {
	n, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= n
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
	Name     string `json:"name" validate:"required,max=100"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type verifyCodeRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,maxbytes=72"`
}

type resetPasswordRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Code     string `json:"code" validate:"required,len=6,numeric"`
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
}

type resetPasswordTokenRequest struct {
	Token    string `json:"token" validate:"required,max=256"`
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	EmailVerified bool   `json:"email_verified"`
}

func newUserResponse(u model.User) userResponse {
	return userResponse{
		ID:            u.ID.String(),
		Email:         u.Email,
		Name:          u.Name,
		EmailVerified: u.EmailVerified,
	}
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        userResponse `json:"user"`
}

type messageResponse struct {
	Message  string        `json:"message"`
	User     *userResponse `json:"user,omitempty"`
	DevCode  string        `json:"dev_code,omitempty"`
	DevToken string        `json:"dev_token,omitempty"`
}

type meResponse struct {
	userResponse
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, devCode, err := h.authService.Register(r.Context(), req.Email, req.Password, req.Name, reqmeta.From(r))
	if err != nil {
		h.respondServiceError(w, req.Email, "register failed", err)
		return
	}

	u := newUserResponse(user)
	respondWithJSON(w, http.StatusCreated, messageResponse{
		Message: "verification_code_sent",
		User:    &u,
		DevCode: devCode,
	})
}

// HandleResendCode handles POST /auth/resend_code
func (h *AuthHandler) HandleResendCode(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}

	devCode, err := h.authService.ResendCode(r.Context(), req.Email, reqmeta.From(r))
	if err != nil {
		h.respondServiceError(w, req.Email, "resend code failed", err)
		return
	}
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "verification_code_sent", DevCode: devCode})
}

// HandleVerifyCode handles POST /auth/verify_code
func (h *AuthHandler) HandleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, err := h.authService.VerifyCode(r.Context(), req.Email, req.Code, reqmeta.From(r))
	if err != nil {
		h.respondServiceError(w, req.Email, "code verification failed", err)
		return
	}
	h.respondWithSession(w, sess)
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, err := h.authService.Login(r.Context(), req.Email, req.Password, reqmeta.From(r))
	if err != nil {
		h.respondServiceError(w, req.Email, "login failed", err)
		return
	}
	h.respondWithSession(w, sess)
}

// HandleRefresh handles POST /auth/refresh. The refresh token travels only in
// the HttpOnly cookie.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := refreshFromCookie(r)
	if raw == "" {
		respondWithError(w, http.StatusUnauthorized, "invalid or expired refresh token", CodeRefreshInvalid)
		return
	}

	sess, err := h.authService.Refresh(r.Context(), raw, reqmeta.From(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshSessionNotFound),
			errors.Is(err, auth.ErrRefreshTokenReuse),
			errors.Is(err, auth.ErrUserDisabled):
			h.cookies.clearRefresh(w)
			respondWithError(w, http.StatusUnauthorized, "invalid or expired refresh token", CodeRefreshInvalid)
		default:
			slog.Error("refresh failed", "error", err)
			respondWithError(w, http.StatusInternalServerError, "internal server error", CodeInternal)
		}
		return
	}
	h.respondWithSession(w, sess)
}

// HandleLogout handles POST /auth/logout (protected). It always clears the
// refresh cookie.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", CodeUnauthorized)
		return
	}

	err := h.authService.Logout(r.Context(), id.UserID, id.DeviceID, id.JTI, refreshFromCookie(r), reqmeta.From(r))
	if err != nil {
		slog.Error("logout failed", "user_id", id.UserID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal server error", CodeInternal)
		return
	}
	h.cookies.clearRefresh(w)
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

// HandleForgotPassword handles POST /auth/forgot_password
func (h *AuthHandler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}

	devCode, err := h.authService.ForgotPasswordCode(r.Context(), req.Email, reqmeta.From(r))
	if err != nil {
		h.respondServiceError(w, req.Email, "forgot password failed", err)
		return
	}
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "reset_code_sent", DevCode: devCode})
}

// HandleForgotPasswordLink handles POST /auth/forgot_password_link
func (h *AuthHandler) HandleForgotPasswordLink(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.decode(w, r, &req) {
		return
	}

	devToken, err := h.authService.ForgotPasswordLink(r.Context(), req.Email, reqmeta.From(r))
	if err != nil {
		h.respondServiceError(w, req.Email, "forgot password link failed", err)
		return
	}
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "reset_link_sent", DevToken: devToken})
}

// HandleResetPassword handles POST /auth/reset_password
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.authService.ResetPasswordWithCode(r.Context(), req.Email, req.Code, req.Password, reqmeta.From(r))
	if err != nil {
		h.respondServiceError(w, req.Email, "reset password failed", err)
		return
	}
	h.cookies.clearRefresh(w)
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "password_reset"})
}

// HandleResetPasswordToken handles POST /auth/reset_password_token
func (h *AuthHandler) HandleResetPasswordToken(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.authService.ResetPasswordWithToken(r.Context(), req.Token, req.Password, reqmeta.From(r))
	if err != nil {
		h.respondServiceError(w, "", "reset password with token failed", err)
		return
	}
	h.cookies.clearRefresh(w)
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "password_reset"})
}

// HandleMe handles GET /me (protected). Returns the authenticated identity.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", CodeUnauthorized)
		return
	}

	respondWithJSON(w, http.StatusOK, meResponse{
		userResponse: userResponse{
			ID:            id.UserID.String(),
			Email:         id.Email,
			Name:          id.Name,
			EmailVerified: id.IsEmailVerified,
		},
		DeviceID:  id.DeviceID,
		ExpiresAt: id.ExpiresAt,
	})
}

func (h *AuthHandler) respondWithSession(w http.ResponseWriter, sess auth.Session) {
	h.cookies.setRefresh(w, sess.RefreshToken)
	respondWithJSON(w, http.StatusOK, tokenResponse{
		AccessToken: sess.AccessToken,
		TokenType:   "bearer",
		ExpiresAt:   sess.AccessExpiresAt,
		User:        newUserResponse(sess.User),
	})
}

// decode reads a JSON body into dst and validates it. On failure the error
// response has already been written.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		slog.Debug("failed to decode request", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusBadRequest, "invalid request body", CodeValidationFailed)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, formatValidationErrors(err), CodeValidationFailed)
		return false
	}
	return true
}

// respondServiceError maps auth sentinels to HTTP responses.
func (h *AuthHandler) respondServiceError(w http.ResponseWriter, email, msg string, err error) {
	masked := logx.MaskEmail(auth.NormalizeEmail(email))
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondWithError(w, http.StatusUnauthorized, "invalid email or password", CodeInvalidCredentials)
	case errors.Is(err, auth.ErrEmailNotVerified):
		respondWithError(w, http.StatusForbidden, "email not verified", CodeEmailNotVerified)
	case errors.Is(err, auth.ErrUserDisabled):
		respondWithError(w, http.StatusForbidden, "account disabled", CodeUserDisabled)
	case errors.Is(err, auth.ErrPasswordTooLong):
		respondWithError(w, http.StatusBadRequest, "password must be at most 72 bytes long", CodeValidationFailed)
	case errors.Is(err, auth.ErrEmailTaken):
		respondWithError(w, http.StatusConflict, "email already registered", CodeEmailTaken)
	case errors.Is(err, auth.ErrInvalidCode):
		respondWithError(w, http.StatusUnauthorized, "invalid or expired code", CodeInvalidCode)
	case errors.Is(err, auth.ErrInvalidResetToken):
		respondWithError(w, http.StatusUnauthorized, "invalid or expired reset token", CodeInvalidResetToken)
	case errors.Is(err, auth.ErrTooManyCodeRequests), errors.Is(err, auth.ErrCodeAttemptTooSoon):
		respondWithError(w, http.StatusTooManyRequests, "too many attempts, try again later", CodeTooManyAttempts)
	default:
		slog.Error(msg, "email", masked, "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal server error", CodeInternal)
		return
	}
	slog.Info(msg, "email", masked, "reason", err.Error())
}

// formatValidationErrors renders validator errors as one readable line.
func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request body"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "email":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid email address", fe.Field()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s characters long", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters long", fe.Field(), fe.Param()))
		case "maxbytes":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s bytes long", fe.Field(), fe.Param()))
		case "len":
			msgs = append(msgs, fmt.Sprintf("%s must be exactly %s characters long", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(msgs, "; ")
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message, code string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message, "code": code})
}
