package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/inkpad/server/internal/http/handlers"
	"github.com/inkpad/server/internal/middleware"
)

// RateLimits are the per-endpoint-group policies, all keyed by client IP.
type RateLimits struct {
	Login   middleware.Policy
	Refresh middleware.Policy
	Code    middleware.Policy
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(
	authHandler *handlers.AuthHandler,
	healthHandler *handlers.HealthHandler,
	authenticator *middleware.Authenticator,
	limiter middleware.Limiter,
	limits RateLimits,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler.ServeHTTP)

	loginLimit := middleware.RateLimit(limiter, limits.Login, middleware.IPKey)
	refreshLimit := middleware.RateLimit(limiter, limits.Refresh, middleware.IPKey)
	codeLimit := middleware.RateLimit(limiter, limits.Code, middleware.IPKey)

	r.Route("/auth", func(r chi.Router) {
		r.With(codeLimit).Post("/register", authHandler.HandleRegister)
		r.With(codeLimit).Post("/resend_code", authHandler.HandleResendCode)
		r.With(loginLimit).Post("/verify_code", authHandler.HandleVerifyCode)
		r.With(loginLimit).Post("/login", authHandler.HandleLogin)
		r.With(refreshLimit).Post("/refresh", authHandler.HandleRefresh)
		r.With(codeLimit).Post("/forgot_password", authHandler.HandleForgotPassword)
		r.With(codeLimit).Post("/forgot_password_link", authHandler.HandleForgotPasswordLink)
		r.With(codeLimit).Post("/reset_password", authHandler.HandleResetPassword)
		r.With(codeLimit).Post("/reset_password_token", authHandler.HandleResetPasswordToken)
		r.With(authenticator.Middleware).Post("/logout", authHandler.HandleLogout)
	})

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(authenticator.Middleware)
		r.Get("/me", authHandler.HandleMe)
	})

	return r
}
