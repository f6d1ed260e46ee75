package auth

import "errors"

var (
	// Login / account errors.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailNotVerified   = errors.New("email not verified")
	ErrUserDisabled       = errors.New("user not found or disabled")
	ErrEmailTaken         = errors.New("email already registered")
	ErrPasswordTooLong    = errors.New("password exceeds 72 bytes")

	// Refresh errors. Both map to 401.
	ErrRefreshSessionNotFound = errors.New("refresh session not found or expired")
	ErrRefreshTokenReuse      = errors.New("refresh token reuse detected")

	// One-time code and reset errors.
	ErrInvalidCode         = errors.New("invalid or expired code")
	ErrCodeAttemptTooSoon  = errors.New("too many attempts, try again later")
	ErrTooManyCodeRequests = errors.New("too many code requests")
	ErrInvalidResetToken   = errors.New("invalid or expired reset token")

	// Access token verification errors, classified by cause.
	ErrTokenMalformed    = errors.New("malformed token")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenSignature    = errors.New("invalid token signature")
	ErrTokenNotYetValid  = errors.New("token not yet valid")
	ErrTokenInvalidClaim = errors.New("invalid token payload")
)
