package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account in the system
type User struct {
	ID            uuid.UUID
	Email         string
	PasswordHash  string
	Name          string
	EmailVerified bool
	Blocked       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanHoldSession reports whether the user may receive or keep a session.
func (u User) CanHoldSession() bool {
	return u.EmailVerified && !u.Blocked
}

// CodePurpose scopes a one-time code to the flow that requested it.
type CodePurpose string

const (
	PurposeVerifyEmail   CodePurpose = "verify_email"
	PurposeResetPassword CodePurpose = "reset_password"
)

// OneTimeCode represents an emailed verification code
type OneTimeCode struct {
	ID            uuid.UUID
	Email         string
	Purpose       CodePurpose
	CodeHash      []byte
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	CreatedAt     time.Time
	AttemptCount  int
	LastAttemptAt *time.Time
	RequestIP     *string
	UserAgent     *string
}

// RefreshSession represents a persisted refresh token. Rows are never deleted.
type RefreshSession struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	TokenHash         string
	IPAddress         string
	UserAgent         string
	Revoked           bool
	ReplacedByTokenID *uuid.UUID
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

// PasswordResetToken represents a single-use reset link secret
type PasswordResetToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
