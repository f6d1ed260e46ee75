package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inkpad/server/internal/audit"
	"github.com/inkpad/server/internal/logx"
	"github.com/inkpad/server/internal/mail"
	"github.com/inkpad/server/internal/model"
	"github.com/inkpad/server/internal/repo"
	"github.com/inkpad/server/internal/reqmeta"
	"github.com/inkpad/server/internal/session"
)

// Settings are the tunables of AuthService.
type Settings struct {
	// SessionTTL is the lifetime of a registry entry.
	SessionTTL time.Duration
	// RefreshTTL is the lifetime of a refresh session row.
	RefreshTTL time.Duration
	// ResetTokenTTL is the lifetime of a password reset link.
	ResetTokenTTL time.Duration
	// RevokeAllOnReuse revokes every session of a user whose rotated
	// refresh token is presented again.
	RevokeAllOnReuse bool
	// BaseURL is the public app URL used in reset links.
	BaseURL string
	// DevMode returns codes and reset tokens to the caller.
	DevMode bool
}

// Session is the result of a successful login, verification or rotation.
type Session struct {
	User             model.User
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	DeviceID         string
	JTI              string
}

// AuthService orchestrates authentication operations
type AuthService struct {
	settings    Settings
	jwtService  *JWTService
	passwords   *PasswordHasher
	codes       *CodeService
	userRepo    repo.UserRepo
	refreshRepo repo.RefreshRepo
	resetRepo   repo.ResetTokenRepo
	registry    session.Registry
	mailer      mail.Mailer
	audit       audit.Recorder
	now         func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(
	settings Settings,
	jwtService *JWTService,
	passwords *PasswordHasher,
	codes *CodeService,
	userRepo repo.UserRepo,
	refreshRepo repo.RefreshRepo,
	resetRepo repo.ResetTokenRepo,
	registry session.Registry,
	mailer mail.Mailer,
	recorder audit.Recorder,
) *AuthService {
	if settings.ResetTokenTTL <= 0 {
		settings.ResetTokenTTL = time.Hour
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &AuthService{
		settings:    settings,
		jwtService:  jwtService,
		passwords:   passwords,
		codes:       codes,
		userRepo:    userRepo,
		refreshRepo: refreshRepo,
		resetRepo:   resetRepo,
		registry:    registry,
		mailer:      mailer,
		audit:       recorder,
		now:         time.Now,
	}
}

// SetClock replaces the time source of the service and its token and code
// issuers.
func (s *AuthService) SetClock(now func() time.Time) {
	s.now = now
	s.jwtService.now = now
	if s.codes != nil {
		s.codes.now = now
	}
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthService) record(ctx context.Context, action audit.Action, meta reqmeta.Metadata, userID, email string, err error) {
	e := audit.NewEvent(action, meta)
	e.UserID = userID
	e.Email = email
	if err != nil {
		e.Error = err.Error()
	}
	s.audit.Record(ctx, e)
}

// issueSession mints deviceId + jti, signs the access token, registers it and
// persists a fresh refresh session. No half-session survives a failure.
func (s *AuthService) issueSession(ctx context.Context, user model.User, meta reqmeta.Metadata) (Session, error) {
	if !user.CanHoldSession() {
		return Session{}, ErrUserDisabled
	}

	sess, err := s.issueAccess(ctx, user)
	if err != nil {
		return Session{}, err
	}

	raw, hash, err := GenerateRefreshToken()
	if err != nil {
		s.dropRegistryEntry(ctx, user.ID, sess.DeviceID, sess.JTI)
		return Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	row, err := s.refreshRepo.Create(ctx, repo.NewRefreshSession{
		UserID:    user.ID,
		TokenHash: hash,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		ExpiresAt: s.now().Add(s.settings.RefreshTTL),
	})
	if err != nil {
		s.dropRegistryEntry(ctx, user.ID, sess.DeviceID, sess.JTI)
		return Session{}, fmt.Errorf("persist refresh session: %w", err)
	}

	sess.RefreshToken = raw
	sess.RefreshExpiresAt = row.ExpiresAt
	return sess, nil
}

// issueAccess signs a new access token and writes its registry entry.
func (s *AuthService) issueAccess(ctx context.Context, user model.User) (Session, error) {
	deviceID := uuid.NewString()
	jti, err := GenerateJTI()
	if err != nil {
		return Session{}, fmt.Errorf("generate jti: %w", err)
	}
	token, expiresAt, err := s.jwtService.IssueAccessToken(user, deviceID, jti)
	if err != nil {
		return Session{}, err
	}
	if err := s.registry.Put(ctx, user.ID.String(), deviceID, jti, token, s.settings.SessionTTL); err != nil {
		return Session{}, fmt.Errorf("register session: %w", err)
	}
	return Session{
		User:            user,
		AccessToken:     token,
		AccessExpiresAt: expiresAt,
		DeviceID:        deviceID,
		JTI:             jti,
	}, nil
}

func (s *AuthService) dropRegistryEntry(ctx context.Context, userID uuid.UUID, deviceID, jti string) {
	if err := s.registry.Delete(context.WithoutCancel(ctx), userID.String(), deviceID, jti); err != nil {
		slog.Error("failed to remove orphaned registry entry", "user_id", userID, "error", err)
	}
}

// Login checks credentials. The password hash is always compared, even for
// unknown or unverified accounts, so response timing does not reveal which
// case applied.
func (s *AuthService) Login(ctx context.Context, email, password string, meta reqmeta.Metadata) (Session, error) {
	email = NormalizeEmail(email)

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		s.record(ctx, audit.ActionAuthError, meta, "", email, err)
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	found := err == nil

	match := s.passwords.Compare(user.PasswordHash, password)

	switch {
	case !found:
		s.record(ctx, audit.ActionLoginFailed, meta, "", email, ErrInvalidCredentials)
		return Session{}, ErrInvalidCredentials
	case !user.EmailVerified:
		s.record(ctx, audit.ActionLoginFailed, meta, user.ID.String(), email, ErrEmailNotVerified)
		return Session{}, ErrEmailNotVerified
	case !match:
		s.record(ctx, audit.ActionLoginFailed, meta, user.ID.String(), email, ErrInvalidCredentials)
		return Session{}, ErrInvalidCredentials
	case user.Blocked:
		s.record(ctx, audit.ActionLoginFailed, meta, user.ID.String(), email, ErrUserDisabled)
		return Session{}, ErrUserDisabled
	}

	sess, err := s.issueSession(ctx, user, meta)
	if err != nil {
		s.record(ctx, audit.ActionAuthError, meta, user.ID.String(), email, err)
		return Session{}, err
	}
	s.record(ctx, audit.ActionLoginSuccess, meta, user.ID.String(), email, nil)
	return sess, nil
}

// Refresh rotates rawToken: the old row is revoked and its successor inserted
// in one transaction; the access token and registry entry are produced before
// commit so a failure anywhere aborts the whole exchange.
func (s *AuthService) Refresh(ctx context.Context, rawToken string, meta reqmeta.Metadata) (Session, error) {
	if rawToken == "" {
		s.record(ctx, audit.ActionTokenInvalid, meta, "", "", ErrRefreshSessionNotFound)
		return Session{}, ErrRefreshSessionNotFound
	}
	oldHash := HashRefreshToken(rawToken)

	raw, hash, err := GenerateRefreshToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	next := repo.NewRefreshSession{
		TokenHash: hash,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		ExpiresAt: s.now().Add(s.settings.RefreshTTL),
	}

	var (
		issued     Session
		registered bool
	)
	rotation, err := s.refreshRepo.Rotate(ctx, oldHash, next, func(ctx context.Context, old model.RefreshSession) error {
		user, err := s.userRepo.GetByID(ctx, old.UserID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUserDisabled
			}
			return fmt.Errorf("load user: %w", err)
		}
		if !user.CanHoldSession() {
			return ErrUserDisabled
		}
		issued, err = s.issueAccess(ctx, user)
		if err != nil {
			return err
		}
		registered = true
		return nil
	})
	if err != nil {
		if registered {
			s.dropRegistryEntry(ctx, issued.User.ID, issued.DeviceID, issued.JTI)
		}
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return Session{}, s.handleRotationMiss(ctx, oldHash, meta)
		case errors.Is(err, ErrUserDisabled):
			s.record(ctx, audit.ActionUserNotFound, meta, "", "", err)
			return Session{}, ErrUserDisabled
		default:
			s.record(ctx, audit.ActionAuthError, meta, "", "", err)
			return Session{}, fmt.Errorf("rotate refresh session: %w", err)
		}
	}

	issued.RefreshToken = raw
	issued.RefreshExpiresAt = rotation.New.ExpiresAt
	s.record(ctx, audit.ActionTokenRefreshed, meta, issued.User.ID.String(), issued.User.Email, nil)
	return issued, nil
}

// handleRotationMiss distinguishes an unknown/expired token from replay of a
// token that was already rotated.
func (s *AuthService) handleRotationMiss(ctx context.Context, tokenHash string, meta reqmeta.Metadata) error {
	row, err := s.refreshRepo.FindByTokenHashIncludeRevoked(ctx, tokenHash)
	if err != nil || !row.Revoked || row.ReplacedByTokenID == nil {
		s.record(ctx, audit.ActionTokenInvalid, meta, "", "", ErrRefreshSessionNotFound)
		return ErrRefreshSessionNotFound
	}

	s.record(ctx, audit.ActionAuthError, meta, row.UserID.String(), "", ErrRefreshTokenReuse)
	if s.settings.RevokeAllOnReuse {
		if err := s.revokeEverything(ctx, row.UserID); err != nil {
			slog.Error("failed to revoke sessions after token reuse", "user_id", row.UserID, "error", err)
		}
	}
	return ErrRefreshTokenReuse
}

// revokeEverything revokes every refresh session of the user and clears the
// registry. Both steps run even if the first fails.
func (s *AuthService) revokeEverything(ctx context.Context, userID uuid.UUID) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if n, err := s.refreshRepo.RevokeAllForUser(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("revoke refresh sessions: %w", err))
	} else {
		slog.Info("revoked refresh sessions", "user_id", userID, "count", n)
	}
	if _, err := s.registry.DeleteAllForUser(ctx, userID.String()); err != nil {
		errs = append(errs, fmt.Errorf("clear session registry: %w", err))
	}
	return errors.Join(errs...)
}

// Logout revokes the refresh session matching rawRefresh owned by userID (no
// successor is recorded) and deletes only the current registry entry.
// Repeating it is a no-op.
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID, deviceID, jti, rawRefresh string, meta reqmeta.Metadata) error {
	if rawRefresh != "" {
		if _, err := s.refreshRepo.RevokeForUser(ctx, HashRefreshToken(rawRefresh), userID); err != nil {
			s.record(ctx, audit.ActionAuthError, meta, userID.String(), "", err)
			return fmt.Errorf("revoke refresh session: %w", err)
		}
	}
	if err := s.registry.Delete(ctx, userID.String(), deviceID, jti); err != nil {
		s.record(ctx, audit.ActionAuthError, meta, userID.String(), "", err)
		return fmt.Errorf("delete registry entry: %w", err)
	}
	s.record(ctx, audit.ActionLogout, meta, userID.String(), "", nil)
	return nil
}

// Register creates an unverified account and emails a verification code.
// Registering a pending address again only resends the code. It returns the
// code only in dev mode.
func (s *AuthService) Register(ctx context.Context, email, password, name string, meta reqmeta.Metadata) (model.User, string, error) {
	email = NormalizeEmail(email)
	name = strings.TrimSpace(name)

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return model.User{}, "", err
	}

	user, err := s.userRepo.GetByEmail(ctx, email)
	switch {
	case err == nil && user.EmailVerified:
		return model.User{}, "", ErrEmailTaken
	case err == nil:
		// Pending account: only a new code is sent. The stored credentials
		// stay as first registered.
		slog.Info("register for pending account", "user_id", user.ID, "email", logx.MaskEmail(email))
	case errors.Is(err, repo.ErrNotFound):
		user, err = s.userRepo.Create(ctx, email, hash, name)
		if errors.Is(err, repo.ErrDuplicate) {
			return model.User{}, "", ErrEmailTaken
		}
		if err != nil {
			return model.User{}, "", fmt.Errorf("create user: %w", err)
		}
		slog.Info("user registered", "user_id", user.ID, "email", logx.MaskEmail(email))
	default:
		return model.User{}, "", fmt.Errorf("load user: %w", err)
	}

	code, err := s.sendCode(ctx, email, model.PurposeVerifyEmail, meta)
	if err != nil {
		return model.User{}, "", err
	}
	return user, code, nil
}

// ResendCode sends a new verification code if the account exists and is not
// yet verified. Unknown or verified addresses succeed silently.
func (s *AuthService) ResendCode(ctx context.Context, email string, meta reqmeta.Metadata) (string, error) {
	email = NormalizeEmail(email)
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load user: %w", err)
	}
	if user.EmailVerified {
		return "", nil
	}
	return s.sendCode(ctx, email, model.PurposeVerifyEmail, meta)
}

// VerifyCode consumes a verification code, marks the email verified and
// opens a session.
func (s *AuthService) VerifyCode(ctx context.Context, email, code string, meta reqmeta.Metadata) (Session, error) {
	email = NormalizeEmail(email)
	if err := s.codes.Verify(ctx, email, model.PurposeVerifyEmail, code); err != nil {
		s.record(ctx, audit.ActionLoginFailed, meta, "", email, err)
		return Session{}, err
	}

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Session{}, ErrInvalidCode
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if !user.EmailVerified {
		if err := s.userRepo.MarkEmailVerified(ctx, user.ID); err != nil {
			return Session{}, fmt.Errorf("mark verified: %w", err)
		}
		user.EmailVerified = true
	}
	if user.Blocked {
		s.record(ctx, audit.ActionLoginFailed, meta, user.ID.String(), email, ErrUserDisabled)
		return Session{}, ErrUserDisabled
	}

	sess, err := s.issueSession(ctx, user, meta)
	if err != nil {
		s.record(ctx, audit.ActionAuthError, meta, user.ID.String(), email, err)
		return Session{}, err
	}
	s.record(ctx, audit.ActionLoginSuccess, meta, user.ID.String(), email, nil)
	return sess, nil
}

// ForgotPasswordCode emails a reset code to an existing, unblocked account.
// Unknown addresses succeed silently.
func (s *AuthService) ForgotPasswordCode(ctx context.Context, email string, meta reqmeta.Metadata) (string, error) {
	email = NormalizeEmail(email)
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load user: %w", err)
	}
	if user.Blocked {
		return "", nil
	}
	return s.sendCode(ctx, email, model.PurposeResetPassword, meta)
}

// ForgotPasswordLink emails a single-use reset link to an existing, unblocked
// account. Unknown addresses succeed silently.
func (s *AuthService) ForgotPasswordLink(ctx context.Context, email string, meta reqmeta.Metadata) (string, error) {
	email = NormalizeEmail(email)
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load user: %w", err)
	}
	if user.Blocked {
		return "", nil
	}

	raw, hash, err := GenerateResetToken()
	if err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	if err := s.resetRepo.Create(ctx, user.ID, hash, s.now().Add(s.settings.ResetTokenTTL)); err != nil {
		return "", fmt.Errorf("store reset token: %w", err)
	}
	link := strings.TrimRight(s.settings.BaseURL, "/") + "/reset-password?token=" + url.QueryEscape(raw)
	if err := s.mailer.SendPasswordResetLink(ctx, email, link); err != nil {
		return "", fmt.Errorf("send reset link: %w", err)
	}
	if s.settings.DevMode {
		return raw, nil
	}
	return "", nil
}

// ResetPasswordWithCode verifies a reset code, replaces the password and
// revokes every session of the user.
func (s *AuthService) ResetPasswordWithCode(ctx context.Context, email, code, newPassword string, meta reqmeta.Metadata) error {
	email = NormalizeEmail(email)
	if len(newPassword) > MaxPasswordBytes {
		return ErrPasswordTooLong
	}
	if err := s.codes.Verify(ctx, email, model.PurposeResetPassword, code); err != nil {
		s.record(ctx, audit.ActionLoginFailed, meta, "", email, err)
		return err
	}
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidCode
		}
		return fmt.Errorf("load user: %w", err)
	}
	return s.resetPassword(ctx, user, newPassword)
}

// ResetPasswordWithToken consumes a reset link token, replaces the password
// and revokes every session of the user.
func (s *AuthService) ResetPasswordWithToken(ctx context.Context, token, newPassword string, meta reqmeta.Metadata) error {
	// Checked before the token is consumed.
	if len(newPassword) > MaxPasswordBytes {
		return ErrPasswordTooLong
	}
	userID, err := s.resetRepo.Consume(ctx, HashRefreshToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.record(ctx, audit.ActionTokenInvalid, meta, "", "", ErrInvalidResetToken)
			return ErrInvalidResetToken
		}
		return fmt.Errorf("consume reset token: %w", err)
	}
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidResetToken
		}
		return fmt.Errorf("load user: %w", err)
	}
	return s.resetPassword(ctx, user, newPassword)
}

func (s *AuthService) resetPassword(ctx context.Context, user model.User, newPassword string) error {
	if user.Blocked {
		return ErrUserDisabled
	}
	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.userRepo.UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.revokeEverything(ctx, user.ID); err != nil {
		slog.Error("password changed but sessions were not revoked", "user_id", user.ID, "error", err)
		return fmt.Errorf("password changed, revoke sessions: %w", err)
	}
	slog.Info("password reset", "user_id", user.ID)
	return nil
}

func (s *AuthService) sendCode(ctx context.Context, email string, purpose model.CodePurpose, meta reqmeta.Metadata) (string, error) {
	code, err := s.codes.Request(ctx, email, purpose, meta)
	if err != nil {
		return "", err
	}
	switch purpose {
	case model.PurposeResetPassword:
		err = s.mailer.SendPasswordResetCode(ctx, email, code)
	default:
		err = s.mailer.SendVerificationCode(ctx, email, code)
	}
	if err != nil {
		return "", fmt.Errorf("send code: %w", err)
	}
	if s.settings.DevMode {
		return code, nil
	}
	return "", nil
}
