package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inkpad/server/internal/audit"
	"github.com/inkpad/server/internal/auth"
	"github.com/inkpad/server/internal/repo"
	"github.com/inkpad/server/internal/reqmeta"
	"github.com/inkpad/server/internal/session"
)

// FallbackTokenHeader carries the access token when Authorization is absent
// or uses a scheme other than Bearer.
const FallbackTokenHeader = "X-Access-Token"

// MinTokenLength is checked before any cryptographic work.
const MinTokenLength = 32

type contextKey string

const identityKey contextKey = "identity"

// Reason is the terminal state of a rejected request.
type Reason string

const (
	ReasonMissingToken            Reason = "MissingToken"
	ReasonMalformedToken          Reason = "MalformedToken"
	ReasonExpiredToken            Reason = "ExpiredToken"
	ReasonInvalidSignature        Reason = "InvalidSignature"
	ReasonNotYetValidToken        Reason = "NotYetValidToken"
	ReasonInvalidPayload          Reason = "InvalidPayload"
	ReasonRevokedOrUnknownSession Reason = "RevokedOrUnknownSession"
	ReasonUserNotFoundOrDisabled  Reason = "UserNotFoundOrDisabled"
	ReasonStaleTokenEmailMismatch Reason = "StaleTokenEmailMismatch"
	ReasonStoreUnavailable        Reason = "StoreUnavailable"
)

var reasonMessages = map[Reason]string{
	ReasonMissingToken:            "Authentication required",
	ReasonMalformedToken:          "Malformed access token",
	ReasonExpiredToken:            "Access token expired",
	ReasonInvalidSignature:        "Invalid access token signature",
	ReasonNotYetValidToken:        "Access token not yet valid",
	ReasonInvalidPayload:          "Invalid access token payload",
	ReasonRevokedOrUnknownSession: "Session revoked or unknown",
	ReasonUserNotFoundOrDisabled:  "User not found or disabled",
	ReasonStaleTokenEmailMismatch: "Access token no longer matches the account",
	ReasonStoreUnavailable:        "Internal server error",
}

// Message returns the user-visible text for the reason.
func (r Reason) Message() string {
	return reasonMessages[r]
}

// Status returns the HTTP status for the reason.
func (r Reason) Status() int {
	if r == ReasonStoreUnavailable {
		return http.StatusInternalServerError
	}
	return http.StatusUnauthorized
}

func (r Reason) auditAction() audit.Action {
	switch r {
	case ReasonExpiredToken:
		return audit.ActionTokenExpired
	case ReasonUserNotFoundOrDisabled:
		return audit.ActionUserNotFound
	case ReasonStoreUnavailable:
		return audit.ActionAuthError
	default:
		return audit.ActionTokenInvalid
	}
}

// Identity is what downstream handlers see of the caller.
type Identity struct {
	UserID          uuid.UUID
	Email           string
	IsEmailVerified bool
	Name            string
	DeviceID        string
	JTI             string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// IdentityFrom returns the identity attached by Authenticator.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Rejection is returned by Authenticate when the request is not authorized.
type Rejection struct {
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return string(r.Reason) + ": " + r.Err.Error()
	}
	return string(r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason Reason, err error) *Rejection {
	return &Rejection{Reason: reason, Err: err}
}

// Authenticator verifies access tokens against the signature, the session
// registry and the user store. Every decision is audited.
type Authenticator struct {
	jwtService *auth.JWTService
	registry   session.Registry
	userRepo   repo.UserRepo
	audit      audit.Recorder
}

// NewAuthenticator creates a new Authenticator
func NewAuthenticator(jwtService *auth.JWTService, registry session.Registry, userRepo repo.UserRepo, recorder audit.Recorder) *Authenticator {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Authenticator{
		jwtService: jwtService,
		registry:   registry,
		userRepo:   userRepo,
		audit:      recorder,
	}
}

// Middleware gates next behind Authenticate.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, rej := a.Authenticate(r)
		if rej != nil {
			if rej.Reason == ReasonStoreUnavailable {
				slog.Error("auth store unavailable", "error", rej.Err)
			}
			if rej.Reason.Status() == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", `Bearer realm="inkpad"`)
			}
			respondWithError(w, rej.Reason.Status(), rej.Reason.Message(), string(rej.Reason))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Authenticate runs the verification steps in order and stops at the first
// failure.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, *Rejection) {
	ctx := r.Context()
	meta := reqmeta.From(r)

	id, rej := a.authenticate(ctx, r)

	e := audit.NewEvent(audit.ActionLoginSuccess, meta)
	if rej != nil {
		e.Action = rej.Reason.auditAction()
		e.Error = rej.Error()
	}
	if id.UserID != uuid.Nil {
		e.UserID = id.UserID.String()
	}
	e.Email = id.Email
	a.audit.Record(ctx, e)

	if rej != nil {
		return Identity{}, rej
	}
	return id, nil
}

func (a *Authenticator) authenticate(ctx context.Context, r *http.Request) (Identity, *Rejection) {
	// 1. Extract.
	token, rej := extractToken(r)
	if rej != nil {
		return Identity{}, rej
	}

	// 2. Structural sanity.
	if len(token) < MinTokenLength || strings.Count(token, ".") != 2 {
		return Identity{}, reject(ReasonMalformedToken, nil)
	}

	// 3. Signature, issuer, audience, time.
	claims, err := a.jwtService.VerifyAccessToken(token)
	if err != nil {
		return Identity{}, reject(classifyTokenError(err), err)
	}

	// 4. Claim completeness.
	userID, err := uuid.Parse(claims.UserID)
	if err != nil || claims.Email == "" || claims.DeviceID == "" || claims.ID == "" {
		return Identity{}, reject(ReasonInvalidPayload, err)
	}
	id := Identity{
		UserID:    userID,
		Email:     claims.Email,
		DeviceID:  claims.DeviceID,
		JTI:       claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}

	// 5. Registry.
	ok, err := a.registry.Exists(ctx, claims.UserID, claims.DeviceID, claims.ID)
	if err != nil {
		return id, reject(ReasonStoreUnavailable, err)
	}
	if !ok {
		return id, reject(ReasonRevokedOrUnknownSession, nil)
	}

	// 6. User row, not blocked.
	user, err := a.userRepo.GetActiveByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return id, reject(ReasonUserNotFoundOrDisabled, err)
		}
		return id, reject(ReasonStoreUnavailable, err)
	}

	// 7. Email still current.
	if !strings.EqualFold(claims.Email, user.Email) {
		return id, reject(ReasonStaleTokenEmailMismatch, nil)
	}

	// 8. Identity.
	id.Email = user.Email
	id.Name = user.Name
	id.IsEmailVerified = user.EmailVerified
	return id, nil
}

func extractToken(r *http.Request) (string, *Rejection) {
	otherScheme := false
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, _ := strings.Cut(h, " ")
		if strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(token)
			if token == "" {
				return "", reject(ReasonMissingToken, nil)
			}
			return token, nil
		}
		// Basic and friends may come from a proxy in front of us.
		otherScheme = true
	}

	h := strings.TrimSpace(r.Header.Get(FallbackTokenHeader))
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		h = strings.TrimSpace(h[7:])
	}
	if h == "" {
		if otherScheme {
			return "", reject(ReasonMalformedToken, errors.New("authorization header is not a bearer token"))
		}
		return "", reject(ReasonMissingToken, nil)
	}
	return h, nil
}

func classifyTokenError(err error) Reason {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return ReasonExpiredToken
	case errors.Is(err, auth.ErrTokenSignature):
		return ReasonInvalidSignature
	case errors.Is(err, auth.ErrTokenNotYetValid):
		return ReasonNotYetValidToken
	case errors.Is(err, auth.ErrTokenInvalidClaim):
		return ReasonInvalidPayload
	default:
		return ReasonMalformedToken
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message, "code": code}
	_ = json.NewEncoder(w).Encode(response)
}
