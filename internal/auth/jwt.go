package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/inkpad/server/internal/model"
)

const (
	TokenIssuer   = "inkpad-auth"
	TokenAudience = "inkpad-api"

	// ClockSkew is the leeway applied to exp/nbf/iat.
	ClockSkew = 30 * time.Second
	// MinSecretLength is the length below which a warning is logged.
	MinSecretLength = 32
)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

// Validate implements jwt.ClaimsValidator. It runs after the standard
// time/issuer/audience checks.
func (c AccessClaims) Validate() error {
	if c.UserID == "" || c.Email == "" {
		return fmt.Errorf("%w: userId and email are required", ErrTokenInvalidClaim)
	}
	if _, err := uuid.Parse(c.UserID); err != nil {
		return fmt.Errorf("%w: userId is not a uuid", ErrTokenInvalidClaim)
	}
	if c.DeviceID == "" || c.ID == "" {
		return fmt.Errorf("%w: deviceId and jti are required", ErrTokenInvalidClaim)
	}
	if c.IssuedAt == nil || c.ExpiresAt == nil {
		return fmt.Errorf("%w: iat and exp are required", ErrTokenInvalidClaim)
	}
	return nil
}

// JWTService handles JWT token operations
type JWTService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService creates a new JWT service. An empty secret is an error; a
// short one only logs a warning.
func NewJWTService(secret string, ttl time.Duration) (*JWTService, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret is not set")
	}
	if len(secret) < MinSecretLength {
		slog.Warn("jwt secret is shorter than recommended", "length", len(secret), "min", MinSecretLength)
	}
	if ttl <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	return &JWTService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL returns the access token lifetime.
func (s *JWTService) TTL() time.Duration {
	return s.ttl
}

// IssueAccessToken signs {userId, email, deviceId, jti} and returns the token and its expiry.
func (s *JWTService) IssueAccessToken(user model.User, deviceID, jti string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := AccessClaims{
		UserID:   user.ID.String(),
		Email:    user.Email,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// VerifyAccessToken verifies signature, issuer, audience and time claims and
// returns the typed claims. Failures wrap one of ErrTokenExpired,
// ErrTokenSignature, ErrTokenNotYetValid, ErrTokenInvalidClaim or
// ErrTokenMalformed.
func (s *JWTService) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithLeeway(ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, classify(err)
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrTokenSignature, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrTokenNotYetValid, err)
	case errors.Is(err, ErrTokenInvalidClaim):
		return fmt.Errorf("%w: %v", ErrTokenInvalidClaim, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
