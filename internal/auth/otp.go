package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/inkpad/server/internal/model"
	"github.com/inkpad/server/internal/repo"
	"github.com/inkpad/server/internal/reqmeta"
)

const (
	codeExpiry           = 5 * time.Minute
	minAttemptDelay      = 2 * time.Second
	requestWindow        = 10 * time.Minute
	maxRequestsPerWindow = 3

	// DevCode is the only code accepted when dev mode is on.
	DevCode = "123456"
)

// CodeService issues and verifies emailed one-time codes backed by repo.CodeRepo.
type CodeService struct {
	codes   repo.CodeRepo
	salt    string
	devMode bool
	now     func() time.Time
}

// NewCodeService creates a new one-time code service
func NewCodeService(codes repo.CodeRepo, salt string, devMode bool) *CodeService {
	return &CodeService{
		codes:   codes,
		salt:    salt,
		devMode: devMode,
		now:     time.Now,
	}
}

// Request creates or replaces the active code for (email, purpose) and
// returns the plaintext code so the caller can hand it to the mailer. Max 3
// requests per 10 minutes per (email, purpose).
func (s *CodeService) Request(ctx context.Context, email string, purpose model.CodePurpose, meta reqmeta.Metadata) (string, error) {
	since := s.now().Add(-requestWindow)
	count, err := s.codes.CountRecentRequests(ctx, email, purpose, since)
	if err != nil {
		return "", fmt.Errorf("rate limit check: %w", err)
	}
	if count >= maxRequestsPerWindow {
		return "", ErrTooManyCodeRequests
	}

	code := DevCode
	if !s.devMode {
		code, err = generateCode()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
	}

	var requestIP, ua *string
	if meta.IP != "" {
		requestIP = &meta.IP
	}
	if meta.UserAgent != "" {
		ua = &meta.UserAgent
	}

	hashHex := hex.EncodeToString(hashCode(email, purpose, code, s.salt))
	if _, err := s.codes.CreateOrReplace(ctx, email, purpose, hashHex, s.now().Add(codeExpiry), requestIP, ua); err != nil {
		return "", fmt.Errorf("create code: %w", err)
	}
	return code, nil
}

// Verify checks code against the active code for (email, purpose): min 2s
// between attempts, at most repo.MaxCodeAttempts attempts, constant-time hash
// comparison, then the code is consumed.
func (s *CodeService) Verify(ctx context.Context, email string, purpose model.CodePurpose, code string) error {
	active, err := s.codes.GetActive(ctx, email, purpose)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidCode
		}
		return fmt.Errorf("load code: %w", err)
	}

	if active.LastAttemptAt != nil && s.now().Sub(*active.LastAttemptAt) < minAttemptDelay {
		return ErrCodeAttemptTooSoon
	}

	newCount, err := s.codes.IncrementAttempt(ctx, active.ID)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	provided := hashCode(email, purpose, code, s.salt)
	if subtle.ConstantTimeCompare(provided, active.CodeHash) != 1 {
		if newCount >= repo.MaxCodeAttempts {
			_ = s.codes.MarkConsumed(ctx, active.ID)
		}
		return ErrInvalidCode
	}

	if err := s.codes.MarkConsumed(ctx, active.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// A concurrent verification consumed it first.
			return ErrInvalidCode
		}
		return fmt.Errorf("failed to consume code: %w", err)
	}
	return nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// hashCode returns SHA-256(email:purpose:code:salt).
func hashCode(email string, purpose model.CodePurpose, code, salt string) []byte {
	data := fmt.Sprintf("%s:%s:%s:%s", email, purpose, code, salt)
	hash := sha256.Sum256([]byte(data))
	return hash[:]
}
