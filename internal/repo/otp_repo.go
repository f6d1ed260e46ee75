package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inkpad/server/internal/model"
)

// MaxCodeAttempts is the number of verification attempts after which a code is dead.
const MaxCodeAttempts = 5

// CodeRepo defines the interface for one-time code repository operations
type CodeRepo interface {
	CreateOrReplace(ctx context.Context, email string, purpose model.CodePurpose, codeHashHex string, expiresAt time.Time, requestIP, userAgent *string) (uuid.UUID, error)
	GetActive(ctx context.Context, email string, purpose model.CodePurpose) (model.OneTimeCode, error)
	MarkConsumed(ctx context.Context, id uuid.UUID) error
	IncrementAttempt(ctx context.Context, id uuid.UUID) (newAttemptCount int, err error)
	CountRecentRequests(ctx context.Context, email string, purpose model.CodePurpose, since time.Time) (int, error)
}

type codeRepo struct {
	db *sql.DB
}

// NewCodeRepo creates a new CodeRepo instance
func NewCodeRepo(db *sql.DB) CodeRepo {
	return &codeRepo{db: db}
}

// CreateOrReplace ensures only one active code per (email, purpose): it consumes any
// existing active code and inserts a new one. Uses an advisory lock for race safety.
func (r *codeRepo) CreateOrReplace(ctx context.Context, email string, purpose model.CodePurpose, codeHashHex string, expiresAt time.Time, requestIP, userAgent *string) (uuid.UUID, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Serialize requests per (email, purpose); released on COMMIT/ROLLBACK.
	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext(lower($1) || ':' || $2))`, email, string(purpose))
	if err != nil {
		return uuid.Nil, fmt.Errorf("advisory lock: %w", err)
	}

	// Must consume ALL active rows, including expired ones (unique partial index).
	_, err = tx.ExecContext(ctx, `
		UPDATE one_time_codes
		SET consumed_at = now()
		WHERE email = $1 AND purpose = $2 AND consumed_at IS NULL
	`, email, string(purpose))
	if err != nil {
		return uuid.Nil, fmt.Errorf("consume existing codes: %w", err)
	}

	var id uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO one_time_codes (email, purpose, code_hash, expires_at, request_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, email, string(purpose), codeHashHex, expiresAt, requestIP, userAgent).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetActive returns the latest unconsumed, unexpired code with attempts left.
func (r *codeRepo) GetActive(ctx context.Context, email string, purpose model.CodePurpose) (model.OneTimeCode, error) {
	var (
		c       model.OneTimeCode
		hashHex string
		purp    string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, purpose, code_hash, expires_at, consumed_at, created_at,
		       attempt_count, last_attempt_at, request_ip, user_agent
		FROM one_time_codes
		WHERE email = $1
		  AND purpose = $2
		  AND consumed_at IS NULL
		  AND expires_at > now()
		  AND attempt_count < $3
		ORDER BY created_at DESC
		LIMIT 1
	`, email, string(purpose), MaxCodeAttempts).Scan(
		&c.ID,
		&c.Email,
		&purp,
		&hashHex,
		&c.ExpiresAt,
		&c.ConsumedAt,
		&c.CreatedAt,
		&c.AttemptCount,
		&c.LastAttemptAt,
		&c.RequestIP,
		&c.UserAgent,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OneTimeCode{}, fmt.Errorf("one-time code: %w", ErrNotFound)
		}
		return model.OneTimeCode{}, fmt.Errorf("query code: %w", err)
	}
	c.Purpose = model.CodePurpose(purp)

	c.CodeHash, err = hex.DecodeString(hashHex)
	if err != nil {
		return model.OneTimeCode{}, fmt.Errorf("decode code_hash: %w", err)
	}
	return c, nil
}

// MarkConsumed sets consumed_at = now() for the code.
func (r *codeRepo) MarkConsumed(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE one_time_codes SET consumed_at = now() WHERE id = $1 AND consumed_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("mark consumed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("one-time code: %w", ErrNotFound)
	}
	return nil
}

// IncrementAttempt bumps attempt_count and last_attempt_at; returns the new attempt_count.
func (r *codeRepo) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var newCount int
	err := r.db.QueryRowContext(ctx, `
		UPDATE one_time_codes
		SET attempt_count = attempt_count + 1, last_attempt_at = now()
		WHERE id = $1
		RETURNING attempt_count
	`, id).Scan(&newCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("one-time code: %w", ErrNotFound)
		}
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	return newCount, nil
}

// CountRecentRequests returns the number of codes created for (email, purpose) since the given time.
func (r *codeRepo) CountRecentRequests(ctx context.Context, email string, purpose model.CodePurpose, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM one_time_codes
		WHERE email = $1 AND purpose = $2 AND created_at >= $3
	`, email, string(purpose), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent requests: %w", err)
	}
	return count, nil
}
