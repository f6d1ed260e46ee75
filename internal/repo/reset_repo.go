package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResetTokenRepo stores hashed password-reset link secrets.
type ResetTokenRepo interface {
	Create(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error
	Consume(ctx context.Context, tokenHash string) (uuid.UUID, error)
}

type resetTokenRepo struct {
	db *sql.DB
}

// NewResetTokenRepo creates a new ResetTokenRepo instance
func NewResetTokenRepo(db *sql.DB) ResetTokenRepo {
	return &resetTokenRepo{db: db}
}

// Create persists a reset token hash. Earlier unused tokens of the user are
// invalidated so only the latest link works.
func (r *resetTokenRepo) Create(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE password_reset_tokens SET used_at = now() WHERE user_id = $1 AND used_at IS NULL
	`, userID); err != nil {
		return fmt.Errorf("invalidate previous reset tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (user_id, token_hash, expires_at) VALUES ($1, $2, $3)
	`, userID, tokenHash, expiresAt); err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}
	return tx.Commit()
}

// Consume marks the unused, unexpired token as used and returns its owner.
// Consuming the same token twice yields ErrNotFound.
func (r *resetTokenRepo) Consume(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		UPDATE password_reset_tokens
		SET used_at = now()
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > now()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("reset token: %w", ErrNotFound)
		}
		return uuid.Nil, fmt.Errorf("consume reset token: %w", err)
	}
	return userID, nil
}
