package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inkpad/server/internal/model"
)

// NewRefreshSession holds the fields of a refresh session about to be persisted.
type NewRefreshSession struct {
	UserID    uuid.UUID
	TokenHash string
	IPAddress string
	UserAgent string
	ExpiresAt time.Time
}

// Rotation is the outcome of a successful rotation.
type Rotation struct {
	Old model.RefreshSession
	New model.RefreshSession
}

// BeforeCommitFunc runs inside the rotation transaction after the old row was
// revoked and its successor inserted. Returning an error rolls everything back.
type BeforeCommitFunc func(ctx context.Context, old model.RefreshSession) error

// RefreshRepo defines the interface for refresh session repository operations
type RefreshRepo interface {
	Create(ctx context.Context, s NewRefreshSession) (model.RefreshSession, error)
	FindActiveByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	FindByTokenHashIncludeRevoked(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	Rotate(ctx context.Context, tokenHash string, next NewRefreshSession, beforeCommit BeforeCommitFunc) (Rotation, error)
	RevokeForUser(ctx context.Context, tokenHash string, userID uuid.UUID) (bool, error)
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

type refreshRepo struct {
	db *sql.DB
}

// NewRefreshRepo creates a new RefreshRepo instance
func NewRefreshRepo(db *sql.DB) RefreshRepo {
	return &refreshRepo{db: db}
}

const refreshColumns = `id, user_id, token_hash, ip_address, user_agent, revoked, replaced_by_token_id, expires_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRefresh(row rowScanner) (model.RefreshSession, error) {
	var (
		s          model.RefreshSession
		replacedBy uuid.NullUUID
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.TokenHash,
		&s.IPAddress,
		&s.UserAgent,
		&s.Revoked,
		&replacedBy,
		&s.ExpiresAt,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshSession{}, fmt.Errorf("refresh session: %w", ErrNotFound)
		}
		return model.RefreshSession{}, fmt.Errorf("scan refresh session: %w", err)
	}
	if replacedBy.Valid {
		id := replacedBy.UUID
		s.ReplacedByTokenID = &id
	}
	return s, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertRefresh(ctx context.Context, q queryRower, s NewRefreshSession) (model.RefreshSession, error) {
	row, err := scanRefresh(q.QueryRowContext(ctx, `
		INSERT INTO refresh_sessions (user_id, token_hash, ip_address, user_agent, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+refreshColumns,
		s.UserID, s.TokenHash, s.IPAddress, s.UserAgent, s.ExpiresAt,
	))
	if err != nil {
		return model.RefreshSession{}, fmt.Errorf("insert refresh session: %w", err)
	}
	return row, nil
}

// Create inserts a new refresh session
func (r *refreshRepo) Create(ctx context.Context, s NewRefreshSession) (model.RefreshSession, error) {
	return insertRefresh(ctx, r.db, s)
}

// FindActiveByTokenHash returns the session if it exists, is not revoked, and not expired.
// A row whose expires_at equals now is already expired.
func (r *refreshRepo) FindActiveByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	return scanRefresh(r.db.QueryRowContext(ctx, `
		SELECT `+refreshColumns+`
		FROM refresh_sessions
		WHERE token_hash = $1 AND revoked = FALSE AND expires_at > now()
	`, tokenHash))
}

// FindByTokenHashIncludeRevoked returns the session regardless of revocation status (used for reuse detection)
func (r *refreshRepo) FindByTokenHashIncludeRevoked(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	return scanRefresh(r.db.QueryRowContext(ctx, `
		SELECT `+refreshColumns+` FROM refresh_sessions WHERE token_hash = $1
	`, tokenHash))
}

// Rotate revokes the active session matching tokenHash and inserts its
// successor in one transaction. The revoke is a single conditional UPDATE, so
// of several concurrent rotations presenting the same hash exactly one
// matches a row; the others get ErrNotFound.
func (r *refreshRepo) Rotate(ctx context.Context, tokenHash string, next NewRefreshSession, beforeCommit BeforeCommitFunc) (Rotation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Rotation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	old, err := scanRefresh(tx.QueryRowContext(ctx, `
		UPDATE refresh_sessions
		SET revoked = TRUE
		WHERE token_hash = $1 AND revoked = FALSE AND expires_at > now()
		RETURNING `+refreshColumns,
		tokenHash,
	))
	if err != nil {
		return Rotation{}, fmt.Errorf("revoke for rotation: %w", err)
	}

	next.UserID = old.UserID
	created, err := insertRefresh(ctx, tx, next)
	if err != nil {
		return Rotation{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE refresh_sessions SET replaced_by_token_id = $2 WHERE id = $1
	`, old.ID, created.ID); err != nil {
		return Rotation{}, fmt.Errorf("link successor: %w", err)
	}
	old.ReplacedByTokenID = &created.ID

	if beforeCommit != nil {
		if err := beforeCommit(ctx, old); err != nil {
			return Rotation{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Rotation{}, fmt.Errorf("commit rotation: %w", err)
	}
	return Rotation{Old: old, New: created}, nil
}

// RevokeForUser revokes the active session matching tokenHash owned by userID
// without recording a successor. Reports whether a row changed.
func (r *refreshRepo) RevokeForUser(ctx context.Context, tokenHash string, userID uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_sessions
		SET revoked = TRUE
		WHERE token_hash = $1 AND user_id = $2 AND revoked = FALSE
	`, tokenHash, userID)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// RevokeAllForUser revokes all active refresh sessions for a user
func (r *refreshRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions for user: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
