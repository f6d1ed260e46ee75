// Package repotest provides in-memory implementations of the repo interfaces
// for service and handler tests. They follow the same filtering rules as the
// Postgres queries (expires_at must be strictly after now).
package repotest

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inkpad/server/internal/model"
	"github.com/inkpad/server/internal/repo"
)

// Clock is a settable time source shared by the fakes.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Users is an in-memory repo.UserRepo.
type Users struct {
	mu    sync.Mutex
	clock *Clock
	byID  map[uuid.UUID]model.User
	// Err, when set, is returned by every call.
	Err error
}

// NewUsers returns an empty user store.
func NewUsers(clock *Clock) *Users {
	return &Users{clock: clock, byID: make(map[uuid.UUID]model.User)}
}

// Add inserts u as is, assigning an ID when missing.
func (s *Users) Add(u model.User) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock.Now()
		u.UpdatedAt = u.CreatedAt
	}
	s.byID[u.ID] = u
	return u
}

// Update overwrites a stored user.
func (s *Users) Update(u model.User) {
	s.mu.Lock()
	s.byID[u.ID] = u
	s.mu.Unlock()
}

func (s *Users) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.User{}, s.Err
	}
	u, ok := s.byID[id]
	if !ok {
		return model.User{}, fmt.Errorf("user: %w", repo.ErrNotFound)
	}
	return u, nil
}

func (s *Users) GetActiveByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, err := s.GetByID(ctx, id)
	if err != nil {
		return model.User{}, err
	}
	if u.Blocked {
		return model.User{}, fmt.Errorf("user: %w", repo.ErrNotFound)
	}
	return u, nil
}

func (s *Users) GetByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.User{}, s.Err
	}
	for _, u := range s.byID {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return model.User{}, fmt.Errorf("user: %w", repo.ErrNotFound)
}

func (s *Users) Create(_ context.Context, email, passwordHash, name string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.User{}, s.Err
	}
	for _, u := range s.byID {
		if strings.EqualFold(u.Email, email) {
			return model.User{}, fmt.Errorf("user %q: %w", email, repo.ErrDuplicate)
		}
	}
	now := s.clock.Now()
	u := model.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: passwordHash,
		Name:         name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byID[u.ID] = u
	return u, nil
}

func (s *Users) MarkEmailVerified(_ context.Context, id uuid.UUID) error {
	return s.mutate(id, func(u *model.User) bool {
		u.EmailVerified = true
		return true
	})
}

func (s *Users) UpdatePassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	return s.mutate(id, func(u *model.User) bool {
		u.PasswordHash = passwordHash
		return true
	})
}

func (s *Users) mutate(id uuid.UUID, fn func(*model.User) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.byID[id]
	if !ok || !fn(&u) {
		return fmt.Errorf("user: %w", repo.ErrNotFound)
	}
	u.UpdatedAt = s.clock.Now()
	s.byID[id] = u
	return nil
}

// RefreshSessions is an in-memory repo.RefreshRepo. Rotate holds the store
// lock for the whole exchange, so concurrent rotations of one hash see
// exactly one winner.
type RefreshSessions struct {
	mu    sync.Mutex
	clock *Clock
	rows  []model.RefreshSession
	// Err, when set, is returned by every call.
	Err error
	// CommitErr, when set, makes Rotate fail after beforeCommit succeeded.
	CommitErr error
}

// NewRefreshSessions returns an empty refresh store.
func NewRefreshSessions(clock *Clock) *RefreshSessions {
	return &RefreshSessions{clock: clock}
}

// All returns a copy of every row in insertion order.
func (s *RefreshSessions) All() []model.RefreshSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RefreshSession, len(s.rows))
	copy(out, s.rows)
	return out
}

func (s *RefreshSessions) active(i int) bool {
	r := s.rows[i]
	return !r.Revoked && r.ExpiresAt.After(s.clock.Now())
}

func (s *RefreshSessions) insert(n repo.NewRefreshSession) model.RefreshSession {
	row := model.RefreshSession{
		ID:        uuid.New(),
		UserID:    n.UserID,
		TokenHash: n.TokenHash,
		IPAddress: n.IPAddress,
		UserAgent: n.UserAgent,
		ExpiresAt: n.ExpiresAt,
		CreatedAt: s.clock.Now(),
	}
	s.rows = append(s.rows, row)
	return row
}

func (s *RefreshSessions) Create(_ context.Context, n repo.NewRefreshSession) (model.RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.RefreshSession{}, s.Err
	}
	for _, r := range s.rows {
		if r.TokenHash == n.TokenHash {
			return model.RefreshSession{}, fmt.Errorf("refresh session: %w", repo.ErrDuplicate)
		}
	}
	return s.insert(n), nil
}

func (s *RefreshSessions) FindActiveByTokenHash(_ context.Context, tokenHash string) (model.RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.RefreshSession{}, s.Err
	}
	for i, r := range s.rows {
		if r.TokenHash == tokenHash && s.active(i) {
			return r, nil
		}
	}
	return model.RefreshSession{}, fmt.Errorf("refresh session: %w", repo.ErrNotFound)
}

func (s *RefreshSessions) FindByTokenHashIncludeRevoked(_ context.Context, tokenHash string) (model.RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.RefreshSession{}, s.Err
	}
	for _, r := range s.rows {
		if r.TokenHash == tokenHash {
			return r, nil
		}
	}
	return model.RefreshSession{}, fmt.Errorf("refresh session: %w", repo.ErrNotFound)
}

func (s *RefreshSessions) Rotate(ctx context.Context, tokenHash string, next repo.NewRefreshSession, beforeCommit repo.BeforeCommitFunc) (repo.Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return repo.Rotation{}, s.Err
	}

	idx := -1
	for i, r := range s.rows {
		if r.TokenHash == tokenHash && s.active(i) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return repo.Rotation{}, fmt.Errorf("revoke for rotation: refresh session: %w", repo.ErrNotFound)
	}

	// Work on copies; only publish on commit.
	snapshot := make([]model.RefreshSession, len(s.rows))
	copy(snapshot, s.rows)

	old := s.rows[idx]
	old.Revoked = true
	next.UserID = old.UserID
	created := s.insert(next)
	old.ReplacedByTokenID = &created.ID
	s.rows[idx] = old

	rollback := func() { s.rows = snapshot }

	if beforeCommit != nil {
		if err := beforeCommit(ctx, old); err != nil {
			rollback()
			return repo.Rotation{}, err
		}
	}
	if s.CommitErr != nil {
		rollback()
		return repo.Rotation{}, fmt.Errorf("commit rotation: %w", s.CommitErr)
	}
	return repo.Rotation{Old: old, New: created}, nil
}

func (s *RefreshSessions) RevokeForUser(_ context.Context, tokenHash string, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	for i, r := range s.rows {
		if r.TokenHash == tokenHash && r.UserID == userID && !r.Revoked {
			s.rows[i].Revoked = true
			return true, nil
		}
	}
	return false, nil
}

func (s *RefreshSessions) RevokeAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for i, r := range s.rows {
		if r.UserID == userID && !r.Revoked {
			s.rows[i].Revoked = true
			n++
		}
	}
	return n, nil
}

// Codes is an in-memory repo.CodeRepo.
type Codes struct {
	mu    sync.Mutex
	clock *Clock
	rows  []model.OneTimeCode
}

// NewCodes returns an empty code store.
func NewCodes(clock *Clock) *Codes {
	return &Codes{clock: clock}
}

func (s *Codes) CreateOrReplace(_ context.Context, email string, purpose model.CodePurpose, codeHashHex string, expiresAt time.Time, requestIP, userAgent *string) (uuid.UUID, error) {
	hash, err := hex.DecodeString(codeHashHex)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode code_hash: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for i, c := range s.rows {
		if strings.EqualFold(c.Email, email) && c.Purpose == purpose && c.ConsumedAt == nil {
			s.rows[i].ConsumedAt = &now
		}
	}
	c := model.OneTimeCode{
		ID:        uuid.New(),
		Email:     email,
		Purpose:   purpose,
		CodeHash:  hash,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		RequestIP: requestIP,
		UserAgent: userAgent,
	}
	s.rows = append(s.rows, c)
	return c.ID, nil
}

func (s *Codes) GetActive(_ context.Context, email string, purpose model.CodePurpose) (model.OneTimeCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for i := len(s.rows) - 1; i >= 0; i-- {
		c := s.rows[i]
		if strings.EqualFold(c.Email, email) && c.Purpose == purpose && c.ConsumedAt == nil &&
			c.ExpiresAt.After(now) && c.AttemptCount < repo.MaxCodeAttempts {
			return c, nil
		}
	}
	return model.OneTimeCode{}, fmt.Errorf("one-time code: %w", repo.ErrNotFound)
}

func (s *Codes) MarkConsumed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.rows {
		if c.ID == id && c.ConsumedAt == nil {
			now := s.clock.Now()
			s.rows[i].ConsumedAt = &now
			return nil
		}
	}
	return fmt.Errorf("one-time code: %w", repo.ErrNotFound)
}

func (s *Codes) IncrementAttempt(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.rows {
		if c.ID == id {
			now := s.clock.Now()
			s.rows[i].AttemptCount++
			s.rows[i].LastAttemptAt = &now
			return s.rows[i].AttemptCount, nil
		}
	}
	return 0, fmt.Errorf("one-time code: %w", repo.ErrNotFound)
}

func (s *Codes) CountRecentRequests(_ context.Context, email string, purpose model.CodePurpose, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.rows {
		if strings.EqualFold(c.Email, email) && c.Purpose == purpose && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ResetTokens is an in-memory repo.ResetTokenRepo.
type ResetTokens struct {
	mu    sync.Mutex
	clock *Clock
	rows  []model.PasswordResetToken
}

// NewResetTokens returns an empty reset token store.
func NewResetTokens(clock *Clock) *ResetTokens {
	return &ResetTokens{clock: clock}
}

func (s *ResetTokens) Create(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for i, t := range s.rows {
		if t.UserID == userID && t.UsedAt == nil {
			s.rows[i].UsedAt = &now
		}
	}
	s.rows = append(s.rows, model.PasswordResetToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	})
	return nil
}

func (s *ResetTokens) Consume(_ context.Context, tokenHash string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for i, t := range s.rows {
		if t.TokenHash == tokenHash && t.UsedAt == nil && t.ExpiresAt.After(now) {
			s.rows[i].UsedAt = &now
			return t.UserID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("reset token: %w", repo.ErrNotFound)
}

var (
	_ repo.UserRepo       = (*Users)(nil)
	_ repo.RefreshRepo    = (*RefreshSessions)(nil)
	_ repo.CodeRepo       = (*Codes)(nil)
	_ repo.ResetTokenRepo = (*ResetTokens)(nil)
)
