// Package authtest wires an AuthService over in-memory stores and miniredis
// for tests of the auth, middleware and HTTP layers.
package authtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/inkpad/server/internal/audit"
	"github.com/inkpad/server/internal/auth"
	"github.com/inkpad/server/internal/model"
	"github.com/inkpad/server/internal/repo/repotest"
	"github.com/inkpad/server/internal/session"
)

// Secret is the signing secret used by Env.
const Secret = "test-secret-0123456789-abcdefghijklmnop"

// Env bundles a service with the fakes behind it.
type Env struct {
	Clock    *repotest.Clock
	Users    *repotest.Users
	Refresh  *repotest.RefreshSessions
	Codes    *repotest.Codes
	Resets   *repotest.ResetTokens
	Redis    *miniredis.Miniredis
	Client   *redis.Client
	Registry *session.RedisRegistry
	Audit    *audit.RingBuffer
	Mailer   *Mailer
	JWT      *auth.JWTService
	Hasher   *auth.PasswordHasher
	Service  *auth.AuthService
	Settings auth.Settings
}

// Option tweaks the settings before the service is built.
type Option func(*auth.Settings)

// New builds an Env. Settings default to dev mode with a 24h session TTL.
func New(t *testing.T, opts ...Option) *Env {
	t.Helper()

	settings := auth.Settings{
		SessionTTL:    24 * time.Hour,
		RefreshTTL:    30 * 24 * time.Hour,
		ResetTokenTTL: time.Hour,
		BaseURL:       "http://localhost:3000",
		DevMode:       true,
	}
	for _, o := range opts {
		o(&settings)
	}

	clock := repotest.NewClock(time.Now().UTC().Truncate(time.Second))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	jwtSvc, err := auth.NewJWTService(Secret, 24*time.Hour)
	require.NoError(t, err)
	hasher, err := auth.NewPasswordHasher(4)
	require.NoError(t, err)

	e := &Env{
		Clock:    clock,
		Users:    repotest.NewUsers(clock),
		Refresh:  repotest.NewRefreshSessions(clock),
		Codes:    repotest.NewCodes(clock),
		Resets:   repotest.NewResetTokens(clock),
		Redis:    mr,
		Client:   client,
		Registry: session.NewRedisRegistry(client),
		Audit:    audit.NewRingBuffer(100),
		Mailer:   &Mailer{},
		JWT:      jwtSvc,
		Hasher:   hasher,
		Settings: settings,
	}
	codes := auth.NewCodeService(e.Codes, "test-salt", settings.DevMode)
	e.Service = auth.NewAuthService(settings, jwtSvc, hasher, codes,
		e.Users, e.Refresh, e.Resets, e.Registry, e.Mailer, audit.NewLogger(nil, e.Audit))
	e.Service.SetClock(clock.Now)
	return e
}

// AddUser stores a user with the given password hashed.
func (e *Env) AddUser(t *testing.T, email, password string, verified, blocked bool) model.User {
	t.Helper()
	hash, err := e.Hasher.Hash(password)
	require.NoError(t, err)
	return e.Users.Add(model.User{
		Email:         email,
		PasswordHash:  hash,
		Name:          "Test User",
		EmailVerified: verified,
		Blocked:       blocked,
	})
}

// Actions returns the recorded audit actions in order.
func (e *Env) Actions() []audit.Action {
	var out []audit.Action
	for _, ev := range e.Audit.Snapshot() {
		out = append(out, ev.Action)
	}
	return out
}

// Mail is one captured message.
type Mail struct {
	Kind   string
	To     string
	Secret string
}

// Mailer captures outgoing mail.
type Mailer struct {
	mu   sync.Mutex
	Sent []Mail
}

func (m *Mailer) add(kind, to, secret string) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, Mail{Kind: kind, To: to, Secret: secret})
	m.mu.Unlock()
	return nil
}

func (m *Mailer) SendVerificationCode(_ context.Context, to, code string) error {
	return m.add("verification_code", to, code)
}

func (m *Mailer) SendPasswordResetCode(_ context.Context, to, code string) error {
	return m.add("password_reset_code", to, code)
}

func (m *Mailer) SendPasswordResetLink(_ context.Context, to, link string) error {
	return m.add("password_reset_link", to, link)
}

// Last returns the most recent message.
func (m *Mailer) Last() (Mail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return Mail{}, false
	}
	return m.Sent[len(m.Sent)-1], true
}
