// Package mail is the boundary to outbound email delivery.
package mail

import (
	"context"
	"log/slog"

	"github.com/inkpad/server/internal/logx"
)

// Mailer delivers auth emails. Implementations must not log secrets.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to, code string) error
	SendPasswordResetCode(ctx context.Context, to, code string) error
	SendPasswordResetLink(ctx context.Context, to, link string) error
}

// LogMailer records that a message would have been sent. Delivery itself is
// done by a separate service.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer returns a LogMailer writing to logger (slog.Default when nil).
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendVerificationCode(ctx context.Context, to, _ string) error {
	m.logger.InfoContext(ctx, "mail queued", "kind", "verification_code", "to", logx.MaskEmail(to))
	return nil
}

func (m *LogMailer) SendPasswordResetCode(ctx context.Context, to, _ string) error {
	m.logger.InfoContext(ctx, "mail queued", "kind", "password_reset_code", "to", logx.MaskEmail(to))
	return nil
}

func (m *LogMailer) SendPasswordResetLink(ctx context.Context, to, _ string) error {
	m.logger.InfoContext(ctx, "mail queued", "kind", "password_reset_link", "to", logx.MaskEmail(to))
	return nil
}
