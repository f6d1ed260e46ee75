package mail

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogMailer_masksRecipientAndOmitsSecret(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := context.Background()

	require.NoError(t, m.SendVerificationCode(ctx, "alice@example.com", "482913"))
	require.NoError(t, m.SendPasswordResetCode(ctx, "alice@example.com", "771204"))
	require.NoError(t, m.SendPasswordResetLink(ctx, "alice@example.com", "https://app/reset?token=s3cr3t"))

	out := buf.String()
	assert.Contains(t, out, "al***@example.com")
	assert.NotContains(t, out, "alice@example.com")
	assert.NotContains(t, out, "482913")
	assert.NotContains(t, out, "771204")
	assert.NotContains(t, out, "s3cr3t")
	assert.Contains(t, out, "password_reset_link")
}
