package main

import (
	"context"
	"log/slog"
)

// Mailer delivers one-time tokens to users.
type Mailer interface {
	SendEmailVerification(ctx context.Context, to *User, token string) error
	SendPasswordReset(ctx context.Context, to *User, token string) error
}

// LogMailer writes outgoing mail to the log instead of sending it. Tokens are only logged at
// debug level.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendEmailVerification(ctx context.Context, to *User, token string) error {
	m.send(ctx, "email_verification", to, token)
	return nil
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, to *User, token string) error {
	m.send(ctx, "password_reset", to, token)
	return nil
}

func (m *LogMailer) send(ctx context.Context, kind string, to *User, token string) {
	m.logger.InfoContext(ctx, "mail queued", "kind", kind, "user_id", to.ID)
	m.logger.DebugContext(ctx, "mail token", "kind", kind, "to", to.Email, "token", token)
}
