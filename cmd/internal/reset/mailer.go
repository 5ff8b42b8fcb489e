package reset

import (
	"context"
	"log/slog"
	"time"
)

// Message is the payload handed to a Mailer. Token is the plain token and
// must never be logged.
type Message struct {
	UserID    string
	Email     string
	Name      string
	Token     string
	ExpiresAt time.Time
}

// Mailer delivers reset tokens to their owners.
type Mailer interface {
	SendPasswordReset(ctx context.Context, msg Message) error
}

// LogMailer records that a delivery would have happened. It is the default
// until a real provider is wired.
type LogMailer struct {
	Log *slog.Logger
}

// SendPasswordReset logs the delivery without the token.
func (m LogMailer) SendPasswordReset(_ context.Context, msg Message) error {
	log := m.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("reset.mail.queued", "user_id", msg.UserID, "expires_at", msg.ExpiresAt)
	return nil
}
