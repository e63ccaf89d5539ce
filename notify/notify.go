// Package notify delivers bulletin notifications through pluggable providers.
package notify

import (
	"bulletin-notifier/pkg/notifier"
	"context"
	"fmt"
	"log/slog"
)

// Message is a rendered notification.
type Message struct {
	Subject string // Plain text headline
	Body    string // Telegram-style HTML: <b>, <i>, <a href> and newlines only
	URL     string // Link to the bulletin document
}

// Provider defines the interface for delivery implementations.
type Provider interface {
	// Send delivers the message once. Implementations may retry internally
	// but must honour ctx.
	Send(ctx context.Context, msg Message) error
}

// Sender renders bulletins and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	source   string // Page the bulletin was found on, shown in the footer
}

// New creates a new sender with the given provider.
func New(provider Provider, logger *slog.Logger, sourceURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		source:   sourceURL,
	}
}

// SendBulletin sends one notification about b.
func (s *Sender) SendBulletin(ctx context.Context, b notifier.Bulletin) error {
	if !isSafeURL(b.URL) {
		return fmt.Errorf("refusing to send bulletin with unsafe link %q", b.URL)
	}

	msg, err := s.render(b)
	if err != nil {
		return fmt.Errorf("render bulletin message: %w", err)
	}

	s.logger.Info("Sending bulletin notification",
		"bulletin_date", b.Date.String(),
		"subject", msg.Subject)

	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("send bulletin notification: %w", err)
	}
	return nil
}
