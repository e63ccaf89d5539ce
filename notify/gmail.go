package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends messages as HTML email via the Gmail API.
type GmailProvider struct {
	service *gmail.Service
	to      string
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail provider delivering to one address.
func NewGmailProvider(service *gmail.Service, to string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		to:      to,
		logger:  logger,
	}
}

// sanitizeEmailHeader removes CR, LF and other control characters so a
// header value cannot start a new header.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMIME returns the raw RFC 5322 message, base64url encoded for the API.
func buildMIME(to string, msg Message) string {
	// Non-ASCII subjects need RFC 2047 encoding.
	subject := "=?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte(sanitizeEmailHeader(msg.Subject))) + "?="

	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(htmlDocument(msg))
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

// Send sends msg via the Gmail API. The From address is set by Gmail from
// the authenticated account.
func (g *GmailProvider) Send(ctx context.Context, msg Message) error {
	encoded := buildMIME(g.to, msg)

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", g.to,
				"subject", msg.Subject)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", g.to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", g.to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail send after error", "attempt", n, "error", err)
		}),
	)
}
