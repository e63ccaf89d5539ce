package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// chatRecipient addresses a chat by numeric id or @channel username.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

// TelegramProvider posts messages to a single chat or channel.
type TelegramProvider struct {
	settings tele.Settings
	chat     chatRecipient
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// TelegramConfig holds bot settings.
type TelegramConfig struct {
	Token   string
	ChatID  string        // Numeric id or @channelname
	APIURL  string        // Bot API base URL; the public endpoint when empty
	Timeout time.Duration // Upper bound for a single API request
}

// NewTelegramProvider creates a provider. Bots are created offline, so no
// network call happens until the first Send.
func NewTelegramProvider(cfg TelegramConfig, logger *slog.Logger) (*TelegramProvider, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat id is empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &TelegramProvider{
		settings: tele.Settings{
			URL:     cfg.APIURL,
			Token:   cfg.Token,
			Offline: true,
		},
		chat:    chatRecipient(strings.TrimSpace(cfg.ChatID)),
		timeout: timeout,
		// Telegram allows about 20 messages per minute to one group or channel.
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
		logger:  logger,
	}
	if _, err := p.botFor(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// ctxTransport binds every request to ctx. telebot builds its requests on
// context.Background, so this is the only way a caller deadline reaches the
// connection.
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.Clone(t.ctx))
}

// botFor returns a bot whose requests end when ctx does.
func (t *TelegramProvider) botFor(ctx context.Context) (*tele.Bot, error) {
	settings := t.settings
	settings.Client = &http.Client{
		Timeout:   t.timeout,
		Transport: &ctxTransport{ctx: ctx, base: http.DefaultTransport},
	}
	bot, err := tele.NewBot(settings)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return bot, nil
}

// Send posts the bulletin document with msg.Body as its caption. When there
// is no document link, or Telegram cannot fetch it, the body goes out as a
// plain text message instead.
func (t *TelegramProvider) Send(ctx context.Context, msg Message) error {
	bot, err := t.botFor(ctx)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			if err := t.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			if msg.URL != "" {
				err := t.post(bot, "sendDocument", msg, documentFor(msg))
				if err == nil || ctx.Err() != nil || isTransportError(err) {
					return t.classify(err)
				}
				t.logger.Warn("Telegram could not attach bulletin, sending text instead",
					"chat", string(t.chat),
					"url", msg.URL,
					"error", err)
			}

			return t.classify(t.post(bot, "sendMessage", msg, msg.Body))
		},
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.MaxDelay(20*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
	)
}

func documentFor(msg Message) *tele.Document {
	name := "bollettino.pdf"
	if u, err := url.Parse(msg.URL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			name = base
		}
	}
	return &tele.Document{
		File:     tele.FromURL(msg.URL),
		FileName: name,
		Caption:  msg.Body,
	}
}

func (t *TelegramProvider) post(bot *tele.Bot, method string, msg Message, what any) error {
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML}
	if method == "sendMessage" {
		opts.DisableWebPagePreview = true
	}

	t.logger.Info("Telegram API request starting",
		"method", method,
		"chat", string(t.chat),
		"subject", msg.Subject)

	startTime := time.Now()
	sent, err := bot.Send(t.chat, what, opts)
	duration := time.Since(startTime)

	if err != nil {
		t.logger.Warn("Telegram API request failed",
			"method", method,
			"chat", string(t.chat),
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return err
	}

	t.logger.Info("Telegram API request completed",
		"method", method,
		"chat", string(t.chat),
		"message_id", sent.ID,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}

// classify marks errors that must not be retried. A transport failure after
// the connection was established may already have posted the message.
func (t *TelegramProvider) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Unrecoverable(err)
	case isTransportError(err):
		if isDialError(err) {
			return err
		}
		return retry.Unrecoverable(err)
	case isPermanentTelegramError(err):
		t.logger.Error("Telegram API rejected message", "chat", string(t.chat), "error", err)
		return retry.Unrecoverable(err)
	}
	return err
}

func isTransportError(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr)
}

// isDialError reports failures to connect, where nothing was sent.
func isDialError(err error) bool {
	var oerr *net.OpError
	return errors.As(err, &oerr) && oerr.Op == "dial"
}

// isPermanentTelegramError reports bad requests and authorization failures,
// which repeat identically on retry.
func isPermanentTelegramError(err error) bool {
	var terr *tele.Error
	if errors.As(err, &terr) {
		return permanentStatus(terr.Code)
	}
	// Descriptions telebot does not know come back as "telegram: <desc> (<code>)".
	msg := err.Error()
	if i := strings.LastIndex(msg, "("); i >= 0 && strings.HasSuffix(msg, ")") {
		var code int
		if _, serr := fmt.Sscanf(msg[i:], "(%d)", &code); serr == nil {
			return permanentStatus(code)
		}
	}
	return false
}

func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}
