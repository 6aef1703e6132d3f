// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

type Options struct {
	// APIURL overrides the Bot API endpoint; empty means api.telegram.org.
	APIURL  string
	Timeout time.Duration
	// SkipTokenCheck avoids the getMe round trip on construction.
	SkipTokenCheck bool
}

type Sender struct {
	bot   *gotgbot.Bot
	token string
}

func NewSender(token string, opts Options) (*Sender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	bot, err := gotgbot.NewBot(token, &gotgbot.BotOpts{
		BotClient: &gotgbot.BaseBotClient{
			Client: http.Client{},
			DefaultRequestOpts: &gotgbot.RequestOpts{
				Timeout: opts.Timeout,
				APIURL:  opts.APIURL,
			},
		},
		DisableTokenCheck: opts.SkipTokenCheck,
	})
	if err != nil {
		return nil, errors.New("create telegram bot: " + RedactToken(err, token))
	}
	return &Sender{bot: bot, token: token}, nil
}

// Username is empty when the token check was skipped.
func (s *Sender) Username() string {
	return s.bot.User.Username
}

func (s *Sender) Send(ctx context.Context, chatID int64, text string) error {
	_, err := s.bot.SendMessageWithContext(ctx, chatID, text, &gotgbot.SendMessageOpts{})
	if err != nil {
		return errors.New("send telegram message: " + RedactToken(err, s.token))
	}
	return nil
}

// RedactToken renders err with the bot token and its URL forms masked.
func RedactToken(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
