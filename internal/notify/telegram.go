package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notice_crawler/internal/model"
)

// Sender is the subset of the Telegram bot API used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramProvider delivers notifications as Telegram messages. Tokens are
// chat IDs.
type TelegramProvider struct {
	api       Sender
	linkBase  string
	log       *slog.Logger
	rateDelay time.Duration
}

// NewTelegramProvider creates a provider. linkBase is prepended to relative
// deep links and image URLs so they are clickable in chat.
func NewTelegramProvider(api Sender, linkBase string, log *slog.Logger) *TelegramProvider {
	return &TelegramProvider{
		api:       api,
		linkBase:  strings.TrimSuffix(linkBase, "/"),
		log:       log,
		rateDelay: 50 * time.Millisecond,
	}
}

// SetRateDelay overrides the pause between messages.
func (p *TelegramProvider) SetRateDelay(d time.Duration) {
	p.rateDelay = d
}

// Send delivers payload to every chat in tokens.
func (p *TelegramProvider) Send(ctx context.Context, payload model.NotificationPayload, tokens []string, metadata map[string]string) ([]Outcome, error) {
	text := FormatMessage(payload, p.absolute(metadata[MetaDeepLink]))
	image := p.absolute(payload.ImageURL)

	outcomes := make([]Outcome, 0, len(tokens))
	for i, token := range tokens {
		if err := ctx.Err(); err != nil {
			for _, rest := range tokens[i:] {
				outcomes = append(outcomes, Outcome{Token: rest, Err: err})
			}
			break
		}

		chatID, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			outcomes = append(outcomes, Outcome{Token: token, Err: fmt.Errorf("invalid chat id: %w", err)})
			continue
		}

		var msg tgbotapi.Chattable
		if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(image))
			photo.Caption = text
			msg = photo
		} else {
			m := tgbotapi.NewMessage(chatID, text)
			m.DisableWebPagePreview = true
			msg = m
		}

		if _, err = p.api.Send(msg); err != nil {
			p.log.Debug("telegram send", "chat_id", chatID, "error", err)
		}
		outcomes = append(outcomes, Outcome{Token: token, Err: err})

		// Rate limit: ~20 messages/sec max for Telegram
		if p.rateDelay > 0 && i < len(tokens)-1 {
			time.Sleep(p.rateDelay)
		}
	}
	return outcomes, nil
}

func (p *TelegramProvider) absolute(ref string) string {
	if ref == "" || p.linkBase == "" || !strings.HasPrefix(ref, "/") {
		return ref
	}
	return p.linkBase + ref
}
