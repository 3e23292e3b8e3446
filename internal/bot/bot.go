// Package bot implements the Telegram commands through which readers subscribe
// to notice broadcasts and deadline reminders.
package bot

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notice_crawler/internal/model"
)

// API is the subset of the Telegram bot API used by the bot.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Store is the persistence used by the bot.
type Store interface {
	GetNotice(ctx context.Context, id int64) (*model.StoredNotice, error)
	AddPushToken(ctx context.Context, token string) error
	RemovePushToken(ctx context.Context, token string) error
	AddReminder(ctx context.Context, noticeID int64, token string) error
	RemoveReminder(ctx context.Context, noticeID int64, token string) error
}

// Bot handles subscriber commands.
type Bot struct {
	api      API
	store    Store
	linkBase string
	loc      *time.Location
	log      *slog.Logger
}

// New creates a Bot. linkBase prefixes notice IDs to form deep links and loc
// is the zone dates are displayed in.
func New(api API, store Store, linkBase string, loc *time.Location, log *slog.Logger) *Bot {
	if loc == nil {
		loc = time.UTC
	}
	return &Bot{
		api:      api,
		store:    store,
		linkBase: linkBase,
		loc:      loc,
		log:      log,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID)
	case "stop":
		b.handleStop(ctx, chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdNotice:
		b.handleNotice(ctx, chatID, args)
	case cmdRemind:
		b.handleRemind(ctx, chatID, args)
	case cmdForget:
		b.handleForget(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

func token(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
