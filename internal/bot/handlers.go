package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notice_crawler/internal/storage"
)

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	if err := b.store.AddPushToken(ctx, token(chatID)); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, `Welcome to the Academic Notice Bot!

You will now receive every new notice posted on the academic board.

Quick start:
1. /notice <id> — read a notice
2. /remind <id> — get a reminder the day before its deadline
3. /stop — unsubscribe

Use /help for the full command reference.`)
}

func (b *Bot) handleStop(ctx context.Context, chatID int64) {
	if err := b.store.RemovePushToken(ctx, token(chatID)); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "Unsubscribed. Your reminders were cancelled too. Send /start to subscribe again.")
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Subscription:
/start — receive new notices
/stop — stop all notifications

Notices:
/notice <id> — show a notice
/remind <id> — remind me the day before the deadline
/forget <id> — cancel a reminder`)
}

func (b *Bot) handleNotice(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /notice <id>")
		return
	}

	n, err := b.store.GetNotice(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Notice #%d not found.", id))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatNotice(n, b.linkBase, b.loc))
	msg.DisableWebPagePreview = true
	if n.Deadline != nil {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Remind me", fmt.Sprintf("%s:%d", cmdRemind, id)),
				tgbotapi.NewInlineKeyboardButtonData("Forget", fmt.Sprintf("%s:%d", cmdForget, id)),
			),
		)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send notice", "chat_id", chatID, "notice_id", id, "error", err)
	}
}

func (b *Bot) handleRemind(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /remind <id>")
		return
	}

	n, err := b.store.GetNotice(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Notice #%d not found.", id))
		return
	}

	if err := b.store.AddReminder(ctx, id, token(chatID)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("Notice #%d not found.", id))
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	if n.Deadline == nil {
		b.reply(chatID, fmt.Sprintf("Reminder set for #%d \"%s\". No deadline was found in it yet; you will be reminded if one appears.", id, n.Title))
		return
	}
	b.reply(chatID, fmt.Sprintf("Reminder set for #%d \"%s\" (deadline %s).", id, n.Title, n.Deadline.In(b.loc).Format("2006-01-02")))
}

func (b *Bot) handleForget(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /forget <id>")
		return
	}

	if err := b.store.RemoveReminder(ctx, id, token(chatID)); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Reminder for #%d cancelled.", id))
}
