package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/p1k4c6u/telegram-kv-bot/internal/models"
)

// SendMessage delivers a text message, classifying API failures into the
// transient/permanent delivery taxonomy.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true
	_, err := b.send(msg)
	return classifyDeliveryError(err)
}

// SendPhoto delivers an image by URL with a caption.
func (b *Bot) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photoURL))
	photo.Caption = caption
	photo.ParseMode = "HTML"
	_, err := b.send(photo)
	return classifyDeliveryError(err)
}

// classifyDeliveryError maps Telegram API failures onto the error taxonomy.
// A 403 means the user blocked the bot or the chat is gone; 400 "chat not
// found" is an invalid recipient. Everything else, including 429 rate
// limits, is retriable.
func classifyDeliveryError(err error) error {
	if err == nil {
		return nil
	}

	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		switch {
		case tgErr.Code == 403:
			return fmt.Errorf("%w: %s", models.ErrPermanentDelivery, tgErr.Message)
		case tgErr.Code == 400 && (strings.Contains(tgErr.Message, "chat not found") ||
			strings.Contains(tgErr.Message, "user is deactivated")):
			return fmt.Errorf("%w: %s", models.ErrPermanentDelivery, tgErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", models.ErrTransientDelivery, err)
}
