package alert

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter posts the annotated violation frame to a chat.
type TelegramAlerter struct {
	api    telegramSender
	chatID int64
}

func NewTelegramAlerter(token string, chatID int64) (*TelegramAlerter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return &TelegramAlerter{api: api, chatID: chatID}, nil
}

func (a *TelegramAlerter) Name() string { return "telegram" }

func (a *TelegramAlerter) Alert(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg tgbotapi.Chattable
	if len(ev.Snapshot) > 0 {
		photo := tgbotapi.NewPhoto(a.chatID, tgbotapi.FileBytes{Name: photoName(ev), Bytes: ev.Snapshot})
		photo.Caption = caption(ev)
		msg = photo
	} else {
		msg = tgbotapi.NewMessage(a.chatID, caption(ev))
	}

	if _, err := a.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func caption(ev Event) string {
	return fmt.Sprintf("No helmet detected (%d without, %d with) via %s at %s",
		ev.NoHelmetCount, ev.HelmetCount, ev.Source, ev.Timestamp.Format("2006-01-02 15:04:05"))
}

func photoName(ev Event) string {
	if ev.FileName != "" {
		return ev.FileName
	}
	return "violation.jpg"
}
