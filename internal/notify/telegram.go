package notify

import (
	"context"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"anomaly_bot/internal/models"
)

// StatusFunc текст ответа на /status.
type StatusFunc func() string

// Telegram пассивный нотифайер в один чат плюс команда /status.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegram endpoint пустой = api.telegram.org.
func NewTelegram(token string, chatID int64, endpoint string, log *zap.Logger) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbot.APIEndpoint
	}
	b, err := tgbot.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot init")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{bot: b, chatID: chatID, log: log.Named("telegram")}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(_ context.Context, ev models.Event) error {
	return t.send(Text(ev))
}

func (t *Telegram) send(text string) error {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return nil
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, text)); err != nil {
		return errors.Wrap(err, "telegram send")
	}
	return nil
}

// Start long-polling команд из своего чата; отвечает только на /status.
func (t *Telegram) Start(ctx context.Context, status StatusFunc) {
	if t == nil || t.bot == nil || status == nil {
		return
	}

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				msg := upd.Message
				if msg == nil || msg.Chat == nil || msg.Chat.ID != t.chatID || !msg.IsCommand() {
					continue
				}
				if msg.Command() == "status" {
					if err := t.send(status()); err != nil {
						t.log.Warn("status reply failed", zap.Error(err))
					}
				}
			}
		}
	}()
}
