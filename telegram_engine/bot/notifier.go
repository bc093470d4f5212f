package bot

import (
	"context"

	"github.com/go-faster/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/moneyscripter/telesol/events"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier forwards trading events to Telegram chats.
type Notifier struct {
	api     sender
	chatIDs []int64
	log     *zap.Logger
}

func NewNotifier(token string, chatIDs []int64, log *zap.Logger) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "create bot api")
	}
	log = log.Named("notifier")
	log.Info("Authorized", zap.String("account", api.Self.UserName))
	return &Notifier{api: api, chatIDs: chatIDs, log: log}, nil
}

func (n *Notifier) Name() string { return "telegram" }

func (n *Notifier) Handle(_ context.Context, e events.Event) error {
	text, ok := formatEvent(e)
	if !ok {
		return nil
	}
	var firstErr error
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.api.Send(msg); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "send to %d", chatID)
		}
	}
	return firstErr
}
