package delivery

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "dosekeeper/pkg/logx"
)

// TelegramSender delivers fired requests as Telegram messages to a single
// chat.
type TelegramSender struct {
	bot  *tele.Bot
	chat tele.ChatID
	log  logx.Logger
}

func NewTelegramSender(token string, chatID int64, log logx.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramSender{bot: b, chat: tele.ChatID(chatID), log: log}, nil
}

func (s *TelegramSender) Send(ctx context.Context, req Request) error {
	text := req.Title
	if req.Body != "" {
		text += "\n" + req.Body
	}
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// ConsoleSender logs fired requests; it backs headless runs and tests where
// no Telegram credentials are configured.
type ConsoleSender struct {
	log logx.Logger
}

func NewConsoleSender(log logx.Logger) *ConsoleSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ConsoleSender{log: log}
}

func (s *ConsoleSender) Send(ctx context.Context, req Request) error {
	s.log.Info("notification",
		logx.String("id", req.Identifier),
		logx.String("title", req.Title),
		logx.String("body", req.Body),
		logx.Time("date", req.Date),
	)
	return nil
}
