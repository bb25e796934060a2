package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

var ErrNoPollInResponse = errors.New("sent message carries no poll")

// Sender delivers polls and plain text messages to chats
type Sender struct {
	api *telego.Bot
}

func NewSender(api *telego.Bot) *Sender {
	return &Sender{api: api}
}

// SendPoll sends a non-anonymous poll so that votes are reported back and
// returns the Telegram poll ID
func (s *Sender) SendPoll(ctx context.Context, chatID int64, question string, options []string) (string, error) {
	pollOptions := make([]telego.InputPollOption, 0, len(options))
	for _, option := range options {
		pollOptions = append(pollOptions, telego.InputPollOption{Text: option})
	}

	isAnonymous := false
	params := &telego.SendPollParams{
		ChatID:      tu.ID(chatID),
		Question:    question,
		Options:     pollOptions,
		IsAnonymous: &isAnonymous,
	}

	msg, err := withRateLimitRetry(ctx, "sendPoll", func() (*telego.Message, error) {
		return s.api.SendPoll(ctx, params)
	})
	if err != nil {
		slog.Error("bot: Failed to send poll", "error", err, "chat_id", chatID, "options", len(options))
		return "", fmt.Errorf("failed to send poll: %w", err)
	}
	if msg == nil || msg.Poll == nil {
		return "", ErrNoPollInResponse
	}

	slog.Info("bot: Poll sent", "chat_id", chatID, "poll_id", msg.Poll.ID)
	return msg.Poll.ID, nil
}

func (s *Sender) SendMessage(ctx context.Context, chatID int64, text string) error {
	message := tu.Message(tu.ID(chatID), text)

	_, err := withRateLimitRetry(ctx, "sendMessage", func() (*telego.Message, error) {
		return s.api.SendMessage(ctx, message)
	})
	if err != nil {
		slog.Error("bot: Failed to send message", "error", err, "chat_id", chatID, "text_length", len(text))
		return fmt.Errorf("failed to send message: %w", err)
	}

	slog.Debug("bot: Message sent successfully", "chat_id", chatID)
	return nil
}
