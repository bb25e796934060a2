package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.skobk.in/skobkin/codevote-bot/db"
	"git.skobk.in/skobkin/codevote-bot/poll"
	"git.skobk.in/skobkin/codevote-bot/scheduler"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
)

var (
	ErrGetMe          = errors.New("cannot retrieve api user")
	ErrUpdatesChannel = errors.New("cannot get updates channel")
	ErrHandlerInit    = errors.New("cannot initialize handler")
)

// Cycle is the per-chat poll cycle the commands drive
type Cycle interface {
	RegisterChat(ctx context.Context, chatID int64, title string) (*db.Chat, error)
	StartCycle(ctx context.Context, chatID int64) (bool, error)
	Advance(ctx context.Context, chatID int64) error
	ResetChat(ctx context.Context, chatID int64) error
	ForgetChat(ctx context.Context, chatID int64) error
	ChatCode(ctx context.Context, chatID int64) ([]db.CodeLine, error)
	CompleteCode(ctx context.Context, chatID int64) ([]db.CodeLine, error)
}

type PollState interface {
	RecordVote(ctx context.Context, pollID string, optionIndex int) (int64, error)
	CountActivePolls(ctx context.Context) (int, error)
}

type SchedulerStatus interface {
	Status() scheduler.Status
}

type Bot struct {
	api       *telego.Bot
	messenger poll.Messenger
	cycle     Cycle
	state     PollState
	scheduler SchedulerStatus
	startedAt time.Time
	now       func() time.Time
}

func New(api *telego.Bot, messenger poll.Messenger, cycle Cycle, state PollState, scheduler SchedulerStatus) *Bot {
	return &Bot{
		api:       api,
		messenger: messenger,
		cycle:     cycle,
		state:     state,
		scheduler: scheduler,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Run handles updates via long polling until ctx is cancelled
func (b *Bot) Run(ctx context.Context) error {
	botUser, err := b.api.GetMe(ctx)
	if err != nil {
		slog.Error("bot: Cannot retrieve api user", "error", err)
		return fmt.Errorf("%w: %w", ErrGetMe, err)
	}

	slog.Info("bot: Running api as",
		"id", botUser.ID,
		"username", botUser.Username,
		"name", botUser.FirstName,
	)

	updates, err := b.api.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		AllowedUpdates: []string{"message", "poll_answer", "my_chat_member"},
	})
	if err != nil {
		slog.Error("bot: Cannot get update channel", "error", err)
		return fmt.Errorf("%w: %w", ErrUpdatesChannel, err)
	}

	bh, err := th.NewBotHandler(b.api, updates)
	if err != nil {
		slog.Error("bot: Cannot initialize bot handler", "error", err)
		return fmt.Errorf("%w: %w", ErrHandlerInit, err)
	}
	defer bh.Stop()

	bh.Use(b.chatFillMiddleware)

	bh.HandlePollAnswer(b.pollAnswerHandler)
	bh.HandleMyChatMemberUpdated(b.membershipHandler)

	bh.HandleMessage(b.startHandler, th.CommandEqual("start"))
	bh.HandleMessage(b.codeHandler, th.CommandEqual("code"))
	bh.HandleMessage(b.completeCodeHandler, th.CommandEqual("code_completed"))
	bh.HandleMessage(b.sendNowHandler, th.CommandEqual("sendnow"))
	bh.HandleMessage(b.resetHandler, th.CommandEqual("reset"))
	bh.HandleMessage(b.healthHandler, th.CommandEqual("health"))
	bh.HandleMessage(b.helpHandler, th.CommandEqual("help"))

	slog.Info("bot: Handling updates")
	return bh.Start()
}

func (b *Bot) pollAnswerHandler(ctx *th.Context, answer telego.PollAnswer) error {
	b.recordVote(ctx, answer)
	return nil
}

func (b *Bot) membershipHandler(ctx *th.Context, update telego.ChatMemberUpdated) error {
	b.membershipChanged(ctx, update.Chat,
		update.OldChatMember.MemberStatus(), update.NewChatMember.MemberStatus())
	return nil
}

func (b *Bot) startHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /start", "chat_id", message.Chat.ID)
	b.reply(ctx, message.Chat, b.start)
	return nil
}

func (b *Bot) codeHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /code", "chat_id", message.Chat.ID)
	b.reply(ctx, message.Chat, b.showCode)
	return nil
}

func (b *Bot) completeCodeHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /code_completed", "chat_id", message.Chat.ID)
	b.reply(ctx, message.Chat, b.completeCode)
	return nil
}

func (b *Bot) sendNowHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /sendnow", "chat_id", message.Chat.ID)
	b.reply(ctx, message.Chat, b.advance)
	return nil
}

func (b *Bot) resetHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /reset", "chat_id", message.Chat.ID)
	b.reply(ctx, message.Chat, b.reset)
	return nil
}

func (b *Bot) healthHandler(ctx *th.Context, message telego.Message) error {
	slog.Info("bot: /health", "chat_id", message.Chat.ID)
	b.send(ctx, message.Chat.ID, b.health(ctx))
	return nil
}

func (b *Bot) helpHandler(ctx *th.Context, message telego.Message) error {
	b.send(ctx, message.Chat.ID, helpText)
	return nil
}

// reply runs a group-only operation and sends its answer
func (b *Bot) reply(ctx context.Context, chat telego.Chat, operation func(context.Context, int64) string) {
	if !isGroupChat(chat.Type) {
		b.send(ctx, chat.ID, groupOnlyText)
		return
	}
	b.send(ctx, chat.ID, operation(ctx, chat.ID))
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := b.messenger.SendMessage(ctx, chatID, text); err != nil {
		slog.Error("bot: Cannot send reply message", "error", err, "chat_id", chatID)
	}
}
