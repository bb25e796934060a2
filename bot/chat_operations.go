package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"git.skobk.in/skobkin/codevote-bot/poll"
	"git.skobk.in/skobkin/codevote-bot/pollstate"

	"github.com/dustin/go-humanize"
	"github.com/mymmrac/telego"
)

const (
	helpText = "We write a program together, one line per poll.\n" +
		"/start - start the polls in this chat\n" +
		"/code - show the code written so far\n" +
		"/code_completed - let the LLM finish the code\n" +
		"/sendnow - close the current poll right away\n" +
		"/reset - delete the code and start over\n" +
		"/health - show bot status"
	groupOnlyText = "Add me to a group chat to write code together."
	noCodeText    = "No code in this chat yet. Vote in the poll to write the first line!"
	errorText     = "Something went wrong. Try again later."
)

// registerChat records the chat and logs failures, the update is handled
// either way
func (b *Bot) registerChat(ctx context.Context, chat telego.Chat) {
	if _, err := b.cycle.RegisterChat(ctx, chat.ID, chat.Title); err != nil {
		slog.Error("bot: Cannot register chat", "error", err, "chat_id", chat.ID)
	}
}

// recordVote counts the first chosen option. Retracted votes carry no
// options and are ignored; so are votes on polls that are no longer tallied.
func (b *Bot) recordVote(ctx context.Context, answer telego.PollAnswer) {
	if len(answer.OptionIDs) == 0 {
		slog.Debug("bot: Ignoring retracted vote", "poll_id", answer.PollID)
		return
	}

	count, err := b.state.RecordVote(ctx, answer.PollID, answer.OptionIDs[0])
	switch {
	case errors.Is(err, pollstate.ErrNotFound):
		slog.Debug("bot: Vote for a poll that is not tallied", "poll_id", answer.PollID,
			"option", answer.OptionIDs[0])
	case err != nil:
		slog.Error("bot: Cannot record vote", "error", err, "poll_id", answer.PollID)
	default:
		slog.Debug("bot: Vote recorded", "poll_id", answer.PollID, "option", answer.OptionIDs[0], "count", count)
	}
}

// membershipChanged starts the cycle when the bot joins a group and forgets
// the chat when the bot leaves or is kicked
func (b *Bot) membershipChanged(ctx context.Context, chat telego.Chat, oldStatus, newStatus string) {
	wasMember, isMember := isMemberStatus(oldStatus), isMemberStatus(newStatus)

	switch {
	case !wasMember && isMember:
		if !isGroupChat(chat.Type) {
			return
		}
		slog.Info("bot: Added to chat", "chat_id", chat.ID, "title", chat.Title)
		b.registerChat(ctx, chat)
		if _, err := b.cycle.StartCycle(ctx, chat.ID); err != nil {
			slog.Error("bot: Cannot start polls in new chat", "error", err, "chat_id", chat.ID)
		}
	case wasMember && !isMember:
		slog.Info("bot: Removed from chat", "chat_id", chat.ID, "status", newStatus)
		if err := b.cycle.ForgetChat(ctx, chat.ID); err != nil {
			slog.Error("bot: Cannot forget chat", "error", err, "chat_id", chat.ID)
		}
	}
}

func (b *Bot) start(ctx context.Context, chatID int64) string {
	started, err := b.cycle.StartCycle(ctx, chatID)
	if err != nil {
		slog.Error("bot: Cannot start polls", "error", err, "chat_id", chatID)
		return failureReply(err)
	}
	if !started {
		return "A poll is already running here. Vote in it!"
	}
	return ""
}

func (b *Bot) showCode(ctx context.Context, chatID int64) string {
	lines, err := b.cycle.ChatCode(ctx, chatID)
	if err != nil {
		slog.Error("bot: Cannot get chat code", "error", err, "chat_id", chatID)
		return errorText
	}
	if len(lines) == 0 {
		return noCodeText
	}
	return fmt.Sprintf("Code so far (%d lines):\n\n%s", len(lines), formatCode(lines))
}

func (b *Bot) completeCode(ctx context.Context, chatID int64) string {
	lines, err := b.cycle.CompleteCode(ctx, chatID)
	switch {
	case errors.Is(err, poll.ErrNoCode):
		return noCodeText
	case err != nil:
		slog.Error("bot: Cannot complete code", "error", err, "chat_id", chatID)
		return errorText
	}
	return fmt.Sprintf("Completed code (%d lines):\n\n%s", len(lines), formatCode(lines))
}

func (b *Bot) advance(ctx context.Context, chatID int64) string {
	if err := b.cycle.Advance(ctx, chatID); err != nil {
		slog.Error("bot: Cannot advance poll", "error", err, "chat_id", chatID)
		return failureReply(err)
	}
	return ""
}

func (b *Bot) reset(ctx context.Context, chatID int64) string {
	if err := b.cycle.ResetChat(ctx, chatID); err != nil {
		return errorText
	}
	return "The code of this chat was deleted. Use /start to begin again."
}

func (b *Bot) health(ctx context.Context) string {
	now := b.now()
	uptime := strings.TrimSpace(humanize.RelTime(b.startedAt, now, "", ""))

	status := b.scheduler.Status()
	var worker string
	switch {
	case !status.Running:
		worker = "stopped"
	case status.SecondsSinceLastScan == nil:
		worker = "running, no scan yet"
	default:
		lastScan := now.Add(-time.Duration(*status.SecondsSinceLastScan) * time.Second)
		worker = "running, last scan " + humanize.RelTime(lastScan, now, "ago", "from now")
	}

	active := "unknown"
	if count, err := b.state.CountActivePolls(ctx); err != nil {
		slog.Error("bot: Cannot count active polls", "error", err)
	} else {
		active = humanize.Comma(int64(count))
	}

	return fmt.Sprintf("Uptime: %s\nScheduler: %s (every %s)\nActive polls: %s",
		uptime, worker, status.CheckInterval, active)
}

// failureReply is empty when the chat was already told that no poll could
// be created
func failureReply(err error) string {
	if errors.Is(err, poll.ErrNoUsableOptions) {
		return ""
	}
	return errorText
}
