// Package poll drives the per-chat poll cycle: a poll is registered, collects
// votes until its deadline, is resolved into the next code line and replaced
// by a fresh poll.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"git.skobk.in/skobkin/codevote-bot/db"
	"git.skobk.in/skobkin/codevote-bot/pollstate"
	"git.skobk.in/skobkin/codevote-bot/storage"

	"github.com/cenkalti/backoff/v4"
)

const (
	// MaxOptionLength is the Telegram limit for a poll option
	MaxOptionLength = 100

	failureNotice = "Could not start the next poll. Try /sendnow later."
	noticeTimeout = 10 * time.Second
)

type Settings struct {
	PollTTL            time.Duration
	MinOptions         int
	MaxOptions         int
	GenerateAttempts   int
	GenerateBackoff    time.Duration
	GenerateMaxBackoff time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		PollTTL:            10 * time.Minute,
		MinOptions:         2,
		MaxOptions:         10,
		GenerateAttempts:   5,
		GenerateBackoff:    2 * time.Second,
		GenerateMaxBackoff: 30 * time.Second,
	}
}

type Orchestrator struct {
	repo      Repository
	state     StateStore
	messenger Messenger
	generator OptionGenerator
	completer CodeCompleter
	settings  Settings
	now       func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewOrchestrator(repo Repository, state StateStore, messenger Messenger, generator OptionGenerator, completer CodeCompleter, settings Settings) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		state:     state,
		messenger: messenger,
		generator: generator,
		completer: completer,
		settings:  settings,
		now:       time.Now,
		locks:     make(map[int64]*sync.Mutex),
	}
}

// lockChat serializes transitions of one chat inside this process
func (o *Orchestrator) lockChat(chatID int64) func() {
	o.mu.Lock()
	l, ok := o.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[chatID] = l
	}
	o.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// RegisterChat records the chat on first interaction
func (o *Orchestrator) RegisterChat(ctx context.Context, chatID int64, title string) (*db.Chat, error) {
	return o.repo.GetOrCreateChat(ctx, chatID, title)
}

// ChatCode returns the chat's program so far
func (o *Orchestrator) ChatCode(ctx context.Context, chatID int64) ([]db.CodeLine, error) {
	return o.repo.GetChatCodeLines(ctx, chatID)
}

// RegisterPoll persists a sent poll with its options and schedules it.
// Options are stored in index order before the tally is initialized.
func (o *Orchestrator) RegisterPoll(ctx context.Context, chatID int64, pollID, question string, options []string) (*db.Poll, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("%w: poll without options", ErrInvalidOptions)
	}

	poll, err := o.repo.CreatePoll(ctx, chatID, pollID, question)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(options))
	for i, text := range options {
		option, err := o.repo.CreateOption(ctx, pollID, i, text)
		if err != nil {
			return nil, err
		}
		poll.Options = append(poll.Options, *option)
		indices = append(indices, i)
	}

	deadline, err := o.state.RegisterActivePoll(ctx, chatID, pollID, indices, o.settings.PollTTL)
	if err != nil {
		slog.Error("poll: Poll persisted but not scheduled", "error", err, "chat_id", chatID, "poll_id", pollID)
		return nil, err
	}

	slog.Info("poll: Poll registered", "chat_id", chatID, "poll_id", pollID,
		"options", len(options), "deadline", deadline)
	return poll, nil
}

// GenerateOptions asks the generator for the next line candidates until it
// returns a valid set, with exponential backoff and a bounded number of
// attempts
func (o *Orchestrator) GenerateOptions(ctx context.Context, chatID int64, lines []string) ([]string, error) {
	attempts := o.settings.GenerateAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.settings.GenerateBackoff
	b.MaxInterval = o.settings.GenerateMaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	var options []string
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		suggested, err := o.generator.Suggest(ctx, lines)
		if err != nil {
			return err
		}
		valid, err := o.validateOptions(suggested)
		if err != nil {
			return err
		}
		options = valid
		return nil
	}, policy, func(err error, next time.Duration) {
		slog.Warn("poll: Option generation failed, retrying", "error", err,
			"chat_id", chatID, "attempt", attempt, "retry_in", next)
	})
	if err != nil {
		slog.Error("poll: Option generation gave up", "error", err, "chat_id", chatID, "attempts", attempt)
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrNoUsableOptions, attempt, err)
	}

	return options, nil
}

func (o *Orchestrator) validateOptions(options []string) ([]string, error) {
	if len(options) < o.settings.MinOptions {
		return nil, fmt.Errorf("%w: got %d options, need at least %d", ErrInvalidOptions, len(options), o.settings.MinOptions)
	}
	if o.settings.MaxOptions > 0 && len(options) > o.settings.MaxOptions {
		return nil, fmt.Errorf("%w: got %d options, at most %d allowed", ErrInvalidOptions, len(options), o.settings.MaxOptions)
	}

	valid := make([]string, 0, len(options))
	for i, option := range options {
		option = strings.TrimSpace(option)
		if option == "" {
			return nil, fmt.Errorf("%w: option %d is blank", ErrInvalidOptions, i)
		}
		if utf8.RuneCountInString(option) > MaxOptionLength {
			return nil, fmt.Errorf("%w: option %d is longer than %d characters", ErrInvalidOptions, i, MaxOptionLength)
		}
		valid = append(valid, option)
	}
	return valid, nil
}

// CreatePollForChat sends the next poll to the chat and registers it. On
// failure the chat gets a short notice, even when ctx is already done.
func (o *Orchestrator) CreatePollForChat(ctx context.Context, chatID int64) (string, error) {
	pollID, err := o.createPoll(ctx, chatID)
	if err != nil {
		slog.Error("poll: Failed to create poll", "error", err, "chat_id", chatID)
		noticeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
		defer cancel()
		if sendErr := o.messenger.SendMessage(noticeCtx, chatID, failureNotice); sendErr != nil {
			slog.Error("poll: Cannot send failure notice", "error", sendErr, "chat_id", chatID)
		}
		return "", err
	}
	return pollID, nil
}

func (o *Orchestrator) createPoll(ctx context.Context, chatID int64) (string, error) {
	lines, err := o.repo.GetChatCodeLines(ctx, chatID)
	if err != nil {
		return "", err
	}
	contents := make([]string, 0, len(lines))
	for _, line := range lines {
		contents = append(contents, line.Content)
	}

	options, err := o.GenerateOptions(ctx, chatID, contents)
	if err != nil {
		return "", err
	}

	question := fmt.Sprintf("Line %d: what comes next?", len(lines)+1)
	pollID, err := o.messenger.SendPoll(ctx, chatID, question, options)
	if err != nil {
		return "", fmt.Errorf("failed to send poll: %w", err)
	}

	if _, err := o.RegisterPoll(ctx, chatID, pollID, question, options); err != nil {
		return "", err
	}
	return pollID, nil
}

// StartCycle creates the first poll for an idle chat. It reports false when
// the chat already has an active poll.
func (o *Orchestrator) StartCycle(ctx context.Context, chatID int64) (bool, error) {
	unlock := o.lockChat(chatID)
	defer unlock()

	_, err := o.state.GetActivePoll(ctx, chatID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pollstate.ErrNotFound) {
		return false, err
	}

	if err := o.state.PurgeChat(ctx, chatID); err != nil {
		return false, err
	}
	if _, err := o.CreatePollForChat(ctx, chatID); err != nil {
		return false, err
	}
	return true, nil
}

// ResolveExpiredPoll turns the expired poll of the chat into a code line
// and starts the next poll. A chat without an active poll is cleaned up and
// left idle. A chat whose deadline lies in the future was already advanced
// by a concurrent resolution and is skipped.
func (o *Orchestrator) ResolveExpiredPoll(ctx context.Context, chatID int64) error {
	unlock := o.lockChat(chatID)
	defer unlock()

	deadline, err := o.state.GetDeadline(ctx, chatID)
	switch {
	case err == nil && deadline.After(o.now()):
		slog.Debug("poll: Deadline not reached, skipping", "chat_id", chatID, "deadline", deadline)
		return nil
	case err != nil && !errors.Is(err, pollstate.ErrNotFound):
		return err
	}

	pollID, err := o.state.GetActivePoll(ctx, chatID)
	if errors.Is(err, pollstate.ErrNotFound) {
		slog.Info("poll: No active poll, clearing stray state", "chat_id", chatID)
		return o.state.PurgeChat(ctx, chatID)
	}
	if err != nil {
		return err
	}

	return o.resolveAndContinue(ctx, chatID, pollID)
}

// Advance resolves the active poll right away, ignoring its deadline. An
// idle chat gets its first poll.
func (o *Orchestrator) Advance(ctx context.Context, chatID int64) error {
	unlock := o.lockChat(chatID)
	defer unlock()

	pollID, err := o.state.GetActivePoll(ctx, chatID)
	if errors.Is(err, pollstate.ErrNotFound) {
		if err := o.state.PurgeChat(ctx, chatID); err != nil {
			return err
		}
		_, err = o.CreatePollForChat(ctx, chatID)
		return err
	}
	if err != nil {
		return err
	}

	return o.resolveAndContinue(ctx, chatID, pollID)
}

func (o *Orchestrator) resolveAndContinue(ctx context.Context, chatID int64, pollID string) error {
	tally, err := o.state.GetTally(ctx, pollID)
	if err != nil {
		return err
	}

	line, err := o.appendWinningLine(ctx, chatID, pollID, tally)
	if err != nil {
		o.cleanup(ctx, chatID)
		return err
	}

	if err := o.repo.FinishPoll(ctx, pollID, o.now()); err != nil {
		slog.Warn("poll: Cannot mark poll finished", "error", err, "chat_id", chatID, "poll_id", pollID)
	}

	if err := o.state.PurgeChat(ctx, chatID); err != nil {
		return err
	}

	text := fmt.Sprintf("Line %d: %s", line.LineNumber, line.Content)
	if err := o.messenger.SendMessage(ctx, chatID, text); err != nil {
		slog.Warn("poll: Cannot announce winning line", "error", err, "chat_id", chatID)
	}

	_, err = o.CreatePollForChat(ctx, chatID)
	return err
}

// appendWinningLine writes the code line of the poll once. A poll that
// already produced a line returns that line.
func (o *Orchestrator) appendWinningLine(ctx context.Context, chatID int64, pollID string, tally map[int]int64) (*db.CodeLine, error) {
	existing, err := o.repo.FindCodeLineByPoll(ctx, pollID)
	if err == nil {
		slog.Info("poll: Poll already produced a line", "chat_id", chatID, "poll_id", pollID,
			"line_number", existing.LineNumber)
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	winner := ResolveWinner(tally)
	option, err := o.repo.GetOption(ctx, pollID, winner)
	if err != nil {
		return nil, fmt.Errorf("failed to get winning option %d: %w", winner, err)
	}

	count, err := o.repo.CountChatCodeLines(ctx, chatID)
	if err != nil {
		return nil, err
	}

	line, err := o.repo.CreateCodeLine(ctx, chatID, pollID, count+1, option.OptionText)
	if err != nil {
		return nil, err
	}

	slog.Info("poll: Poll resolved", "chat_id", chatID, "poll_id", pollID,
		"winner", winner, "votes", tally[winner], "line_number", line.LineNumber)
	return line, nil
}

// cleanup purges the chat's ephemeral state after a failed resolution so the
// chat does not stay stuck past its deadline
func (o *Orchestrator) cleanup(ctx context.Context, chatID int64) {
	if err := o.state.PurgeChat(context.WithoutCancel(ctx), chatID); err != nil {
		slog.Error("poll: Cleanup after failed resolution failed", "error", err, "chat_id", chatID)
	}
}

// ResetChat deletes the chat's polls, options and code lines and purges its
// ephemeral state. Every step is attempted.
func (o *Orchestrator) ResetChat(ctx context.Context, chatID int64) error {
	unlock := o.lockChat(chatID)
	defer unlock()

	err := errors.Join(
		o.repo.DeleteOptionsForChat(ctx, chatID),
		o.repo.DeletePollsForChat(ctx, chatID),
		o.repo.DeleteCodeLinesForChat(ctx, chatID),
		o.state.PurgeChat(ctx, chatID),
	)
	if err != nil {
		slog.Error("poll: Chat reset incomplete", "error", err, "chat_id", chatID)
		return err
	}

	slog.Info("poll: Chat reset", "chat_id", chatID)
	return nil
}

// CompleteCode has the completer finish the chat's program and replaces the
// stored lines with the result, numbered from 1. The stored code is left
// untouched when the completer fails or returns nothing.
func (o *Orchestrator) CompleteCode(ctx context.Context, chatID int64) ([]db.CodeLine, error) {
	unlock := o.lockChat(chatID)
	defer unlock()

	lines, err := o.repo.GetChatCodeLines(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrNoCode
	}

	contents := make([]string, 0, len(lines))
	for _, line := range lines {
		contents = append(contents, line.Content)
	}

	completed, err := o.completer.Complete(ctx, contents)
	if err != nil {
		slog.Error("poll: Code completion failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to complete code: %w", err)
	}

	completed = trimCompletion(completed)
	if len(completed) == 0 {
		return nil, fmt.Errorf("%w: no lines returned", ErrInvalidCompletion)
	}

	replaced, err := o.repo.ReplaceChatCodeLines(ctx, chatID, lines[0].PollID, completed)
	if err != nil {
		return nil, err
	}

	slog.Info("poll: Code completed", "chat_id", chatID, "lines_before", len(lines), "lines_after", len(replaced))
	return replaced, nil
}

// trimCompletion strips trailing whitespace of every line and drops blank
// lines around the program. Blank lines inside it are kept.
func trimCompletion(lines []string) []string {
	trimmed := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed = append(trimmed, strings.TrimRight(line, " \t\r"))
	}
	for len(trimmed) > 0 && trimmed[0] == "" {
		trimmed = trimmed[1:]
	}
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == "" {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return trimmed
}

// ForgetChat resets the chat, removes the chat itself and drops its lock
func (o *Orchestrator) ForgetChat(ctx context.Context, chatID int64) error {
	err := errors.Join(
		o.ResetChat(ctx, chatID),
		o.repo.DeleteChat(ctx, chatID),
	)

	o.mu.Lock()
	delete(o.locks, chatID)
	o.mu.Unlock()

	return err
}
