package poll

import (
	"context"
	"errors"
	"time"

	"git.skobk.in/skobkin/codevote-bot/db"
)

var (
	ErrInvalidOptions  = errors.New("invalid poll options")
	ErrNoUsableOptions = errors.New("no usable poll options")

	ErrNoCode            = errors.New("chat has no code")
	ErrInvalidCompletion = errors.New("invalid code completion")
)

// Repository is the permanent history of chats, polls and code lines
type Repository interface {
	GetOrCreateChat(ctx context.Context, chatID int64, title string) (*db.Chat, error)
	DeleteChat(ctx context.Context, chatID int64) error

	CreatePoll(ctx context.Context, chatID int64, pollID, question string) (*db.Poll, error)
	FinishPoll(ctx context.Context, pollID string, finishedAt time.Time) error
	CreateOption(ctx context.Context, pollID string, index int, text string) (*db.PollOption, error)
	GetOption(ctx context.Context, pollID string, index int) (*db.PollOption, error)

	CreateCodeLine(ctx context.Context, chatID int64, pollID string, lineNumber int, content string) (*db.CodeLine, error)
	GetChatCodeLines(ctx context.Context, chatID int64) ([]db.CodeLine, error)
	CountChatCodeLines(ctx context.Context, chatID int64) (int, error)
	FindCodeLineByPoll(ctx context.Context, pollID string) (*db.CodeLine, error)
	ReplaceChatCodeLines(ctx context.Context, chatID int64, pollID string, contents []string) ([]db.CodeLine, error)

	DeletePollsForChat(ctx context.Context, chatID int64) error
	DeleteOptionsForChat(ctx context.Context, chatID int64) error
	DeleteCodeLinesForChat(ctx context.Context, chatID int64) error
}

// StateStore is the ephemeral per-chat poll state
type StateStore interface {
	GetActivePoll(ctx context.Context, chatID int64) (string, error)
	GetTally(ctx context.Context, pollID string) (map[int]int64, error)
	GetDeadline(ctx context.Context, chatID int64) (time.Time, error)
	RegisterActivePoll(ctx context.Context, chatID int64, pollID string, optionIndices []int, delay time.Duration) (time.Time, error)
	PurgeChat(ctx context.Context, chatID int64) error
}

// Messenger delivers polls and messages to a chat
type Messenger interface {
	SendPoll(ctx context.Context, chatID int64, question string, options []string) (string, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// OptionGenerator suggests candidates for the next line given the lines so far
type OptionGenerator interface {
	Suggest(ctx context.Context, lines []string) ([]string, error)
}

// CodeCompleter rewrites the lines so far into a finished program
type CodeCompleter interface {
	Complete(ctx context.Context, lines []string) ([]string, error)
}
