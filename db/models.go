package db

import "time"

type PollStatus string

const (
	PollStatusActive   PollStatus = "active"
	PollStatusFinished PollStatus = "finished"
)

// Chat is a Telegram chat the bot takes part in
type Chat struct {
	ID             uint  `gorm:"primaryKey"`
	TelegramChatID int64 `gorm:"uniqueIndex;not null"`
	Title          string
	CreatedAt      time.Time
}

// Poll is one round of voting on the next line of a chat's program
type Poll struct {
	ID             uint       `gorm:"primaryKey"`
	ChatID         int64      `gorm:"index;not null"`
	TelegramPollID string     `gorm:"uniqueIndex;not null"`
	Question       string
	Status         PollStatus `gorm:"type:varchar(16);not null"`
	CreatedAt      time.Time
	FinishedAt     *time.Time

	Options []PollOption `gorm:"-"`
}

// PollOption is immutable once created. OptionIndex is 0-based and matches
// the position of the option in the Telegram poll.
type PollOption struct {
	ID          uint   `gorm:"primaryKey"`
	PollID      string `gorm:"uniqueIndex:idx_poll_option;not null"`
	OptionIndex int    `gorm:"uniqueIndex:idx_poll_option"`
	OptionText  string `gorm:"not null"`
}

// CodeLine is append-only. LineNumber is 1-based and has no gaps within a chat.
type CodeLine struct {
	ID         uint   `gorm:"primaryKey"`
	ChatID     int64  `gorm:"uniqueIndex:idx_chat_line;not null"`
	PollID     string `gorm:"index"`
	LineNumber int    `gorm:"uniqueIndex:idx_chat_line"`
	Content    string `gorm:"not null"`
	CreatedAt  time.Time
}
