package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.skobk.in/skobkin/codevote-bot/db"

	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

type Storage struct {
	db *gorm.DB
}

func New(conn *gorm.DB) *Storage {
	return &Storage{db: conn}
}

// translate maps gorm errors to the storage sentinel errors
func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	default:
		return err
	}
}

// GetOrCreateChat returns the chat row, creating it on first interaction
func (s *Storage) GetOrCreateChat(ctx context.Context, chatID int64, title string) (*db.Chat, error) {
	chat := &db.Chat{}
	result := s.db.WithContext(ctx).Where("telegram_chat_id = ?", chatID).Limit(1).Find(chat)
	if result.Error != nil {
		slog.Error("storage: Failed to get chat", "error", result.Error, "chat_id", chatID)
		return nil, fmt.Errorf("failed to get chat: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return chat, nil
	}

	slog.Debug("storage: Chat not found, creating", "chat_id", chatID)

	chat = &db.Chat{TelegramChatID: chatID, Title: title}
	if err := s.db.WithContext(ctx).Create(chat).Error; err != nil {
		slog.Error("storage: Failed to create chat", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to create chat: %w", translate(err))
	}
	return chat, nil
}

// DeleteChat deletes the chat row. Deleting an absent chat is not an error.
func (s *Storage) DeleteChat(ctx context.Context, chatID int64) error {
	result := s.db.WithContext(ctx).Where("telegram_chat_id = ?", chatID).Delete(&db.Chat{})
	if result.Error != nil {
		slog.Error("storage: Failed to delete chat", "error", result.Error, "chat_id", chatID)
		return fmt.Errorf("failed to delete chat: %w", result.Error)
	}
	return nil
}

// CreatePoll persists a new active poll. A second poll with the same
// Telegram poll id is rejected with ErrAlreadyExists.
func (s *Storage) CreatePoll(ctx context.Context, chatID int64, pollID, question string) (*db.Poll, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&db.Poll{}).Where("telegram_poll_id = ?", pollID).Count(&count)
	if result.Error != nil {
		slog.Error("storage: Failed to check poll existence", "error", result.Error, "poll_id", pollID)
		return nil, fmt.Errorf("failed to check poll existence: %w", result.Error)
	}
	if count > 0 {
		slog.Warn("storage: Trying to create a poll with already existing id", "poll_id", pollID)
		return nil, fmt.Errorf("poll %s: %w", pollID, ErrAlreadyExists)
	}

	poll := &db.Poll{
		ChatID:         chatID,
		TelegramPollID: pollID,
		Question:       question,
		Status:         db.PollStatusActive,
	}
	if err := s.db.WithContext(ctx).Create(poll).Error; err != nil {
		slog.Error("storage: Failed to create poll", "error", err, "chat_id", chatID, "poll_id", pollID)
		return nil, fmt.Errorf("failed to create poll: %w", translate(err))
	}
	return poll, nil
}

// FinishPoll marks the poll as finished
func (s *Storage) FinishPoll(ctx context.Context, pollID string, finishedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&db.Poll{}).
		Where("telegram_poll_id = ?", pollID).
		Updates(map[string]any{"status": db.PollStatusFinished, "finished_at": finishedAt})
	if result.Error != nil {
		slog.Error("storage: Failed to finish poll", "error", result.Error, "poll_id", pollID)
		return fmt.Errorf("failed to finish poll: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("poll %s: %w", pollID, ErrNotFound)
	}
	return nil
}

// GetPoll returns the poll together with its options ordered by index
func (s *Storage) GetPoll(ctx context.Context, pollID string) (*db.Poll, error) {
	poll := &db.Poll{}
	if err := s.db.WithContext(ctx).Where("telegram_poll_id = ?", pollID).First(poll).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Error("storage: Failed to get poll", "error", err, "poll_id", pollID)
		}
		return nil, fmt.Errorf("failed to get poll: %w", translate(err))
	}

	err := s.db.WithContext(ctx).Where("poll_id = ?", pollID).Order("option_index").Find(&poll.Options).Error
	if err != nil {
		slog.Error("storage: Failed to get poll options", "error", err, "poll_id", pollID)
		return nil, fmt.Errorf("failed to get poll options: %w", err)
	}
	return poll, nil
}

func (s *Storage) CreateOption(ctx context.Context, pollID string, index int, text string) (*db.PollOption, error) {
	option := &db.PollOption{PollID: pollID, OptionIndex: index, OptionText: text}
	if err := s.db.WithContext(ctx).Create(option).Error; err != nil {
		slog.Error("storage: Failed to create poll option", "error", err, "poll_id", pollID, "option_index", index)
		return nil, fmt.Errorf("failed to create poll option: %w", translate(err))
	}
	return option, nil
}

func (s *Storage) GetOption(ctx context.Context, pollID string, index int) (*db.PollOption, error) {
	option := &db.PollOption{}
	err := s.db.WithContext(ctx).Where("poll_id = ? AND option_index = ?", pollID, index).First(option).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Error("storage: Failed to get poll option", "error", err, "poll_id", pollID, "option_index", index)
		}
		return nil, fmt.Errorf("failed to get poll option: %w", translate(err))
	}
	return option, nil
}

// CreateCodeLine appends a line. A taken (chat, line number) pair is
// reported as ErrAlreadyExists.
func (s *Storage) CreateCodeLine(ctx context.Context, chatID int64, pollID string, lineNumber int, content string) (*db.CodeLine, error) {
	line := &db.CodeLine{
		ChatID:     chatID,
		PollID:     pollID,
		LineNumber: lineNumber,
		Content:    content,
	}
	if err := s.db.WithContext(ctx).Create(line).Error; err != nil {
		slog.Error("storage: Failed to create code line", "error", err,
			"chat_id", chatID, "poll_id", pollID, "line_number", lineNumber)
		return nil, fmt.Errorf("failed to create code line: %w", translate(err))
	}
	return line, nil
}

// GetChatCodeLines retrieves all lines of the chat ordered by line number
func (s *Storage) GetChatCodeLines(ctx context.Context, chatID int64) ([]db.CodeLine, error) {
	var lines []db.CodeLine
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("line_number").Find(&lines).Error
	if err != nil {
		slog.Error("storage: Failed to get code lines", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to get code lines: %w", err)
	}
	return lines, nil
}

func (s *Storage) CountChatCodeLines(ctx context.Context, chatID int64) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&db.CodeLine{}).Where("chat_id = ?", chatID).Count(&count).Error
	if err != nil {
		slog.Error("storage: Failed to count code lines", "error", err, "chat_id", chatID)
		return 0, fmt.Errorf("failed to count code lines: %w", err)
	}
	return int(count), nil
}

// FindCodeLineByPoll returns the line produced by the poll, if any
func (s *Storage) FindCodeLineByPoll(ctx context.Context, pollID string) (*db.CodeLine, error) {
	line := &db.CodeLine{}
	result := s.db.WithContext(ctx).Where("poll_id = ?", pollID).Limit(1).Find(line)
	if result.Error != nil {
		slog.Error("storage: Failed to find code line by poll", "error", result.Error, "poll_id", pollID)
		return nil, fmt.Errorf("failed to find code line: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("code line for poll %s: %w", pollID, ErrNotFound)
	}
	return line, nil
}

func (s *Storage) DeletePollsForChat(ctx context.Context, chatID int64) error {
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&db.Poll{}).Error; err != nil {
		slog.Error("storage: Failed to delete polls", "error", err, "chat_id", chatID)
		return fmt.Errorf("failed to delete polls: %w", err)
	}
	return nil
}

// DeleteOptionsForChat must run before DeletePollsForChat, options are
// matched through the chat's polls.
func (s *Storage) DeleteOptionsForChat(ctx context.Context, chatID int64) error {
	tx := s.db.WithContext(ctx)
	polls := tx.Model(&db.Poll{}).Select("telegram_poll_id").Where("chat_id = ?", chatID)
	if err := tx.Where("poll_id IN (?)", polls).Delete(&db.PollOption{}).Error; err != nil {
		slog.Error("storage: Failed to delete poll options", "error", err, "chat_id", chatID)
		return fmt.Errorf("failed to delete poll options: %w", err)
	}
	return nil
}

func (s *Storage) DeleteCodeLinesForChat(ctx context.Context, chatID int64) error {
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&db.CodeLine{}).Error; err != nil {
		slog.Error("storage: Failed to delete code lines", "error", err, "chat_id", chatID)
		return fmt.Errorf("failed to delete code lines: %w", err)
	}
	return nil
}

// ReplaceChatCodeLines swaps the chat's program for the given lines,
// numbered from 1, in one transaction. Every new line refers to pollID.
func (s *Storage) ReplaceChatCodeLines(ctx context.Context, chatID int64, pollID string, contents []string) ([]db.CodeLine, error) {
	lines := make([]db.CodeLine, 0, len(contents))
	for i, content := range contents {
		lines = append(lines, db.CodeLine{ChatID: chatID, PollID: pollID, LineNumber: i + 1, Content: content})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&db.CodeLine{}).Error; err != nil {
			return err
		}
		if len(lines) == 0 {
			return nil
		}
		return tx.Create(&lines).Error
	})
	if err != nil {
		slog.Error("storage: Failed to replace code lines", "error", err, "chat_id", chatID, "lines", len(contents))
		return nil, fmt.Errorf("failed to replace code lines: %w", translate(err))
	}
	return lines, nil
}
