package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"git.skobk.in/skobkin/codevote-bot/db"
)

// retryAfter extracts the delay from a Telegram rate limit error.
// Format: "telego: sendMessage: api: 429 \"Too Many Requests: retry after 5\", migrate to chat ID: 0, retry after: 5"
func retryAfter(err error) (time.Duration, bool) {
	if err == nil || !strings.Contains(err.Error(), "Too Many Requests") {
		return 0, false
	}

	parts := strings.Split(err.Error(), "retry after: ")
	if len(parts) != 2 {
		return 0, false
	}

	var seconds int
	if _, _ = fmt.Sscanf(parts[1], "%d", &seconds); seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// withRateLimitRetry repeats the call once if Telegram asks to slow down
func withRateLimitRetry[T any](ctx context.Context, method string, call func() (T, error)) (T, error) {
	result, err := call()
	if err == nil {
		return result, nil
	}

	wait, ok := retryAfter(err)
	if !ok {
		return result, err
	}

	slog.Debug("bot: API error", "error", err.Error())
	slog.Info("bot: Rate limit hit, waiting", "method", method, "seconds", wait.Seconds())

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-timer.C:
	}

	result, err = call()
	if err == nil {
		slog.Info("bot: Request succeeded after rate limit wait", "method", method)
	}
	return result, err
}

// formatCode renders the program as numbered plain text lines
func formatCode(lines []db.CodeLine) string {
	var sb strings.Builder
	for i, line := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%d: %s", line.LineNumber, line.Content)
	}
	return sb.String()
}

func isGroupChat(chatType string) bool {
	return chatType == "group" || chatType == "supergroup"
}

// isMemberStatus tells whether the status keeps the bot in the chat
func isMemberStatus(status string) bool {
	switch status {
	case "creator", "administrator", "member", "restricted":
		return true
	}
	return false
}
