package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"git.skobk.in/skobkin/codevote-bot/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   time.Duration
		wantOK bool
	}{
		{
			name:   "rate limited",
			err:    errors.New(`telego: sendMessage: api: 429 "Too Many Requests: retry after 5", migrate to chat ID: 0, retry after: 5`),
			want:   5 * time.Second,
			wantOK: true,
		},
		{name: "no delay", err: errors.New(`telego: sendMessage: api: 429 "Too Many Requests"`)},
		{name: "other error", err: errors.New(`telego: sendMessage: api: 400 "Bad Request: chat not found"`)},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := retryAfter(tt.err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithRateLimitRetry(t *testing.T) {
	calls := 0
	result, err := withRateLimitRetry(context.Background(), "test", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New(`api: 429 "Too Many Requests: retry after 1", migrate to chat ID: 0, retry after: 1`)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 2, calls)
}

func TestWithRateLimitRetryOtherError(t *testing.T) {
	calls := 0
	_, err := withRateLimitRetry(context.Background(), "test", func() (int, error) {
		calls++
		return 0, errors.New("forbidden")
	})

	assert.EqualError(t, err, "forbidden")
	assert.Equal(t, 1, calls)
}

func TestWithRateLimitRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := withRateLimitRetry(ctx, "test", func() (int, error) {
		calls++
		return 0, errors.New(`api: 429 "Too Many Requests: retry after 30", migrate to chat ID: 0, retry after: 30`)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestFormatCode(t *testing.T) {
	assert.Empty(t, formatCode(nil))
	assert.Equal(t, "1: a\n2: b", formatCode([]db.CodeLine{
		{LineNumber: 1, Content: "a"},
		{LineNumber: 2, Content: "b"},
	}))
}

func TestIsMemberStatus(t *testing.T) {
	for _, status := range []string{"creator", "administrator", "member", "restricted"} {
		assert.True(t, isMemberStatus(status), status)
	}
	for _, status := range []string{"left", "kicked", ""} {
		assert.False(t, isMemberStatus(status), status)
	}
}
