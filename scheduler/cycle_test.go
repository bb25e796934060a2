package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"git.skobk.in/skobkin/codevote-bot/db"
	"git.skobk.in/skobkin/codevote-bot/poll"
	"git.skobk.in/skobkin/codevote-bot/pollstate"
	"git.skobk.in/skobkin/codevote-bot/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatMessenger struct {
	mu       sync.Mutex
	polls    map[string][]string
	messages []string
	next     int
}

func (m *chatMessenger) SendPoll(_ context.Context, _ int64, _ string, options []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	pollID := fmt.Sprintf("sent-%d", m.next)
	m.polls[pollID] = options
	return pollID, nil
}

func (m *chatMessenger) SendMessage(_ context.Context, _ int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	return nil
}

type contextRecorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (g *contextRecorder) Suggest(_ context.Context, lines []string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, append([]string(nil), lines...))
	return []string{"d", "e"}, nil
}

func TestExpiredPollBecomesCodeLine(t *testing.T) {
	ctx := context.Background()
	const chatID int64 = 42

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	conn, err := db.Open(db.TypeSQLite, filepath.Join(t.TempDir(), "test.sqlite"), false)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { _ = db.Close(conn) })

	state := pollstate.New(rdb)
	repo := storage.New(conn)
	messenger := &chatMessenger{polls: make(map[string][]string)}
	generator := &contextRecorder{}

	settings := poll.DefaultSettings()
	settings.PollTTL = 0
	settings.GenerateBackoff = time.Millisecond
	orch := poll.NewOrchestrator(repo, state, messenger, generator, nil, settings)

	_, err = orch.RegisterChat(ctx, chatID, "coders")
	require.NoError(t, err)
	_, err = orch.RegisterPoll(ctx, chatID, "P1", "Line 1: what comes next?", []string{"a", "b", "c"})
	require.NoError(t, err)

	for _, option := range []int{1, 1, 1, 0} {
		_, err := state.RecordVote(ctx, "P1", option)
		require.NoError(t, err)
	}

	s := New(state, orch, time.Minute, time.Minute)
	s.Scan(ctx)

	lines, err := orch.ChatCode(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 1, lines[0].LineNumber)
	assert.Equal(t, "b", lines[0].Content)

	assert.False(t, mr.Exists("poll_votes:P1"))

	require.Len(t, generator.calls, 1)
	assert.Equal(t, []string{"b"}, generator.calls[0])

	next, err := state.GetActivePoll(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, "sent-1", next)
	assert.Equal(t, []string{"d", "e"}, messenger.polls[next])

	tally, err := state.GetTally(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{0: 0, 1: 0}, tally)
}
