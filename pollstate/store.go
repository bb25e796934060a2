// Package pollstate keeps the in-flight part of the poll cycle in Redis: the
// active poll pointer and the deadline of every chat and the vote tally of
// every active poll.
//
// Keys of distinct chats and polls never overlap, so no cross-chat locking is
// needed. Single commands are atomic; multi-key writes go through MULTI/EXEC.
package pollstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activePollPrefix = "active_poll:"
	votesPrefix      = "poll_votes:"
	deadlinePrefix   = "next_poll_at:"

	DefaultTallyRetention = 24 * time.Hour
	DefaultScanCount      = 100
)

var ErrNotFound = errors.New("not found")

// recordVoteScript increments the option counter only when the tally exists
// and knows the option, so late votes on a resolved poll are dropped.
var recordVoteScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)

type Store struct {
	rdb            redis.UniversalClient
	tallyRetention time.Duration
	scanCount      int64
	now            func() time.Time
}

type Option func(*Store)

// WithTallyRetention bounds the lifetime of a tally that is never resolved
func WithTallyRetention(d time.Duration) Option {
	return func(s *Store) {
		s.tallyRetention = d
	}
}

// WithScanCount sets the COUNT hint of each SCAN batch
func WithScanCount(n int64) Option {
	return func(s *Store) {
		s.scanCount = n
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:            rdb,
		tallyRetention: DefaultTallyRetention,
		scanCount:      DefaultScanCount,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func activePollKey(chatID int64) string { return activePollPrefix + strconv.FormatInt(chatID, 10) }
func votesKey(pollID string) string     { return votesPrefix + pollID }
func deadlineKey(chatID int64) string   { return deadlinePrefix + strconv.FormatInt(chatID, 10) }

func encodeTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}

func decodeTime(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(f * 1000)).UTC(), nil
}

// SetActivePoll overwrites the chat's active poll pointer
func (s *Store) SetActivePoll(ctx context.Context, chatID int64, pollID string) error {
	if err := s.rdb.Set(ctx, activePollKey(chatID), pollID, 0).Err(); err != nil {
		return fmt.Errorf("failed to set active poll: %w", err)
	}
	return nil
}

// GetActivePoll returns ErrNotFound when the chat has no active poll
func (s *Store) GetActivePoll(ctx context.Context, chatID int64) (string, error) {
	pollID, err := s.rdb.Get(ctx, activePollKey(chatID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && pollID == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get active poll: %w", err)
	}
	return pollID, nil
}

func (s *Store) initTally(ctx context.Context, pipe redis.Pipeliner, pollID string, optionIndices []int) {
	fields := make(map[string]any, len(optionIndices))
	for _, idx := range optionIndices {
		fields[strconv.Itoa(idx)] = 0
	}
	key := votesKey(pollID)
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.tallyRetention)
}

// InitializeTally creates a zero counter for every option and sets the
// retention TTL on the tally
func (s *Store) InitializeTally(ctx context.Context, pollID string, optionIndices []int) error {
	if len(optionIndices) == 0 {
		return errors.New("no options to initialize")
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.initTally(ctx, pipe, pollID, optionIndices)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tally: %w", err)
	}
	return nil
}

// RecordVote atomically increments the option counter and returns the new
// count. ErrNotFound means the poll is not tallied (anymore) or the option
// is unknown; the vote is dropped.
func (s *Store) RecordVote(ctx context.Context, pollID string, optionIndex int) (int64, error) {
	count, err := recordVoteScript.Run(ctx, s.rdb, []string{votesKey(pollID)}, strconv.Itoa(optionIndex)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to record vote: %w", err)
	}
	if count < 0 {
		return 0, ErrNotFound
	}
	return count, nil
}

// GetTally is a snapshot, concurrent votes may land right after it
func (s *Store) GetTally(ctx context.Context, pollID string) (map[int]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, votesKey(pollID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get tally: %w", err)
	}

	tally := make(map[int]int64, len(raw))
	for field, value := range raw {
		idx, err := strconv.Atoi(field)
		if err != nil {
			slog.Warn("pollstate: Skipping malformed tally field", "poll_id", pollID, "field", field)
			continue
		}
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			slog.Warn("pollstate: Skipping malformed tally value", "poll_id", pollID, "field", field, "value", value)
			continue
		}
		tally[idx] = count
	}
	return tally, nil
}

// SetDeadline schedules the chat for resolution after delay and returns the
// absolute deadline
func (s *Store) SetDeadline(ctx context.Context, chatID int64, delay time.Duration) (time.Time, error) {
	deadline := s.now().Add(delay)
	if err := s.rdb.Set(ctx, deadlineKey(chatID), encodeTime(deadline), 0).Err(); err != nil {
		return time.Time{}, fmt.Errorf("failed to set deadline: %w", err)
	}
	return deadline, nil
}

// GetDeadline returns ErrNotFound when nothing is scheduled for the chat
func (s *Store) GetDeadline(ctx context.Context, chatID int64) (time.Time, error) {
	raw, err := s.rdb.Get(ctx, deadlineKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get deadline: %w", err)
	}

	deadline, err := decodeTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed deadline %q: %w", raw, err)
	}
	return deadline, nil
}

func (s *Store) ClearDeadline(ctx context.Context, chatID int64) error {
	if err := s.rdb.Del(ctx, deadlineKey(chatID)).Err(); err != nil {
		return fmt.Errorf("failed to clear deadline: %w", err)
	}
	return nil
}

// RegisterActivePoll writes the pointer, the zeroed tally and the deadline
// of a new poll in one transaction
func (s *Store) RegisterActivePoll(ctx context.Context, chatID int64, pollID string, optionIndices []int, delay time.Duration) (time.Time, error) {
	if len(optionIndices) == 0 {
		return time.Time{}, errors.New("no options to initialize")
	}

	deadline := s.now().Add(delay)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, activePollKey(chatID), pollID, 0)
		s.initTally(ctx, pipe, pollID, optionIndices)
		pipe.Set(ctx, deadlineKey(chatID), encodeTime(deadline), 0)
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to register active poll: %w", err)
	}
	return deadline, nil
}

// ScanExpiredChats pages through all deadline keys and returns the chats
// whose deadline is at or before now, in ascending order
func (s *Store) ScanExpiredChats(ctx context.Context, now time.Time) ([]int64, error) {
	expired := make(map[int64]struct{})
	nowSec := float64(now.UnixMilli()) / 1000

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, deadlinePrefix+"*", s.scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan deadlines: %w", err)
		}

		if len(keys) > 0 {
			values, err := s.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read deadlines: %w", err)
			}

			for i, key := range keys {
				chatID, err := strconv.ParseInt(strings.TrimPrefix(key, deadlinePrefix), 10, 64)
				if err != nil {
					continue
				}
				// the key may have been deleted between SCAN and MGET
				raw, ok := values[i].(string)
				if !ok {
					continue
				}
				ts, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					slog.Warn("pollstate: Skipping malformed deadline", "key", key, "value", raw)
					continue
				}
				if ts <= nowSec {
					expired[chatID] = struct{}{}
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	chats := make([]int64, 0, len(expired))
	for chatID := range expired {
		chats = append(chats, chatID)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
	return chats, nil
}

// PurgeChat deletes the pointer, the tally it points to and the deadline.
// Every deletion is attempted even if another one fails. Purging an already
// purged chat is a no-op.
func (s *Store) PurgeChat(ctx context.Context, chatID int64) error {
	keys := []string{activePollKey(chatID), deadlineKey(chatID)}

	var lookupErr error
	pollID, err := s.GetActivePoll(ctx, chatID)
	switch {
	case err == nil:
		keys = append(keys, votesKey(pollID))
	case !errors.Is(err, ErrNotFound):
		slog.Warn("pollstate: Cannot look up active poll while purging, tally is left to expire",
			"error", err, "chat_id", chatID)
		lookupErr = err
	}

	// each DEL inside MULTI succeeds or fails on its own
	cmds, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, key)
		}
		return nil
	})

	errs := []error{lookupErr}
	if err != nil && len(cmds) == 0 {
		errs = append(errs, err)
	}
	for _, cmd := range cmds {
		if cmdErr := cmd.Err(); cmdErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cmd.Args()[1], cmdErr))
		}
	}

	if joined := errors.Join(errs...); joined != nil {
		return fmt.Errorf("failed to purge chat %d: %w", chatID, joined)
	}
	return nil
}

// CountActivePolls counts chats with an active poll pointer
func (s *Store) CountActivePolls(ctx context.Context) (int, error) {
	// SCAN may return a key more than once
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, activePollPrefix+"*", s.scanCount).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan active polls: %w", err)
		}
		for _, key := range keys {
			seen[key] = struct{}{}
		}

		cursor = next
		if cursor == 0 {
			return len(seen), nil
		}
	}
}
