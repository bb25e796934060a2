// Package scheduler periodically finds chats whose poll deadline has passed
// and hands them over for resolution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultCheckInterval  = 30 * time.Second
	DefaultResolveTimeout = 8 * time.Minute
)

type ExpiredChatScanner interface {
	ScanExpiredChats(ctx context.Context, now time.Time) ([]int64, error)
}

type PollResolver interface {
	ResolveExpiredPoll(ctx context.Context, chatID int64) error
}

type Status struct {
	Running bool
	// SecondsSinceLastScan is nil until the first scan completes
	SecondsSinceLastScan *int
	CheckInterval        time.Duration
}

type Scheduler struct {
	scanner        ExpiredChatScanner
	resolver       PollResolver
	checkInterval  time.Duration
	resolveTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	running  bool
	lastScan time.Time
}

func New(scanner ExpiredChatScanner, resolver PollResolver, checkInterval, resolveTimeout time.Duration) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	if resolveTimeout <= 0 {
		resolveTimeout = DefaultResolveTimeout
	}
	return &Scheduler{
		scanner:        scanner,
		resolver:       resolver,
		checkInterval:  checkInterval,
		resolveTimeout: resolveTimeout,
		now:            time.Now,
	}
}

// Run scans right away and then once per check interval until ctx is
// cancelled. A resolution in progress is allowed to finish before Run
// returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		slog.Info("scheduler: Stopped")
	}()

	slog.Info("scheduler: Started", "check_interval", s.checkInterval)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		s.Scan(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan resolves every chat that is due at the time of the call. Failures
// are per chat and never abort the scan.
func (s *Scheduler) Scan(ctx context.Context) {
	scanID := uuid.NewString()
	log := slog.With("scan_id", scanID)

	now := s.now()
	chats, err := s.scanner.ScanExpiredChats(ctx, now)
	if err != nil {
		log.Error("scheduler: Failed to scan expired chats", "error", err)
		return
	}
	s.markScanned(now)

	if len(chats) == 0 {
		log.Debug("scheduler: No expired polls")
		return
	}
	log.Info("scheduler: Found expired polls", "chats", len(chats))

	resolved := 0
	for _, chatID := range chats {
		if ctx.Err() != nil {
			log.Info("scheduler: Scan interrupted", "resolved", resolved, "left", len(chats)-resolved)
			return
		}
		if err := s.resolve(ctx, chatID); err != nil {
			log.Error("scheduler: Failed to resolve poll", "error", err, "chat_id", chatID)
		}
		resolved++
	}

	log.Info("scheduler: Scan finished", "chats", len(chats))
}

func (s *Scheduler) resolve(ctx context.Context, chatID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: Panic while resolving poll", "chat_id", chatID, "panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.resolveTimeout)
	defer cancel()

	return s.resolver.ResolveExpiredPoll(resolveCtx, chatID)
}

func (s *Scheduler) markScanned(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastScan = at
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{Running: s.running, CheckInterval: s.checkInterval}
	if s.running && !s.lastScan.IsZero() {
		ago := int(s.now().Sub(s.lastScan).Seconds())
		status.SecondsSinceLastScan = &ago
	}
	return status
}
