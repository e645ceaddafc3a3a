// Package sweeper runs scheduled maintenance for the sync core: hard
// deletion of typing rows whose delete events went missing, and snapshot
// compaction. It exists because TTL reads only mask stale rows; without
// a sweep they accumulate in the store.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"flocksync/pkg/logger"
	"flocksync/pkg/models"
	"flocksync/pkg/snapshot"
	"flocksync/pkg/store"
)

type Config struct {
	Enabled bool
	Cron    string
	// TypingStale: typing rows older than this are deleted outright.
	TypingStale time.Duration
}

type Sweeper struct {
	cfg  Config
	st   store.Store
	snap *snapshot.Store
	now  func() time.Time
}

func New(cfg Config, st store.Store, snap *snapshot.Store) *Sweeper {
	return &Sweeper{cfg: cfg, st: st, snap: snap, now: time.Now}
}

// Start launches the scheduler if enabled. Returns a cancel func.
func (s *Sweeper) Start(ctx context.Context) (context.CancelFunc, error) {
	if !s.cfg.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}
	cronExpr := s.cfg.Cron
	if cronExpr == "" {
		cronExpr = "*/5 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweeper_invalid_cron", "cron", s.cfg.Cron)
		return nil, fmt.Errorf("invalid sweep cron expression: %s", s.cfg.Cron)
	}
	logger.Info("sweeper_enabled", "cron", cronExpr)
	ctx2, cancel := context.WithCancel(ctx)
	go s.runScheduler(ctx2, cronExpr)
	return cancel, nil
}

// runScheduler computes the next tick with gronx and sleeps until then.
func (s *Sweeper) runScheduler(ctx context.Context, cronExpr string) {
	for {
		next, err := gronx.NextTick(cronExpr, false)
		if err != nil {
			logger.Error("sweeper_next_tick_failed", "error", err)
			return
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		s.RunOnce(ctx)
	}
}

// RunOnce executes one sweep pass. Exposed for tests and admin triggers.
func (s *Sweeper) RunOnce(ctx context.Context) {
	started := s.now()
	s.sweepTyping(ctx)
	s.compactSnapshot()
	logger.Info("sweep_done", "elapsed", s.now().Sub(started).String())
}

// sweepTyping deletes typing rows past the hard staleness window. The
// read side already ignores them; this keeps the table from growing.
func (s *Sweeper) sweepTyping(ctx context.Context) {
	if s.cfg.TypingStale <= 0 {
		return
	}
	rows, err := s.st.Select(ctx, models.TableTyping, store.Query{})
	if err != nil {
		logger.Warn("sweep_typing_select_failed", "error", err)
		return
	}
	cutoff := s.now().Add(-s.cfg.TypingStale)
	removed := 0
	for _, row := range rows {
		var sig models.TypingSignal
		if err := json.Unmarshal(row, &sig); err != nil {
			continue
		}
		if !sig.StartedAt.Before(cutoff) {
			continue
		}
		err := s.st.Delete(ctx, models.TableTyping, []store.Filter{
			store.Eq("conversation_id", sig.ConversationID),
			store.Eq("user_id", sig.UserID),
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("sweep_typing_delete_failed", "user", sig.UserID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("sweep_typing_removed", "rows", removed)
	}
}

func (s *Sweeper) compactSnapshot() {
	if s.snap == nil || !s.snap.Ready() {
		return
	}
	if err := s.snap.Compact(); err != nil {
		logger.Warn("sweep_compact_failed", "error", err)
	}
}
