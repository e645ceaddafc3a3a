package sweeper

import (
	"context"
	"testing"
	"time"

	"flocksync/pkg/models"
	"flocksync/pkg/store/memstore"
)

func seedTyping(t *testing.T, ms *memstore.Store, conv, user string, at time.Time) {
	t.Helper()
	payload, err := models.EncodeRow(models.TypingSignal{ConversationID: conv, UserID: user, StartedAt: at})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := ms.Upsert(context.Background(), models.TableTyping, payload); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestRunOnceRemovesOnlyStaleTypingRows(t *testing.T) {
	ms := memstore.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seedTyping(t, ms, "c1", "stale", now.Add(-time.Minute))
	seedTyping(t, ms, "c1", "fresh", now.Add(-2*time.Second))
	seedTyping(t, ms, "c2", "stale-too", now.Add(-time.Hour))

	s := New(Config{Enabled: true, TypingStale: 10 * time.Second}, ms, nil)
	s.now = func() time.Time { return now }
	s.RunOnce(context.Background())

	if n := ms.Count(models.TableTyping); n != 1 {
		t.Fatalf("rows after sweep: %d\n%s", n, ms.Dump(models.TableTyping))
	}
}

func TestRunOnceWithoutStaleWindowIsNoop(t *testing.T) {
	ms := memstore.New()
	seedTyping(t, ms, "c1", "old", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

	s := New(Config{Enabled: true}, ms, nil)
	s.RunOnce(context.Background())
	if n := ms.Count(models.TableTyping); n != 1 {
		t.Fatalf("sweep ran without a window: %d rows", n)
	}
}

func TestStartRejectsBadCron(t *testing.T) {
	s := New(Config{Enabled: true, Cron: "every five minutes"}, memstore.New(), nil)
	if _, err := s.Start(context.Background()); err == nil {
		t.Fatalf("bad cron accepted")
	}
}

func TestStartDisabledReturnsNoopCancel(t *testing.T) {
	s := New(Config{Enabled: false}, memstore.New(), nil)
	cancel, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
}
