package presence

import (
	"context"
	"sync"
	"time"

	"flocksync/pkg/logger"
	"flocksync/pkg/models"
	"flocksync/pkg/store"
	"flocksync/pkg/telemetry"
)

// Heartbeat publishes this client's own presence row: online immediately
// on start, refreshed on an interval, away/online on visibility changes,
// offline on stop. Timers stop with the context so nothing fires against
// torn-down state.
type Heartbeat struct {
	st       store.Store
	selfID   string
	interval time.Duration

	mu      sync.Mutex
	visible bool
	cancel  context.CancelFunc

	now func() time.Time
}

func NewHeartbeat(st store.Store, selfID string, interval time.Duration) *Heartbeat {
	return &Heartbeat{st: st, selfID: selfID, interval: interval, visible: true, now: time.Now}
}

// Start publishes online and keeps refreshing until ctx ends or Stop is
// called.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.publish(ctx, models.StatusOnline)
	go h.loop(ctx)
}

func (h *Heartbeat) loop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publish(ctx, h.currentStatus())
		}
	}
}

func (h *Heartbeat) currentStatus() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.visible {
		return models.StatusOnline
	}
	return models.StatusAway
}

// SetVisible reflects tab visibility: hidden publishes away, visible
// publishes online again.
func (h *Heartbeat) SetVisible(ctx context.Context, visible bool) {
	h.mu.Lock()
	h.visible = visible
	h.mu.Unlock()
	if visible {
		h.publish(ctx, models.StatusOnline)
	} else {
		h.publish(ctx, models.StatusAway)
	}
}

// Stop publishes offline and cancels the refresh loop.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	h.publish(ctx, models.StatusOffline)
}

// BestEffortOffline fires a detached offline publish for abrupt
// teardown. It may race the process exit; no success guarantee.
func (h *Heartbeat) BestEffortOffline() {
	go func() {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		h.publish(ctx, models.StatusOffline)
	}()
}

func (h *Heartbeat) publish(ctx context.Context, status string) {
	ts := h.now().UTC()
	rec := models.PresenceRecord{UserID: h.selfID, Status: status, LastSeen: &ts}
	payload, err := models.EncodeRow(rec)
	if err != nil {
		return
	}
	if _, err := h.st.Upsert(ctx, models.TablePresence, payload); err != nil {
		telemetry.StoreErrors.WithLabelValues("presence_upsert").Inc()
		logger.Warn("presence_publish_failed", "status", status, "error", err)
	}
}
