// Package app wires the sync core together for one client session: the
// store, the dispatcher, the caches, presence, the ephemeral signals,
// and the ops HTTP server. It also owns conversation selection state and
// the cross-cutting side effects of opening a conversation.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"flocksync/pkg/config"
	"flocksync/pkg/directory"
	"flocksync/pkg/logger"
	"flocksync/pkg/models"
	"flocksync/pkg/presence"
	"flocksync/pkg/profiles"
	"flocksync/pkg/realtime"
	"flocksync/pkg/signals"
	"flocksync/pkg/snapshot"
	"flocksync/pkg/store"
	"flocksync/pkg/store/amqpfeed"
	"flocksync/pkg/store/memstore"
	"flocksync/pkg/store/rest"
	"flocksync/pkg/sweeper"
	"flocksync/pkg/window"
)

// App is the sync orchestrator. One per client session.
type App struct {
	cfg    *config.Config
	selfID string

	snap      *snapshot.Store
	st        store.Store
	disp      *realtime.Dispatcher
	directory *directory.Cache
	presences *presence.Cache
	heartbeat *presence.Heartbeat
	profiles  *profiles.Cache
	windows   *window.Manager
	receipts  *signals.Receipts
	reactions *signals.Reactions
	sweep     *sweeper.Sweeper

	mu      sync.Mutex
	current *selection

	srv    *http.Server
	feedOK atomic.Bool

	cancels []context.CancelFunc
}

// selection bundles the per-conversation components of the currently
// open conversation.
type selection struct {
	conversationID string
	win            *window.Window
	typing         *signals.Typing
	pins           *signals.Pins
	unbinds        []func()
}

// New builds the session. It opens the snapshot store and constructs the
// remote store client; nothing network-facing runs until Run.
func New(cfg *config.Config, selfID string) (*App, error) {
	_ = godotenv.Load(".env")

	if selfID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	snap, err := snapshot.Open(cfg.Snapshot.Path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	a := &App{cfg: cfg, selfID: selfID, snap: snap}
	a.st, a.disp, err = buildStore(cfg)
	if err != nil {
		snap.Close()
		return nil, err
	}

	th := presence.Thresholds{
		AwayAfter:    cfg.Presence.AwayAfter.Duration(),
		OfflineAfter: cfg.Presence.OfflineAfter.Duration(),
	}
	a.presences = presence.NewCache(a.st, th)
	a.heartbeat = presence.NewHeartbeat(a.st, selfID, cfg.Presence.Heartbeat.Duration())
	a.profiles = profiles.NewCache(a.st)
	a.directory = directory.New(a.st, snap, selfID, cfg.Directory.ReloadDebounce.Duration())
	a.windows = window.NewManager(a.st, a.disp, a.profiles, selfID, cfg.Window.PageSize)
	a.windows.OnSent = a.fanOutNotifications
	a.receipts = signals.NewReceipts(a.st, selfID)
	a.reactions = signals.NewReactions(a.st, selfID)
	a.sweep = sweeper.New(sweeper.Config{
		Enabled:     cfg.Sweep.Enabled,
		Cron:        cfg.Sweep.Cron,
		TypingStale: cfg.Signals.TypingStale.Duration(),
	}, a.st, snap)
	return a, nil
}

// buildStore assembles the store and its dispatcher per config. The
// AMQP feed, when selected, replaces the websocket for events while
// CRUD stays on the REST client.
func buildStore(cfg *config.Config) (store.Store, *realtime.Dispatcher, error) {
	switch cfg.Store.Kind {
	case "memory":
		ms := memstore.New()
		return ms, realtime.New(ms), nil
	case "rest":
		client := rest.New(rest.Options{
			Endpoint:    cfg.Store.Endpoint,
			APIKey:      cfg.Store.APIKey,
			RPS:         cfg.Store.RateLimit.RPS,
			Burst:       cfg.Store.RateLimit.Burst,
			Attempts:    cfg.Store.Retry.Attempts,
			BaseBackoff: cfg.Store.Retry.BaseBackoff.Duration(),
		})
		var feed store.Feed = client
		if cfg.Store.Feed == "amqp" {
			feed = amqpfeed.New(amqpfeed.Options{
				URL:      cfg.Store.AMQPURL,
				Exchange: cfg.Store.AMQPExchange,
			})
		}
		return client, realtime.New(feed), nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

// Run starts everything and blocks until ctx ends, then shuts down in
// reverse order.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// readiness follows the transport's connection state; feeds without
	// a connection (memstore) are live as soon as the dispatcher runs
	if st, ok := a.disp.Feed().(interface{ OnState(func(bool)) }); ok {
		st.OnState(func(connected bool) { a.feedOK.Store(connected) })
	} else {
		a.feedOK.Store(true)
	}

	dispDone := make(chan error, 1)
	go func() { dispDone <- a.disp.Run(runCtx) }()

	// shared caches ride the feed for their lifetime
	a.cancels = append(a.cancels,
		context.CancelFunc(a.presences.Bind(a.disp)),
		context.CancelFunc(a.directory.Bind(a.disp)),
	)

	// the list is warm before the first network load completes
	a.directory.WarmStart()
	if err := a.directory.Load(runCtx); err != nil {
		logger.Warn("directory_initial_load_failed", "error", err)
	}

	a.heartbeat.Start(runCtx)

	sweepCancel, err := a.sweep.Start(runCtx)
	if err != nil {
		return err
	}
	a.cancels = append(a.cancels, sweepCancel)

	srvErr := a.startOps()

	logger.Info("flocksync_running", "user", a.selfID, "store", a.cfg.Store.Kind, "feed", a.cfg.Store.Feed)

	select {
	case <-runCtx.Done():
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops_server_failed", "error", err)
		}
	case err := <-dispDone:
		if err != nil {
			logger.Error("dispatcher_failed", "error", err)
		}
	}

	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	a.CloseConversation()
	for _, c := range a.cancels {
		c()
	}
	a.directory.Stop()
	a.heartbeat.Stop()
	if a.srv != nil {
		sctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.srv.Shutdown(sctx)
		done()
	}
	if err := a.snap.Close(); err != nil {
		logger.Warn("snapshot_close_failed", "error", err)
	}
	logger.Info("flocksync_stopped")
}

// OpenConversation selects a conversation: the previous window is closed
// (aborting its in-flight fetches), the new one loads, the conversation
// is marked read, and its notification rows are cleared best-effort.
func (a *App) OpenConversation(ctx context.Context, conversationID string) (*window.Window, error) {
	a.CloseConversation()

	sel := &selection{
		conversationID: conversationID,
		win:            a.windows.Open(conversationID),
		typing: signals.NewTyping(a.st, a.selfID, conversationID,
			a.cfg.Signals.TypingRefresh.Duration(), a.cfg.Signals.TypingStale.Duration()),
		pins: signals.NewPins(a.st, a.selfID, conversationID),
	}

	if err := sel.win.Load(ctx); err != nil {
		sel.win.Close()
		return nil, err
	}

	// receipt/reaction events are scoped to messages this window knows
	win := sel.win
	inWindow := func(row json.RawMessage) bool {
		var probe struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(row, &probe); err != nil {
			return false
		}
		return win.Has(probe.MessageID)
	}
	sel.unbinds = append(sel.unbinds,
		sel.typing.Bind(a.disp),
		sel.pins.Bind(a.disp),
		a.receipts.Bind(a.disp, inWindow),
		a.reactions.Bind(a.disp, inWindow),
	)

	ids := sel.win.MessageIDs()
	if err := a.receipts.Load(ctx, ids); err != nil {
		logger.Warn("receipts_load_failed", "conversation", conversationID, "error", err)
	}
	if err := a.reactions.Load(ctx, ids); err != nil {
		logger.Warn("reactions_load_failed", "conversation", conversationID, "error", err)
	}
	if err := sel.typing.Load(ctx); err != nil {
		logger.Warn("typing_load_failed", "conversation", conversationID, "error", err)
	}
	if err := sel.pins.Load(ctx); err != nil {
		logger.Warn("pins_load_failed", "conversation", conversationID, "error", err)
	}

	if err := a.directory.MarkRead(ctx, conversationID); err != nil {
		logger.Warn("mark_read_failed", "conversation", conversationID, "error", err)
	}
	a.clearNotifications(ctx, conversationID)
	a.receipts.MarkRead(ctx, ids)

	// presence for everyone in the conversation, shared cache
	if conv, ok := a.directory.Get(conversationID); ok {
		var users []string
		for _, p := range conv.Participants {
			users = append(users, p.UserID)
		}
		if err := a.presences.Ensure(ctx, users); err != nil {
			logger.Warn("presence_ensure_failed", "conversation", conversationID, "error", err)
		}
	}

	a.mu.Lock()
	a.current = sel
	a.mu.Unlock()
	return sel.win, nil
}

// CloseConversation deselects the current conversation, cancelling its
// in-flight work and tearing down its timers.
func (a *App) CloseConversation() {
	a.mu.Lock()
	sel := a.current
	a.current = nil
	a.mu.Unlock()
	if sel == nil {
		return
	}
	for _, u := range sel.unbinds {
		u()
	}
	sel.typing.Close()
	sel.win.Close()
}

// Current returns the open window, if any.
func (a *App) Current() (*window.Window, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil, false
	}
	return a.current.win, true
}

// Typing returns the open conversation's typing channel, if any.
func (a *App) Typing() (*signals.Typing, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil, false
	}
	return a.current.typing, true
}

// Pins returns the open conversation's pin channel, if any.
func (a *App) Pins() (*signals.Pins, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil, false
	}
	return a.current.pins, true
}

// Directory exposes the conversation directory cache.
func (a *App) Directory() *directory.Cache { return a.directory }

// Presence exposes the shared presence cache.
func (a *App) Presence() *presence.Cache { return a.presences }

// Profiles exposes the shared identity cache.
func (a *App) Profiles() *profiles.Cache { return a.profiles }

// Receipts exposes the read-receipt channel.
func (a *App) Receipts() *signals.Receipts { return a.receipts }

// Reactions exposes the reaction channel.
func (a *App) Reactions() *signals.Reactions { return a.reactions }

// SetVisible forwards tab visibility to the heartbeat.
func (a *App) SetVisible(ctx context.Context, visible bool) {
	a.heartbeat.SetVisible(ctx, visible)
}

// BestEffortOffline races page teardown with one last offline publish.
func (a *App) BestEffortOffline() { a.heartbeat.BestEffortOffline() }

// fanOutNotifications writes one notification row per other, unmuted
// participant after a send. Best-effort by contract: a failure here must
// not fail the send.
func (a *App) fanOutNotifications(ctx context.Context, msg models.Message) {
	conv, ok := a.directory.Get(msg.ConversationID)
	if !ok {
		return
	}
	ts := time.Now().UTC()
	for _, p := range conv.Participants {
		if p.UserID == a.selfID || p.Muted {
			continue
		}
		n := models.Notification{
			UserID:         p.UserID,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			CreatedAt:      ts,
		}
		payload, err := models.EncodeRow(n)
		if err != nil {
			continue
		}
		if _, err := a.st.Insert(ctx, models.TableNotifications, payload); err != nil {
			logger.Warn("notification_insert_failed", "user", p.UserID, "error", err)
		}
	}
}

// clearNotifications drops this user's notification rows for the opened
// conversation. Best-effort; a failure leaves a stale badge, nothing
// worse.
func (a *App) clearNotifications(ctx context.Context, conversationID string) {
	err := a.st.Delete(ctx, models.TableNotifications, []store.Filter{
		store.Eq("user_id", a.selfID),
		store.Eq("conversation_id", conversationID),
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("notification_clear_failed", "conversation", conversationID, "error", err)
	}
}
