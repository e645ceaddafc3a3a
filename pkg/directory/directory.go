// Package directory maintains the per-user conversation list enriched
// with participants, last message, and unread flags, kept warm across
// sessions through the snapshot store.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flocksync/pkg/debounce"
	"flocksync/pkg/logger"
	"flocksync/pkg/models"
	"flocksync/pkg/realtime"
	"flocksync/pkg/snapshot"
	"flocksync/pkg/store"
	"flocksync/pkg/telemetry"
)

const reloadTimeout = 30 * time.Second

// Cache is the conversation directory for one user. Writes go through
// the store and are followed by a full reload; feed-triggered reloads
// are debounced so message bursts coalesce into one refresh.
type Cache struct {
	st     store.Store
	snap   *snapshot.Store
	selfID string

	mu        sync.Mutex
	convs     []models.Conversation
	loaded    bool
	observers []func()

	reload *debounce.Debouncer

	now func() time.Time
}

func New(st store.Store, snap *snapshot.Store, selfID string, reloadDebounce time.Duration) *Cache {
	c := &Cache{st: st, snap: snap, selfID: selfID, now: time.Now}
	c.reload = debounce.New(reloadDebounce, c.reloadTask)
	return c
}

func (c *Cache) reloadTask() {
	telemetry.DirectoryReloads.WithLabelValues("run").Inc()
	ctx, done := context.WithTimeout(context.Background(), reloadTimeout)
	defer done()
	if err := c.Load(ctx); err != nil {
		// fall back to the current cache; the next trigger retries
		logger.Warn("directory_reload_failed", "error", err)
	}
}

// WarmStart serves the persisted snapshot synchronously so the list is
// never empty while the first Load is in flight. A network load that
// completed first wins.
func (c *Cache) WarmStart() bool {
	if c.snap == nil {
		return false
	}
	convs, ok := c.snap.LoadDirectory(c.selfID)
	if !ok {
		return false
	}
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return false
	}
	c.convs = convs
	c.mu.Unlock()
	c.notify()
	logger.Info("directory_warm_start", "conversations", len(convs))
	return true
}

// Load performs the full four-step batch load and replaces the cache.
func (c *Cache) Load(ctx context.Context) error {
	// 1. own participant rows
	partRows, err := c.st.Select(ctx, models.TableParticipants, store.Query{
		Filters: []store.Filter{store.Eq("user_id", c.selfID)},
	})
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("participants_select").Inc()
		return fmt.Errorf("load own participants: %w", err)
	}
	own := models.DecodeRows[models.Participant](partRows)
	if len(own) == 0 {
		c.install(nil)
		return nil
	}
	convIDs := make([]string, 0, len(own))
	watermarks := make(map[string]*time.Time, len(own))
	for _, p := range own {
		convIDs = append(convIDs, p.ConversationID)
		watermarks[p.ConversationID] = p.LastReadAt
	}

	// 2. the conversations themselves
	convRows, err := c.st.Select(ctx, models.TableConversations, store.Query{
		Filters: []store.Filter{store.In("id", convIDs)},
	})
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("conversations_select").Inc()
		return fmt.Errorf("load conversations: %w", err)
	}
	convs := models.DecodeRows[models.Conversation](convRows)

	// 3. every participant of those conversations, for display-name
	// resolution and member counts
	allPartRows, err := c.st.Select(ctx, models.TableParticipants, store.Query{
		Filters: []store.Filter{store.In("conversation_id", convIDs)},
	})
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("participants_select").Inc()
		return fmt.Errorf("load participants: %w", err)
	}
	byConv := make(map[string][]models.Participant)
	for _, p := range models.DecodeRows[models.Participant](allPartRows) {
		byConv[p.ConversationID] = append(byConv[p.ConversationID], p)
	}

	// 4. newest non-deleted message per conversation, computed client
	// side from one descending fetch instead of one query per conversation
	msgRows, err := c.st.Select(ctx, models.TableMessages, store.Query{
		Filters: []store.Filter{
			store.In("conversation_id", convIDs),
			store.IsNull("deleted_at"),
		},
		Order: store.Order{Column: "created_at", Desc: true},
	})
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("messages_select").Inc()
		return fmt.Errorf("load last messages: %w", err)
	}
	newest := make(map[string]models.Message)
	for _, m := range models.DecodeRows[models.Message](msgRows) {
		if _, seen := newest[m.ConversationID]; !seen {
			newest[m.ConversationID] = m
		}
	}

	for i := range convs {
		conv := &convs[i]
		conv.Participants = byConv[conv.ID]
		if m, ok := newest[conv.ID]; ok {
			mm := m
			conv.LastMessage = &mm
			conv.Unread = unread(&mm, watermarks[conv.ID], c.selfID)
		}
	}
	sortConversations(convs)
	c.install(convs)

	if c.snap != nil {
		if err := c.snap.SaveDirectory(c.selfID, convs); err != nil {
			logger.Warn("directory_snapshot_failed", "error", err)
		}
	}
	return nil
}

// unread derives the approximate boolean unread flag: the newest message
// is newer than the reader's watermark and not the reader's own. This is
// a known precision trade-off (a burst counts the same as one message),
// not a bug.
func unread(last *models.Message, watermark *time.Time, selfID string) bool {
	if last == nil || last.SenderID == selfID {
		return false
	}
	if watermark == nil {
		return true
	}
	return last.CreatedAt.After(*watermark)
}

// sortConversations orders unread-first, then updated_at descending.
func sortConversations(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].Unread != convs[j].Unread {
			return convs[i].Unread
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

func (c *Cache) install(convs []models.Conversation) {
	c.mu.Lock()
	c.convs = convs
	c.loaded = true
	c.mu.Unlock()
	telemetry.CacheSize.WithLabelValues("directory").Set(float64(len(convs)))
	c.notify()
}

// CreateDirect returns the existing 1:1 conversation with otherID when
// one is already in the list, otherwise creates one. Calling it twice
// yields the same conversation id.
func (c *Cache) CreateDirect(ctx context.Context, otherID string) (string, error) {
	c.mu.Lock()
	for i := range c.convs {
		if c.convs[i].Kind == models.KindDirect && c.convs[i].Counterpart(c.selfID) == otherID {
			id := c.convs[i].ID
			c.mu.Unlock()
			return id, nil
		}
	}
	c.mu.Unlock()

	ts := c.now().UTC()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		Kind:      models.KindDirect,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := c.insertConversation(ctx, conv, []models.Participant{
		{ConversationID: conv.ID, UserID: c.selfID, Role: models.RoleMember},
		{ConversationID: conv.ID, UserID: otherID, Role: models.RoleMember},
	}); err != nil {
		return "", err
	}
	if err := c.Load(ctx); err != nil {
		logger.Warn("directory_reload_after_create_failed", "error", err)
	}
	return conv.ID, nil
}

// CreateGroup creates a named group with the caller as admin.
func (c *Cache) CreateGroup(ctx context.Context, name string, memberIDs []string) (string, error) {
	ts := c.now().UTC()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		Kind:      models.KindGroup,
		Name:      name,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	parts := []models.Participant{{ConversationID: conv.ID, UserID: c.selfID, Role: models.RoleAdmin}}
	for _, id := range memberIDs {
		if id == c.selfID {
			continue
		}
		parts = append(parts, models.Participant{ConversationID: conv.ID, UserID: id, Role: models.RoleMember})
	}
	if err := c.insertConversation(ctx, conv, parts); err != nil {
		return "", err
	}
	if err := c.Load(ctx); err != nil {
		logger.Warn("directory_reload_after_create_failed", "error", err)
	}
	return conv.ID, nil
}

func (c *Cache) insertConversation(ctx context.Context, conv models.Conversation, parts []models.Participant) error {
	payload, err := models.EncodeRow(conv)
	if err != nil {
		return err
	}
	if _, err := c.st.Insert(ctx, models.TableConversations, payload); err != nil {
		telemetry.StoreErrors.WithLabelValues("conversation_insert").Inc()
		return fmt.Errorf("create conversation: %w", err)
	}
	for _, p := range parts {
		pp, err := models.EncodeRow(p)
		if err != nil {
			return err
		}
		if _, err := c.st.Insert(ctx, models.TableParticipants, pp); err != nil {
			telemetry.StoreErrors.WithLabelValues("participant_insert").Inc()
			return fmt.Errorf("add participant %s: %w", p.UserID, err)
		}
	}
	return nil
}

// MarkRead advances the own watermark for the conversation and clears
// its local unread flag immediately.
func (c *Cache) MarkRead(ctx context.Context, conversationID string) error {
	ts := c.now().UTC()
	patch, _ := json.Marshal(map[string]any{"last_read_at": ts})
	err := c.st.Update(ctx, models.TableParticipants, []store.Filter{
		store.Eq("conversation_id", conversationID),
		store.Eq("user_id", c.selfID),
	}, patch)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		telemetry.StoreErrors.WithLabelValues("participant_update").Inc()
		return fmt.Errorf("mark read: %w", err)
	}
	c.mu.Lock()
	for i := range c.convs {
		if c.convs[i].ID == conversationID {
			c.convs[i].Unread = false
			break
		}
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// ToggleStar flips the starred flag, write-through then reload.
func (c *Cache) ToggleStar(ctx context.Context, conversationID string) error {
	return c.toggleFlag(ctx, conversationID, "starred", func(conv *models.Conversation) bool { return conv.Starred })
}

// ToggleArchive flips the archived flag, write-through then reload.
func (c *Cache) ToggleArchive(ctx context.Context, conversationID string) error {
	return c.toggleFlag(ctx, conversationID, "archived", func(conv *models.Conversation) bool { return conv.Archived })
}

func (c *Cache) toggleFlag(ctx context.Context, conversationID, column string, current func(*models.Conversation) bool) error {
	c.mu.Lock()
	var cur *models.Conversation
	for i := range c.convs {
		if c.convs[i].ID == conversationID {
			cur = &c.convs[i]
			break
		}
	}
	if cur == nil {
		c.mu.Unlock()
		return store.ErrNotFound
	}
	next := !current(cur)
	c.mu.Unlock()

	patch, _ := json.Marshal(map[string]any{column: next})
	if err := c.st.Update(ctx, models.TableConversations, []store.Filter{store.Eq("id", conversationID)}, patch); err != nil {
		telemetry.StoreErrors.WithLabelValues("conversation_update").Inc()
		return fmt.Errorf("toggle %s: %w", column, err)
	}
	if err := c.Load(ctx); err != nil {
		logger.Warn("directory_reload_after_toggle_failed", "error", err)
	}
	return nil
}

// Conversations returns a copy of the current sorted list.
func (c *Cache) Conversations() []models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Conversation, len(c.convs))
	copy(out, c.convs)
	return out
}

// Get returns one conversation by id.
func (c *Cache) Get(conversationID string) (models.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.convs {
		if c.convs[i].ID == conversationID {
			return c.convs[i], true
		}
	}
	return models.Conversation{}, false
}

// Size reports the list length (ops endpoint).
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.convs)
}

// OnChange registers a UI refresh hook.
func (c *Cache) OnChange(fn func()) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Cache) notify() {
	c.mu.Lock()
	fns := make([]func(), len(c.observers))
	copy(fns, c.observers)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// TriggerReload requests a debounced reload; bursts coalesce into one.
func (c *Cache) TriggerReload() {
	telemetry.DirectoryReloads.WithLabelValues("triggered").Inc()
	c.reload.Trigger()
}

// FlushReload runs a pending debounced reload now (tests, shutdown).
func (c *Cache) FlushReload() { c.reload.Flush() }

// Bind subscribes the cache to the events that invalidate the list:
// any new message system-wide, and conversation/participant changes.
func (c *Cache) Bind(d *realtime.Dispatcher) func() {
	trigger := func(json.RawMessage) { c.TriggerReload() }
	unbinds := []func(){
		d.Subscribe(models.TableMessages, nil, realtime.Handlers{OnInsert: trigger, OnDelete: trigger}),
		d.Subscribe(models.TableConversations, nil, realtime.Handlers{OnInsert: trigger, OnUpdate: trigger, OnDelete: trigger}),
		d.Subscribe(models.TableParticipants, nil, realtime.Handlers{OnInsert: trigger, OnUpdate: trigger, OnDelete: trigger}),
		d.OnResync(c.TriggerReload),
	}
	return func() {
		for _, u := range unbinds {
			u()
		}
	}
}

// Stop cancels the debouncer.
func (c *Cache) Stop() { c.reload.Stop() }
