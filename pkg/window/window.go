// Package window implements the per-conversation paginated, ordered
// message cache with optimistic send and live reconciliation.
package window

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flocksync/pkg/logger"
	"flocksync/pkg/models"
	"flocksync/pkg/profiles"
	"flocksync/pkg/realtime"
	"flocksync/pkg/store"
	"flocksync/pkg/telemetry"
)

// ErrNotSender: edits and deletes are only ever applied locally for the
// message's own sender. The store enforces this remotely; this error
// keeps the local view from optimistically showing a mutation the store
// will reject.
var ErrNotSender = errors.New("window: not the message sender")

// Manager opens windows. One per client session.
type Manager struct {
	st       store.Store
	disp     *realtime.Dispatcher
	profiles *profiles.Cache
	selfID   string
	pageSize int

	// OnSent, when set, runs after each confirmed send. The orchestrator
	// uses it for notification fan-out; failures in there never fail the
	// send.
	OnSent func(ctx context.Context, msg models.Message)
}

func NewManager(st store.Store, disp *realtime.Dispatcher, profs *profiles.Cache, selfID string, pageSize int) *Manager {
	return &Manager{st: st, disp: disp, profiles: profs, selfID: selfID, pageSize: pageSize}
}

// Open returns a live window for the conversation. Close it when the
// conversation is deselected; that aborts any in-flight fetches.
func (m *Manager) Open(conversationID string) *Window {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Window{
		mgr:            m,
		conversationID: conversationID,
		ctx:            ctx,
		cancel:         cancel,
		now:            time.Now,
	}
	w.unbind = w.bind()
	return w
}

// Window is the ordered visible message list of one conversation.
// Visible order is created_at ascending with id tiebreak; soft-deleted
// messages are excluded but their ids stay resolvable as "unavailable".
type Window struct {
	mgr            *Manager
	conversationID string

	ctx    context.Context
	cancel context.CancelFunc
	unbind func()

	mu      sync.Mutex
	msgs    []models.Message
	fetched int
	hasMore bool
	// tombstones remembers ids seen soft-deleted so reply references
	// resolve as unavailable rather than unknown
	tombstones map[string]struct{}

	observers []func()

	now func() time.Time
}

// Load fetches the most recent page. The store returns newest-first; the
// page is reversed to ascending before merging.
func (w *Window) Load(ctx context.Context) error {
	return w.fetchPage(ctx, 0)
}

// LoadMore prepends the next older page.
func (w *Window) LoadMore(ctx context.Context) error {
	w.mu.Lock()
	offset := w.fetched
	w.mu.Unlock()
	return w.fetchPage(ctx, offset)
}

func (w *Window) fetchPage(ctx context.Context, offset int) error {
	ctx, stop := w.joined(ctx)
	defer stop()
	rows, err := w.mgr.st.Select(ctx, models.TableMessages, store.Query{
		Filters: []store.Filter{store.Eq("conversation_id", w.conversationID)},
		Order:   store.Order{Column: "created_at", Desc: true},
		Offset:  offset,
		Limit:   w.mgr.pageSize,
	})
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("messages_select").Inc()
		return fmt.Errorf("load messages: %w", err)
	}
	page := models.DecodeRows[models.Message](rows)

	w.mu.Lock()
	w.fetched += len(page)
	w.hasMore = len(page) == w.mgr.pageSize
	// reverse to ascending, then merge one by one (dedup against what
	// live events already delivered)
	for i := len(page) - 1; i >= 0; i-- {
		w.mergeLocked(page[i])
	}
	w.mu.Unlock()
	w.notify()

	// enrichment is decoupled: sender profiles arrive later and patch
	// rows in place; display never blocks on this
	go w.ensureProfiles(page)
	return nil
}

// joined derives a context cancelled by either the caller or the
// window's own lifetime, so Close aborts in-flight fetches. The
// returned stop must run when the operation finishes; it detaches the
// lifetime hook so completed fetches leave nothing behind.
func (w *Window) joined(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(w.ctx, cancel)
	return merged, func() {
		unhook()
		cancel()
	}
}

func (w *Window) ensureProfiles(page []models.Message) {
	ids := make([]string, 0, len(page))
	for _, m := range page {
		ids = append(ids, m.SenderID)
	}
	if err := w.mgr.profiles.Ensure(w.ctx, ids); err != nil {
		logger.Warn("sender_profile_fetch_failed", "conversation", w.conversationID, "error", err)
	}
}

// mergeLocked inserts or reconciles one message, keeping ascending order
// and suppressing duplicates by id and by correlation id.
func (w *Window) mergeLocked(msg models.Message) {
	if msg.Deleted() {
		w.rememberTombstoneLocked(msg.ID)
		w.removeLocked(msg.ID)
		return
	}
	for i := range w.msgs {
		if w.msgs[i].Matches(&msg) {
			if w.msgs[i].Provisional && !msg.Provisional {
				telemetry.Reconciliations.WithLabelValues("echo").Inc()
			}
			w.msgs[i] = msg
			w.resortLocked()
			return
		}
	}
	w.msgs = append(w.msgs, msg)
	w.resortLocked()
}

func (w *Window) resortLocked() {
	sort.SliceStable(w.msgs, func(i, j int) bool {
		return w.msgs[i].Before(&w.msgs[j])
	})
}

func (w *Window) removeLocked(id string) {
	for i := range w.msgs {
		if w.msgs[i].ID == id {
			w.msgs = append(w.msgs[:i], w.msgs[i+1:]...)
			return
		}
	}
}

func (w *Window) rememberTombstoneLocked(id string) {
	if id == "" {
		return
	}
	if w.tombstones == nil {
		w.tombstones = make(map[string]struct{})
	}
	w.tombstones[id] = struct{}{}
}

// Send appends a provisional message immediately, writes the row, and
// splices in the authoritative version on confirmation. The correlation
// id ties the three paths (local, confirm, live echo) to one final row.
func (w *Window) Send(ctx context.Context, body string, attachments []models.Attachment, replyTo string) (models.Message, error) {
	provisional := models.Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: w.conversationID,
		SenderID:       w.mgr.selfID,
		Body:           body,
		Attachments:    attachments,
		ReplyTo:        replyTo,
		CreatedAt:      w.now().UTC(),
		CorrelationID:  uuid.NewString(),
		Provisional:    true,
	}
	w.mu.Lock()
	w.mergeLocked(provisional)
	w.mu.Unlock()
	w.notify()

	outgoing := provisional
	outgoing.ID = "" // the store assigns identity
	outgoing.Provisional = false
	payload, err := models.EncodeRow(outgoing)
	if err != nil {
		w.dropProvisional(provisional)
		return models.Message{}, err
	}

	sendCtx, stop := w.joined(ctx)
	row, err := w.mgr.st.Insert(sendCtx, models.TableMessages, payload)
	stop()
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("message_insert").Inc()
		w.dropProvisional(provisional)
		return models.Message{}, fmt.Errorf("send: %w", err)
	}
	confirmed, err := models.DecodeRow[models.Message](row)
	if err != nil {
		return models.Message{}, err
	}

	w.mu.Lock()
	w.mergeLocked(confirmed)
	w.mu.Unlock()
	w.notify()
	telemetry.Reconciliations.WithLabelValues("confirm").Inc()

	if w.mgr.OnSent != nil {
		w.mgr.OnSent(ctx, confirmed)
	}
	return confirmed, nil
}

func (w *Window) dropProvisional(p models.Message) {
	w.mu.Lock()
	w.removeLocked(p.ID)
	w.mu.Unlock()
	w.notify()
}

// Edit updates the body of an own message. Editing someone else's
// message is refused locally; the store would reject it anyway.
func (w *Window) Edit(ctx context.Context, id, body string) error {
	w.mu.Lock()
	var target *models.Message
	for i := range w.msgs {
		if w.msgs[i].ID == id {
			target = &w.msgs[i]
			break
		}
	}
	if target == nil {
		w.mu.Unlock()
		return store.ErrNotFound
	}
	if target.SenderID != w.mgr.selfID {
		w.mu.Unlock()
		return ErrNotSender
	}
	w.mu.Unlock()

	ts := w.now().UTC()
	patch, _ := json.Marshal(map[string]any{"body": body, "edited_at": ts})
	editCtx, stop := w.joined(ctx)
	err := w.mgr.st.Update(editCtx, models.TableMessages, []store.Filter{
		store.Eq("id", id),
		store.Eq("sender_id", w.mgr.selfID),
	}, patch)
	stop()
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("message_update").Inc()
		return fmt.Errorf("edit: %w", err)
	}

	w.mu.Lock()
	for i := range w.msgs {
		if w.msgs[i].ID == id {
			w.msgs[i].Body = body
			w.msgs[i].EditedAt = &ts
			break
		}
	}
	w.mu.Unlock()
	w.notify()
	return nil
}

// Delete soft-deletes an own message: the row stays, the visible window
// drops it, references to it resolve as unavailable.
func (w *Window) Delete(ctx context.Context, id string) error {
	w.mu.Lock()
	var target *models.Message
	for i := range w.msgs {
		if w.msgs[i].ID == id {
			target = &w.msgs[i]
			break
		}
	}
	if target == nil {
		w.mu.Unlock()
		return store.ErrNotFound
	}
	if target.SenderID != w.mgr.selfID {
		w.mu.Unlock()
		return ErrNotSender
	}
	w.mu.Unlock()

	ts := w.now().UTC()
	patch, _ := json.Marshal(map[string]any{"deleted_at": ts})
	delCtx, stop := w.joined(ctx)
	err := w.mgr.st.Update(delCtx, models.TableMessages, []store.Filter{
		store.Eq("id", id),
		store.Eq("sender_id", w.mgr.selfID),
	}, patch)
	stop()
	if err != nil {
		telemetry.StoreErrors.WithLabelValues("message_update").Inc()
		return fmt.Errorf("delete: %w", err)
	}

	w.mu.Lock()
	w.rememberTombstoneLocked(id)
	w.removeLocked(id)
	w.mu.Unlock()
	w.notify()
	return nil
}

// ForwardResult is the per-target outcome of a forward. Targets fail
// independently; partial success is a valid result.
type ForwardResult struct {
	ConversationID string
	MessageID      string
	Err            error
}

// Forward creates a fresh message row in each target conversation
// tagging the origin message id.
func (w *Window) Forward(ctx context.Context, msg models.Message, targetConversationIDs []string) []ForwardResult {
	out := make([]ForwardResult, 0, len(targetConversationIDs))
	for _, target := range targetConversationIDs {
		fwd := models.Message{
			ConversationID: target,
			SenderID:       w.mgr.selfID,
			Body:           msg.Body,
			Attachments:    msg.Attachments,
			ForwardedFrom:  msg.ID,
			CreatedAt:      w.now().UTC(),
			CorrelationID:  uuid.NewString(),
		}
		res := ForwardResult{ConversationID: target}
		payload, err := models.EncodeRow(fwd)
		if err != nil {
			res.Err = err
			out = append(out, res)
			continue
		}
		fwdCtx, stop := w.joined(ctx)
		row, err := w.mgr.st.Insert(fwdCtx, models.TableMessages, payload)
		stop()
		if err != nil {
			telemetry.StoreErrors.WithLabelValues("message_insert").Inc()
			logger.Warn("forward_target_failed", "target", target, "error", err)
			res.Err = err
			out = append(out, res)
			continue
		}
		if confirmed, derr := models.DecodeRow[models.Message](row); derr == nil {
			res.MessageID = confirmed.ID
		}
		out = append(out, res)
	}
	return out
}

// Resolve looks up a referenced message (reply or forward origin).
// ok=false means the reference dangles (deleted or never loaded) and
// must render as "unavailable", never crash.
func (w *Window) Resolve(id string) (models.Message, bool) {
	if id == "" {
		return models.Message{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, gone := w.tombstones[id]; gone {
		return models.Message{}, false
	}
	for i := range w.msgs {
		if w.msgs[i].ID == id {
			return w.msgs[i], true
		}
	}
	return models.Message{}, false
}

// Has reports whether the id belongs to this window, visible or
// tombstoned. Scoping filters for receipt/reaction events use it.
func (w *Window) Has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, gone := w.tombstones[id]; gone {
		return true
	}
	for i := range w.msgs {
		if w.msgs[i].ID == id {
			return true
		}
	}
	return false
}

// Messages returns a copy of the visible ordered list.
func (w *Window) Messages() []models.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

// MessageIDs returns the visible ids, oldest first.
func (w *Window) MessageIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.msgs))
	for i := range w.msgs {
		out[i] = w.msgs[i].ID
	}
	return out
}

// HasMore reports whether an older page may exist (last fetch was a full
// page).
func (w *Window) HasMore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasMore
}

// ConversationID identifies the window.
func (w *Window) ConversationID() string { return w.conversationID }

// OnChange registers a UI refresh hook.
func (w *Window) OnChange(fn func()) {
	w.mu.Lock()
	w.observers = append(w.observers, fn)
	w.mu.Unlock()
}

func (w *Window) notify() {
	w.mu.Lock()
	fns := make([]func(), len(w.observers))
	copy(fns, w.observers)
	size := len(w.msgs)
	w.mu.Unlock()
	telemetry.CacheSize.WithLabelValues("window").Set(float64(size))
	for _, fn := range fns {
		fn()
	}
}

func (w *Window) bind() func() {
	match := realtime.MatchEq("conversation_id", w.conversationID)
	return w.mgr.disp.Subscribe(models.TableMessages, match, realtime.Handlers{
		OnInsert: func(row json.RawMessage) {
			msg, err := models.DecodeRow[models.Message](row)
			if err != nil || msg.ID == "" {
				return
			}
			w.mu.Lock()
			w.mergeLocked(msg)
			w.mu.Unlock()
			w.notify()
		},
		OnUpdate: func(row json.RawMessage) {
			msg, err := models.DecodeRow[models.Message](row)
			if err != nil || msg.ID == "" {
				return
			}
			w.mu.Lock()
			w.mergeLocked(msg)
			w.mu.Unlock()
			w.notify()
		},
		OnDelete: func(row json.RawMessage) {
			msg, err := models.DecodeRow[models.Message](row)
			if err != nil || msg.ID == "" {
				return
			}
			w.mu.Lock()
			w.rememberTombstoneLocked(msg.ID)
			w.removeLocked(msg.ID)
			w.mu.Unlock()
			w.notify()
		},
	})
}

// Close unsubscribes the window and aborts in-flight fetches.
func (w *Window) Close() {
	w.cancel()
	if w.unbind != nil {
		w.unbind()
	}
}
