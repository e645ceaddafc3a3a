package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flocksync/pkg/config"
	"flocksync/pkg/models"
	"flocksync/pkg/store"
	"flocksync/pkg/store/memstore"
)

func newTestApp(t *testing.T) (*App, *memstore.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Kind = "memory"
	cfg.Snapshot.Path = t.TempDir()
	a, err := New(cfg, "me")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.snap.Close() })
	ms, ok := a.st.(*memstore.Store)
	if !ok {
		t.Fatalf("memory store expected, got %T", a.st)
	}
	// route store echoes straight through the dispatcher; Run is not
	// needed for these tests
	stop, err := ms.Subscribe(context.Background(), a.disp.Deliver)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(stop)
	return a, ms
}

func seedRow(t *testing.T, ms *memstore.Store, table string, v any) {
	t.Helper()
	payload, err := models.EncodeRow(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := ms.Insert(context.Background(), table, payload); err != nil {
		t.Fatalf("seed %s: %v", table, err)
	}
}

func seedConversation(t *testing.T, a *App, ms *memstore.Store, id string, members ...models.Participant) {
	t.Helper()
	ts := time.Now().UTC()
	seedRow(t, ms, models.TableConversations, models.Conversation{
		ID: id, Kind: models.KindGroup, Name: id, CreatedAt: ts, UpdatedAt: ts,
	})
	for _, p := range members {
		p.ConversationID = id
		seedRow(t, ms, models.TableParticipants, p)
	}
	if err := a.directory.Load(context.Background()); err != nil {
		t.Fatalf("directory load: %v", err)
	}
}

func TestOpenConversationWiresTheSelection(t *testing.T) {
	a, ms := newTestApp(t)
	seedConversation(t, a, ms, "conv1",
		models.Participant{UserID: "me", Role: models.RoleMember},
		models.Participant{UserID: "alice", Role: models.RoleMember},
	)
	seedRow(t, ms, models.TableMessages, models.Message{
		ID: "m1", ConversationID: "conv1", SenderID: "alice", Body: "hi",
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	})
	// a pending notification for this user and conversation
	seedRow(t, ms, models.TableNotifications, models.Notification{
		ID: "n1", UserID: "me", ConversationID: "conv1", MessageID: "m1",
	})

	w, err := a.OpenConversation(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if got := w.Messages(); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("window: %+v", got)
	}
	if _, ok := a.Current(); !ok {
		t.Fatalf("no current selection")
	}
	// opening marks read and clears the badge source
	if ms.Count(models.TableNotifications) != 0 {
		t.Fatalf("notifications not cleared:\n%s", ms.Dump(models.TableNotifications))
	}
	if !a.receipts.IsReadByOther("m1", "alice") {
		t.Fatalf("own receipt not written")
	}
	conv, _ := a.directory.Get("conv1")
	if conv.Unread {
		t.Fatalf("conversation still unread after open")
	}

	a.CloseConversation()
	if _, ok := a.Current(); ok {
		t.Fatalf("selection survived close")
	}
}

func TestOpenConversationReplacesPrevious(t *testing.T) {
	a, ms := newTestApp(t)
	seedConversation(t, a, ms, "conv1", models.Participant{UserID: "me"})
	seedConversation(t, a, ms, "conv2", models.Participant{UserID: "me"})

	if _, err := a.OpenConversation(context.Background(), "conv1"); err != nil {
		t.Fatalf("open conv1: %v", err)
	}
	w2, err := a.OpenConversation(context.Background(), "conv2")
	if err != nil {
		t.Fatalf("open conv2: %v", err)
	}
	cur, ok := a.Current()
	if !ok {
		t.Fatalf("no current selection")
	}
	if cur != w2 || cur.ConversationID() != "conv2" {
		t.Fatalf("current selection: %v", cur.ConversationID())
	}
}

func TestSendFansOutNotificationsToUnmuted(t *testing.T) {
	a, ms := newTestApp(t)
	seedConversation(t, a, ms, "conv1",
		models.Participant{UserID: "me", Role: models.RoleAdmin},
		models.Participant{UserID: "alice", Role: models.RoleMember},
		models.Participant{UserID: "bob", Role: models.RoleMember, Muted: true},
	)

	w, err := a.OpenConversation(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if _, err := w.Send(context.Background(), "hello", nil, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rows, err := ms.Select(context.Background(), models.TableNotifications, store.Query{})
	if err != nil {
		t.Fatalf("select notifications: %v", err)
	}
	notes := models.DecodeRows[models.Notification](rows)
	if len(notes) != 1 {
		t.Fatalf("notifications: %+v", notes)
	}
	// alice gets one; the sender and the muted member do not
	if notes[0].UserID != "alice" || notes[0].ConversationID != "conv1" {
		t.Fatalf("notification: %+v", notes[0])
	}
}

func TestOpsHandlers(t *testing.T) {
	a, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	a.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}

	// the feed has not started yet
	rec = httptest.NewRecorder()
	a.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before run: %d", rec.Code)
	}
	a.feedOK.Store(true)
	rec = httptest.NewRecorder()
	a.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz after feed up: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.handleCaches(rec, httptest.NewRequest(http.MethodGet, "/debug/caches", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("caches: %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("caches body: %v", err)
	}
	if _, ok := body["directory"]; !ok {
		t.Fatalf("caches body missing sizes: %v", body)
	}
}
