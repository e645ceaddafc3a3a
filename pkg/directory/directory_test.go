package directory

import (
	"context"
	"testing"
	"time"

	"flocksync/pkg/models"
	"flocksync/pkg/snapshot"
	"flocksync/pkg/store/memstore"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedConversation(t *testing.T, ms *memstore.Store, id, kind string, updatedAt time.Time, members ...string) {
	t.Helper()
	ctx := context.Background()
	payload, err := models.EncodeRow(models.Conversation{
		ID: id, Kind: kind, Name: id, CreatedAt: updatedAt, UpdatedAt: updatedAt,
	})
	if err != nil {
		t.Fatalf("encode conversation: %v", err)
	}
	if _, err := ms.Insert(ctx, models.TableConversations, payload); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	for _, u := range members {
		pp, err := models.EncodeRow(models.Participant{ConversationID: id, UserID: u, Role: models.RoleMember})
		if err != nil {
			t.Fatalf("encode participant: %v", err)
		}
		if _, err := ms.Insert(ctx, models.TableParticipants, pp); err != nil {
			t.Fatalf("seed participant: %v", err)
		}
	}
}

func seedMessage(t *testing.T, ms *memstore.Store, id, conv, sender string, at time.Time) {
	t.Helper()
	payload, err := models.EncodeRow(models.Message{
		ID: id, ConversationID: conv, SenderID: sender, Body: "hi", CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	if _, err := ms.Insert(context.Background(), models.TableMessages, payload); err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestLoadEnrichesAndSorts(t *testing.T) {
	ms := memstore.New()
	// read: conv-read has a message older than the watermark
	// unread: conv-unread has a fresh foreign message
	// own: conv-own's newest message is mine, never unread
	seedConversation(t, ms, "conv-read", models.KindDirect, base.Add(3*time.Hour), "me", "alice")
	seedConversation(t, ms, "conv-unread", models.KindDirect, base.Add(1*time.Hour), "me", "bob")
	seedConversation(t, ms, "conv-own", models.KindGroup, base.Add(2*time.Hour), "me", "carol")
	seedMessage(t, ms, "m-read", "conv-read", "alice", base)
	seedMessage(t, ms, "m-unread", "conv-unread", "bob", base.Add(time.Hour))
	seedMessage(t, ms, "m-own", "conv-own", "me", base.Add(2*time.Hour))

	c := New(ms, nil, "me", time.Second)
	defer c.Stop()
	c.now = func() time.Time { return base.Add(4 * time.Hour) }
	if err := c.MarkRead(context.Background(), "conv-read"); err != nil {
		t.Fatalf("prime watermark: %v", err)
	}
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	convs := c.Conversations()
	if len(convs) != 3 {
		t.Fatalf("conversations: %d", len(convs))
	}
	// unread first, then updated_at descending
	if convs[0].ID != "conv-unread" {
		t.Fatalf("unread not first: %s", convs[0].ID)
	}
	if convs[1].ID != "conv-read" || convs[2].ID != "conv-own" {
		t.Fatalf("read tail misordered: %s, %s", convs[1].ID, convs[2].ID)
	}

	unreadConv, _ := c.Get("conv-unread")
	if !unreadConv.Unread {
		t.Fatalf("fresh foreign message not unread")
	}
	ownConv, _ := c.Get("conv-own")
	if ownConv.Unread {
		t.Fatalf("own message counted as unread")
	}
	if unreadConv.LastMessage == nil || unreadConv.LastMessage.ID != "m-unread" {
		t.Fatalf("last message not attached: %+v", unreadConv.LastMessage)
	}
	if len(unreadConv.Participants) != 2 {
		t.Fatalf("participants: %d", len(unreadConv.Participants))
	}
}

func TestLoadSkipsSoftDeletedLastMessage(t *testing.T) {
	ms := memstore.New()
	seedConversation(t, ms, "conv1", models.KindDirect, base, "me", "alice")
	seedMessage(t, ms, "m-old", "conv1", "alice", base)
	// newer but soft-deleted; must not surface as the preview
	ts := base.Add(time.Hour)
	payload, _ := models.EncodeRow(models.Message{
		ID: "m-deleted", ConversationID: "conv1", SenderID: "alice",
		CreatedAt: ts, DeletedAt: &ts,
	})
	if _, err := ms.Insert(context.Background(), models.TableMessages, payload); err != nil {
		t.Fatalf("seed deleted message: %v", err)
	}

	c := New(ms, nil, "me", time.Second)
	defer c.Stop()
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	conv, ok := c.Get("conv1")
	if !ok || conv.LastMessage == nil || conv.LastMessage.ID != "m-old" {
		t.Fatalf("preview: %+v", conv.LastMessage)
	}
}

func TestCreateDirectIsIdempotent(t *testing.T) {
	ms := memstore.New()
	c := New(ms, nil, "me", time.Second)
	defer c.Stop()

	first, err := c.CreateDirect(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateDirect: %v", err)
	}
	second, err := c.CreateDirect(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateDirect again: %v", err)
	}
	if first != second {
		t.Fatalf("two direct conversations for the same pair: %s, %s", first, second)
	}
	if n := ms.Count(models.TableConversations); n != 1 {
		t.Fatalf("conversation rows: %d", n)
	}

	other, err := c.CreateDirect(context.Background(), "bob")
	if err != nil {
		t.Fatalf("CreateDirect bob: %v", err)
	}
	if other == first {
		t.Fatalf("distinct counterparts share a conversation")
	}
}

func TestCreateGroupMakesCallerAdmin(t *testing.T) {
	ms := memstore.New()
	c := New(ms, nil, "me", time.Second)
	defer c.Stop()

	id, err := c.CreateGroup(context.Background(), "leaders", []string{"alice", "me", "bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	conv, ok := c.Get(id)
	if !ok {
		t.Fatalf("group missing after create")
	}
	if len(conv.Participants) != 3 {
		t.Fatalf("participants: %d", len(conv.Participants))
	}
	for _, p := range conv.Participants {
		want := models.RoleMember
		if p.UserID == "me" {
			want = models.RoleAdmin
		}
		if p.Role != want {
			t.Fatalf("role for %s: %s", p.UserID, p.Role)
		}
	}
}

func TestMarkReadClearsOnlyThatConversation(t *testing.T) {
	ms := memstore.New()
	seedConversation(t, ms, "conv1", models.KindDirect, base, "me", "alice")
	seedConversation(t, ms, "conv2", models.KindDirect, base, "me", "bob")
	seedMessage(t, ms, "m1", "conv1", "alice", base)
	seedMessage(t, ms, "m2", "conv2", "bob", base)

	c := New(ms, nil, "me", time.Second)
	defer c.Stop()
	c.now = func() time.Time { return base.Add(time.Hour) }
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := c.MarkRead(context.Background(), "conv1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	c1, _ := c.Get("conv1")
	c2, _ := c.Get("conv2")
	if c1.Unread {
		t.Fatalf("conv1 still unread")
	}
	if !c2.Unread {
		t.Fatalf("conv2 lost its unread flag")
	}

	// the watermark survives a full reload
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	c1, _ = c.Get("conv1")
	if c1.Unread {
		t.Fatalf("conv1 unread after reload")
	}
}

func TestWarmStartServesSnapshot(t *testing.T) {
	snap, err := snapshot.Open(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot open: %v", err)
	}
	defer snap.Close()

	ms := memstore.New()
	seedConversation(t, ms, "conv1", models.KindDirect, base, "me", "alice")
	seedMessage(t, ms, "m1", "conv1", "alice", base)

	warm := New(ms, snap, "me", time.Second)
	if err := warm.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	warm.Stop()

	// a fresh session with an empty store still has the list
	cold := New(memstore.New(), snap, "me", time.Second)
	defer cold.Stop()
	if !cold.WarmStart() {
		t.Fatalf("WarmStart found nothing")
	}
	convs := cold.Conversations()
	if len(convs) != 1 || convs[0].ID != "conv1" {
		t.Fatalf("warm list: %+v", convs)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.ID != "m1" {
		t.Fatalf("warm preview missing")
	}
	if !convs[0].Unread {
		t.Fatalf("warm unread flag lost")
	}
}

func TestWarmStartYieldsToCompletedLoad(t *testing.T) {
	snap, err := snapshot.Open(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot open: %v", err)
	}
	defer snap.Close()
	if err := snap.SaveDirectory("me", []models.Conversation{{ID: "stale", Kind: models.KindDirect}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	c := New(memstore.New(), snap, "me", time.Second)
	defer c.Stop()
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// the network load won; stale snapshot data must not replace it
	if c.WarmStart() {
		t.Fatalf("snapshot overwrote a completed load")
	}
}

func TestTriggerReloadCoalesces(t *testing.T) {
	ms := memstore.New()
	seedConversation(t, ms, "conv1", models.KindDirect, base, "me", "alice")

	c := New(ms, nil, "me", time.Hour)
	defer c.Stop()

	for i := 0; i < 10; i++ {
		c.TriggerReload()
	}
	if c.Size() != 0 {
		t.Fatalf("reload ran before the debounce window")
	}
	c.FlushReload()
	if c.Size() != 1 {
		t.Fatalf("flushed reload did not run")
	}
	// nothing left pending
	c.FlushReload()
}
